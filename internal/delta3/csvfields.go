package delta3

// Positional field indexes for the CSV wire form. These orderings are
// fixed by the PBX firmware and were cross-checked against fixture
// captures; a mismatch here corrupts every mapped field, so the tables
// live in one place.

// <Call> element, CSV form.
const (
	csvCallID          = 0
	csvCallFlags       = 1
	csvCallState       = 2
	csvCallStamp       = 3
	csvCallConnStamp   = 4
	csvCallCause       = 5
	csvCallCalledType  = 6
	csvCallCallingNum  = 7
	csvCallCallingName = 8
	csvCallCalledNum   = 9
	csvCallCalledName  = 10
	csvCallDialledNum  = 11
	csvCallAccountCode = 12
	csvCallOwningHG    = 13
	csvCallTag         = 14
)

// <PartyA> / <PartyB> elements, CSV form.
const (
	csvPartyID      = 0
	csvPartyEqType  = 1
	csvPartyDir     = 2
	csvPartyNumber  = 3
	csvPartyName    = 4
	csvPartyChannel = 5
)

// <Target> elements (nested under <Target_list>), CSV form.
const (
	csvTargetType   = 0
	csvTargetNumber = 1
	csvTargetName   = 2
	csvTargetStamp  = 3
)

// <CallLost> element content, CSV form.
const (
	csvLostCallID = 0
	csvLostCause  = 1
	csvLostStamp  = 2
)

// <AttemptReject> element content, CSV form.
const (
	csvRejectCallID = 0
	csvRejectTarget = 1
	csvRejectCause  = 2
	csvRejectStamp  = 3
)

// <LinkLost> element content, CSV form.
const (
	csvLinkStamp  = 0
	csvLinkReason = 1
)
