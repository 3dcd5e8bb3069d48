// Package delta3 parses the XML call-event documents the PBX carries
// inside DevLink3 CallDelta3 tuples. Every record kind appears in two
// wire forms, attributes on inner elements or positional CSV element
// content, and both decode to the same typed records.
package delta3

// Record is the tagged sum of Delta3 record kinds.
type Record interface {
	recordKind() string
}

// CallInfo is the <Call> portion of a Detail record. Missing fields
// default to zero values.
type CallInfo struct {
	CallID          int
	Flags           int
	State           int
	Stamp           int64 // unix seconds, record time
	ConnStamp       int64 // unix seconds, moment of answer; 0 if unanswered
	Cause           int
	CalledType      int
	CallingNum      string
	CallingName     string
	CalledNum       string
	CalledName      string
	DialledNum      string
	AccountCode     string
	OwningHuntGroup string
	Tag             string
}

// Party is one endpoint of a call (<PartyA> / <PartyB>).
type Party struct {
	ID        int
	EqType    int
	Direction string // "I" or "O" relative to the PBX
	Number    string
	Name      string
	Channel   int
}

// Target is one alerting destination (<Target>). A Detail may carry
// several; wire order is preserved.
type Target struct {
	Type   int
	Number string
	Name   string
	Stamp  int64
}

// Detail is the per-call state record.
type Detail struct {
	Call    CallInfo
	PartyA  Party
	PartyB  Party
	Targets []Target
}

// CallLost reports a call dropped from PBX tracking.
type CallLost struct {
	CallID int
	Cause  int
	Stamp  int64
}

// LinkLost reports the PBX restarted its event link; informational.
type LinkLost struct {
	Stamp  int64
	Reason string
}

// AttemptReject reports a target that refused an alerting attempt; the
// call continues ringing other targets.
type AttemptReject struct {
	CallID int
	Target string
	Cause  int
	Stamp  int64
}

func (*Detail) recordKind() string        { return "Detail" }
func (*CallLost) recordKind() string      { return "CallLost" }
func (*LinkLost) recordKind() string      { return "LinkLost" }
func (*AttemptReject) recordKind() string { return "AttemptReject" }
