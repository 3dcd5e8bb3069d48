package delta3

import "github.com/callsight/callsight/internal/database/models"

// PBX numeric call states. Several codes collapse onto one application
// state (multiple hold and ringing variants).
const (
	StateIdle          = 0
	StateRinging       = 1
	StateConnected     = 2
	StateCompleted     = 3
	StateHeld          = 4
	StateHeldRemote    = 5
	StateConferenced   = 6
	StateDialling      = 7
	StateAlertingTrunk = 8
	StateRingback      = 9
	StateQueued        = 10
	StateParked        = 11
	StateHeldPending   = 12
	StateRedialling    = 13
)

var callStates = map[int]models.CallState{
	StateIdle:          models.CallStateIdle,
	StateRinging:       models.CallStateRinging,
	StateConnected:     models.CallStateConnected,
	StateCompleted:     models.CallStateCompleted,
	StateHeld:          models.CallStateHold,
	StateHeldRemote:    models.CallStateHold,
	StateConferenced:   models.CallStateConnected,
	StateDialling:      models.CallStateRinging,
	StateAlertingTrunk: models.CallStateRinging,
	StateRingback:      models.CallStateRinging,
	StateQueued:        models.CallStateQueued,
	StateParked:        models.CallStateParked,
	StateHeldPending:   models.CallStateHold,
	StateRedialling:    models.CallStateRinging,
}

// CallStateFromCode maps a PBX numeric state to the application state.
// Unknown codes map to idle.
func CallStateFromCode(code int) models.CallState {
	if s, ok := callStates[code]; ok {
		return s
	}
	return models.CallStateIdle
}

// Equipment type codes, used to classify parties as trunks, phones or
// PBX-internal endpoints.
const (
	EqISDN       = 2
	EqAnalogue   = 3
	EqQSIG       = 4
	EqSIPTrunk   = 5
	EqSMTrunk    = 6
	EqIPTrunk    = 7
	EqTDMPhone   = 8
	EqH323Phone  = 9
	EqSIPDevice  = 10
	EqVoicemail  = 12
	EqConference = 13
	EqHuntGroup  = 15
	EqWebRTC     = 28
)

// IsTrunk reports whether the equipment type is an external line.
func IsTrunk(eqType int) bool {
	switch eqType {
	case EqISDN, EqAnalogue, EqQSIG, EqSIPTrunk, EqSMTrunk, EqIPTrunk:
		return true
	}
	return false
}

// IsExtension reports whether the equipment type is an internal device
// a person answers.
func IsExtension(eqType int) bool {
	switch eqType {
	case EqTDMPhone, EqH323Phone, EqSIPDevice, EqWebRTC:
		return true
	}
	return false
}

// Call flag bits.
const (
	FlagHold       = 0x0001
	FlagConference = 0x0002
	FlagTransfer   = 0x0004
	FlagRecording  = 0x0008
	FlagParked     = 0x0010
	FlagVoicemail  = 0x0020
)

// Cause codes (ISDN-derived).
const (
	CauseNormalClearing = 16
	CauseBusy           = 17
	CauseNoAnswer       = 19
	CauseRejected       = 21
)
