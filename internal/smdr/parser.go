// Package smdr parses the PBX's Station Message Detail Record stream:
// one CSV line per completed call, delivered minutes after the fact on
// a plain TCP feed.
package smdr

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

// fieldCount is the full SMDR record width: 30 base fields plus the
// 5 extended (server/unique-id) fields.
const fieldCount = 35

// Positional fields (0-based). The feed has no header; this table is
// the authority for every index.
const (
	fCallStart              = 0  // YYYY/MM/DD HH:MM:SS
	fConnectedTime          = 1  // HH:MM:SS
	fRingTime               = 2  // integer seconds
	fCaller                 = 3
	fDirection              = 4 // I | O
	fCalledNumber           = 5
	fDialledNumber          = 6
	fAccount                = 7
	fIsInternal             = 8 // 1 when both parties internal
	fCallID                 = 9
	fContinuation           = 10 // 1 when the record continues
	fParty1Device           = 11 // E/T/V prefixed device id
	fParty1Name             = 12
	fParty2Device           = 13
	fParty2Name             = 14
	fHoldTime               = 15 // integer seconds
	fParkTime               = 16 // integer seconds
	fAuthValid              = 17
	fAuthCode               = 18
	fUserCharged            = 19
	fCallCharge             = 20
	fCurrency               = 21
	fAmountAtLastUser       = 22
	fCallUnits              = 23
	fUnitsAtLastUser        = 24
	fCostPerUnit            = 25
	fMarkUp                 = 26
	fExternalTargetingCause = 27
	fExternalTargeterID     = 28
	fExternalTargetedNum    = 29
	fCallingPartyServer     = 30
	fUniqueCallIDCaller     = 31
	fCalledPartyServer      = 32
	fUniqueCallIDCalled     = 33
	fSMDRRecordTime         = 34
)

const timeLayout = "2006/01/02 15:04:05"

// ParseLine decodes one SMDR line into a typed record. Lines with fewer
// than the base 30 fields are rejected; the extended fields may be
// absent on older firmware.
func ParseLine(line string) (*models.SmdrRecord, error) {
	fields, err := splitLine(line)
	if err != nil {
		return nil, err
	}
	if len(fields) < fieldCount-5 {
		return nil, fmt.Errorf("smdr: %d fields, want at least %d", len(fields), fieldCount-5)
	}

	rec := &models.SmdrRecord{
		Raw:                    line,
		ConnectedSecs:          parseHMS(field(fields, fConnectedTime)),
		RingSecs:               atoi(field(fields, fRingTime)),
		Caller:                 field(fields, fCaller),
		Direction:              field(fields, fDirection),
		CalledNumber:           field(fields, fCalledNumber),
		DialledNumber:          field(fields, fDialledNumber),
		Account:                field(fields, fAccount),
		IsInternal:             field(fields, fIsInternal) == "1",
		CallID:                 field(fields, fCallID),
		Continuation:           field(fields, fContinuation) == "1",
		Party1Device:           field(fields, fParty1Device),
		Party1Name:             field(fields, fParty1Name),
		Party2Device:           field(fields, fParty2Device),
		Party2Name:             field(fields, fParty2Name),
		HoldSecs:               atoi(field(fields, fHoldTime)),
		ParkSecs:               atoi(field(fields, fParkTime)),
		AuthValid:              field(fields, fAuthValid),
		AuthCode:               field(fields, fAuthCode),
		UserCharged:            field(fields, fUserCharged),
		CallCharge:             field(fields, fCallCharge),
		Currency:               field(fields, fCurrency),
		AmountAtLastUser:       field(fields, fAmountAtLastUser),
		CallUnits:              field(fields, fCallUnits),
		UnitsAtLastUser:        field(fields, fUnitsAtLastUser),
		CostPerUnit:            field(fields, fCostPerUnit),
		MarkUp:                 field(fields, fMarkUp),
		ExternalTargetingCause: field(fields, fExternalTargetingCause),
		ExternalTargeterID:     field(fields, fExternalTargeterID),
		ExternalTargetedNum:    field(fields, fExternalTargetedNum),
		CallingPartyServer:     field(fields, fCallingPartyServer),
		UniqueCallIDCaller:     field(fields, fUniqueCallIDCaller),
		CalledPartyServer:      field(fields, fCalledPartyServer),
		UniqueCallIDCalled:     field(fields, fUniqueCallIDCalled),
		SMDRRecordTime:         field(fields, fSMDRRecordTime),
	}

	start, err := time.ParseInLocation(timeLayout, field(fields, fCallStart), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("smdr: bad call start %q: %w", field(fields, fCallStart), err)
	}
	rec.CallStart = start

	return rec, nil
}

// ExtractExtension returns the digits after a leading E of an SMDR
// device id, or "" for trunks, voicemail and anything else.
func ExtractExtension(device string) string {
	if len(device) < 2 || device[0] != 'E' {
		return ""
	}
	ext := device[1:]
	for _, r := range ext {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return ext
}

// splitLine splits an SMDR CSV line, respecting double-quoted commas.
func splitLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("smdr: splitting line: %w", err)
	}
	return fields, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return strings.TrimSpace(fields[i])
	}
	return ""
}

// parseHMS converts HH:MM:SS to seconds; malformed values become 0.
func parseHMS(s string) int {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, m, sec := atoi(parts[0]), atoi(parts[1]), atoi(parts[2])
	return h*3600 + m*60 + sec
}

func atoi(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}
