package devlink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// DevLink3 packet types. Request/response pairs differ in the top bit of
// the high byte; unsolicited events carry 0x10.
const (
	PacketTest                 uint32 = 0x002A0001
	PacketTestAck              uint32 = 0x802A0001
	PacketAuth                 uint32 = 0x00300001
	PacketAuthResponse         uint32 = 0x80300001
	PacketEventRequest         uint32 = 0x00300011
	PacketEventRequestResponse uint32 = 0x80300011
	PacketEvent                uint32 = 0x10300011
)

// Response codes carried in AuthResponse and EventRequestResponse payloads.
const (
	ResponseSuccess   uint32 = 0x00000000
	ResponseChallenge uint32 = 0x00000002
	ResponsePartial   uint32 = 0x00000009
	ResponseAuthFail  uint32 = 0x80000041
)

// Event tuple codes as observed on the wire. Only CallDelta3 is consumed
// by the core pipeline; the rest are surfaced for extended features.
const (
	TupleAppName        uint32 = 0x00000001
	TuplePbxType        uint32 = 0x00000002
	TupleDevLinkVariant uint32 = 0x00000003
	TupleCallDelta2     uint32 = 0x00750001
	TupleCallDelta3     uint32 = 0x00760001
	TupleSIPTrack       uint32 = 0x00770001
	TupleCMExtn         uint32 = 0x00780001
)

// Default event registration flags. Each flag enables one event family.
const DefaultEventFlags = "-CallDelta3 -CMExtn"

// Tuple is one code/data pair from an Event payload.
type Tuple struct {
	Code uint32
	Data []byte
}

// Text returns the tuple data as a string with the trailing NUL (if any)
// removed. CallDelta3 tuples carry NUL-terminated UTF-8 XML.
func (t Tuple) Text() string {
	return string(bytes.TrimRight(t.Data, "\x00"))
}

// EventPayload is a decoded Event frame body: the originating PBX address,
// a monotonically increasing event counter and the data tuples.
type EventPayload struct {
	PBXIP   net.IP
	Counter uint32
	Tuples  []Tuple
}

// ParseEventPayload decodes an Event frame body. The frame's request id
// has already been stripped by the framer; the body starts at the PBX IP.
// Layout: [pbx_ip:4][counter:4] then repeated [code:4 BE][len:2 BE][data].
func ParseEventPayload(body []byte) (*EventPayload, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("event payload too short: %d bytes", len(body))
	}
	p := &EventPayload{
		PBXIP:   net.IPv4(body[0], body[1], body[2], body[3]),
		Counter: binary.BigEndian.Uint32(body[4:8]),
	}
	rest := body[8:]
	for len(rest) > 0 {
		if len(rest) < 6 {
			return nil, fmt.Errorf("truncated tuple header: %d bytes left", len(rest))
		}
		code := binary.BigEndian.Uint32(rest[0:4])
		dataLen := int(binary.BigEndian.Uint16(rest[4:6]))
		if len(rest) < 6+dataLen {
			return nil, fmt.Errorf("truncated tuple 0x%08X: want %d bytes, have %d", code, dataLen, len(rest)-6)
		}
		p.Tuples = append(p.Tuples, Tuple{Code: code, Data: rest[6 : 6+dataLen]})
		rest = rest[6+dataLen:]
	}
	return p, nil
}

// CallDelta3 returns the XML documents of all CallDelta3 tuples in order.
func (p *EventPayload) CallDelta3() []string {
	var docs []string
	for _, t := range p.Tuples {
		if t.Code == TupleCallDelta3 {
			docs = append(docs, t.Text())
		}
	}
	return docs
}
