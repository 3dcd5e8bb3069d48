package devlink

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Auth body subtypes.
const (
	authSubtypeUser     uint32 = 0x00000001
	authSubtypeResponse uint32 = 0x00000050
)

// ErrAuthFailed is the single outcome for a refused or timed-out
// handshake. The connection does not retry authentication itself.
var ErrAuthFailed = errors.New("devlink: authentication failed")

// HandshakePhase tracks progress through the three-phase challenge-response.
type HandshakePhase int

const (
	PhaseInit HandshakePhase = iota
	PhaseAwaitChallenge
	PhaseAwaitResult
	PhaseDone
	PhaseFailed
)

// Handshake is the explicit state record for the DevLink3 SHA1
// challenge-response. The caller sends the frame returned by Start,
// then feeds every received AuthResponse frame to Next until Done or
// an error.
type Handshake struct {
	username string
	password string
	phase    HandshakePhase
}

// NewHandshake creates a handshake for the given credentials.
func NewHandshake(username, password string) *Handshake {
	return &Handshake{username: username, password: password}
}

// Phase returns the current handshake phase.
func (h *Handshake) Phase() HandshakePhase { return h.phase }

// Done reports whether the handshake completed successfully.
func (h *Handshake) Done() bool { return h.phase == PhaseDone }

// Start returns the body of the initial Auth packet: subtype 1, the
// UTF-8 username and a terminating NUL.
func (h *Handshake) Start() []byte {
	body := make([]byte, 0, 4+len(h.username)+1)
	body = binary.BigEndian.AppendUint32(body, authSubtypeUser)
	body = append(body, []byte(h.username)...)
	body = append(body, 0)
	h.phase = PhaseAwaitChallenge
	return body
}

// Next advances the handshake with one received AuthResponse frame.
// It returns the body of the next Auth packet to send, or nil when
// nothing needs sending. A nil reply with h.Done() true means success.
func (h *Handshake) Next(f Frame) ([]byte, error) {
	if f.Type != PacketAuthResponse {
		return nil, fmt.Errorf("devlink: unexpected packet type 0x%08X during auth", f.Type)
	}
	if len(f.Body) < 4 {
		h.phase = PhaseFailed
		return nil, fmt.Errorf("devlink: short auth response: %d bytes", len(f.Body))
	}
	code := binary.BigEndian.Uint32(f.Body[0:4])

	switch h.phase {
	case PhaseAwaitChallenge:
		switch code {
		case ResponseChallenge:
			if len(f.Body) < 8 {
				h.phase = PhaseFailed
				return nil, fmt.Errorf("devlink: challenge response missing length")
			}
			n := int(binary.BigEndian.Uint32(f.Body[4:8]))
			if len(f.Body) < 8+n {
				h.phase = PhaseFailed
				return nil, fmt.Errorf("devlink: truncated challenge: want %d bytes, have %d", n, len(f.Body)-8)
			}
			sum := ChallengeResponse(f.Body[8:8+n], h.password)
			body := make([]byte, 0, 8+len(sum))
			body = binary.BigEndian.AppendUint32(body, authSubtypeResponse)
			body = binary.BigEndian.AppendUint32(body, uint32(len(sum)))
			body = append(body, sum[:]...)
			h.phase = PhaseAwaitResult
			return body, nil
		case ResponseSuccess:
			// Some firmware accepts the bare username.
			h.phase = PhaseDone
			return nil, nil
		default:
			h.phase = PhaseFailed
			return nil, ErrAuthFailed
		}

	case PhaseAwaitResult:
		if code == ResponseSuccess {
			h.phase = PhaseDone
			return nil, nil
		}
		h.phase = PhaseFailed
		return nil, ErrAuthFailed

	default:
		return nil, fmt.Errorf("devlink: auth response in phase %d", h.phase)
	}
}

// ChallengeResponse computes SHA1(challenge || padded password). The
// password is whitespace-trimmed, truncated to 16 bytes and zero-padded
// to exactly 16 bytes before hashing.
func ChallengeResponse(challenge []byte, password string) [sha1.Size]byte {
	padded := make([]byte, 16)
	copy(padded, strings.TrimSpace(password))
	h := sha1.New()
	h.Write(challenge)
	h.Write(padded)
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// EventRequestBody builds the body of an EventRequest packet for the
// given space-separated registration flags: a two-byte length, the UTF-8
// flags and a terminating NUL.
func EventRequestBody(flags string) []byte {
	body := make([]byte, 0, 2+len(flags)+1)
	body = append(body, byte(len(flags)>>8), byte(len(flags)))
	body = append(body, []byte(flags)...)
	body = append(body, 0)
	return body
}
