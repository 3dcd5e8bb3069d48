package devlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// fakePBX speaks just enough DevLink3 to drive the connection state
// machine: challenge-response auth, event registration and keepalive.
type fakePBX struct {
	password string
	// acks is how many TestAcks to send before going silent. Negative
	// means unlimited.
	acks      int32
	challenge []byte
}

func (p *fakePBX) serve(conn net.Conn) {
	defer conn.Close()
	dec := NewDecoder(testLogger())
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, f := range dec.Feed(buf[:n]) {
			if !p.handle(conn, f) {
				return
			}
		}
	}
}

func (p *fakePBX) handle(conn net.Conn, f Frame) bool {
	switch f.Type {
	case PacketAuth:
		subtype := binary.BigEndian.Uint32(f.Body[0:4])
		switch subtype {
		case authSubtypeUser:
			body := binary.BigEndian.AppendUint32(nil, ResponseChallenge)
			body = binary.BigEndian.AppendUint32(body, uint32(len(p.challenge)))
			body = append(body, p.challenge...)
			return p.reply(conn, PacketAuthResponse, f.RequestID, body)
		case authSubtypeResponse:
			want := ChallengeResponse(p.challenge, p.password)
			code := ResponseAuthFail
			if bytes.Equal(f.Body[8:], want[:]) {
				code = ResponseSuccess
			}
			return p.reply(conn, PacketAuthResponse, f.RequestID, binary.BigEndian.AppendUint32(nil, code))
		}
	case PacketEventRequest:
		return p.reply(conn, PacketEventRequestResponse, f.RequestID, binary.BigEndian.AppendUint32(nil, ResponseSuccess))
	case PacketTest:
		if n := atomic.LoadInt32(&p.acks); n == 0 {
			return true // swallow the keepalive
		} else if n > 0 {
			atomic.AddInt32(&p.acks, -1)
		}
		return p.reply(conn, PacketTestAck, f.RequestID, nil)
	}
	return true
}

func (p *fakePBX) reply(conn net.Conn, pktType, reqID uint32, body []byte) bool {
	wire, err := Encode(pktType, reqID, body)
	if err != nil {
		return false
	}
	_, err = conn.Write(wire)
	return err == nil
}

// testConnection builds a connection whose dials are served by fresh
// fakePBX sessions. Returns the connection and a dial counter.
func testConnection(t *testing.T, pbx *fakePBX, reconnect bool) (*Connection, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	cfg := Config{
		Host:      "169.254.0.1",
		Username:  "admin",
		Password:  "test",
		Reconnect: reconnect,

		KeepaliveInterval: 25 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
		RegisterTimeout:   2 * time.Second,
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,

		DialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			client, server := net.Pipe()
			go pbx.serve(server)
			return client, nil
		},
	}
	return NewConnection(cfg, testLogger()), &dials
}

func awaitStatus(t *testing.T, c *Connection, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-c.StatusChanges():
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q, current %q", want, c.Status())
		}
	}
}

func TestConnectionSubscribes(t *testing.T) {
	pbx := &fakePBX{password: "test", acks: -1, challenge: make([]byte, 16)}
	conn, dials := testConnection(t, pbx, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	defer conn.Stop()

	awaitStatus(t, conn, StatusSubscribed, 2*time.Second)
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConnectionAuthFailureDoesNotReconnect(t *testing.T) {
	pbx := &fakePBX{password: "other", acks: -1, challenge: make([]byte, 16)}
	conn, dials := testConnection(t, pbx, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	defer conn.Stop()

	awaitStatus(t, conn, StatusAuthFailed, 2*time.Second)

	// Reconnect is enabled but must not fire after an auth failure.
	time.Sleep(100 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d after auth failure, want 1", n)
	}
}

func TestConnectionKeepaliveTimeoutReconnects(t *testing.T) {
	// One ack per session, then silence: the second Test finds its
	// predecessor unacknowledged and the link is declared dead.
	pbx := &fakePBX{password: "test", acks: 1, challenge: make([]byte, 16)}
	conn, dials := testConnection(t, pbx, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	defer conn.Stop()

	awaitStatus(t, conn, StatusSubscribed, 2*time.Second)

	// The dead link must be detected and redialed with backoff.
	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := dials.Load(); n < 2 {
		t.Fatalf("dials = %d, keepalive timeout did not trigger a reconnect", n)
	}
}
