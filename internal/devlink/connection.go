package devlink

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Status is the connection state machine position.
type Status string

const (
	StatusClosed        Status = "closed"
	StatusDialing       Status = "dialing"
	StatusConnected     Status = "connected"
	StatusAuthenticated Status = "authenticated"
	StatusSubscribed    Status = "subscribed"
	StatusWaitBackoff   Status = "wait_backoff"
	StatusAuthFailed    Status = "auth_failed"
)

// Default ports: 50796 is the PBX's TLS listener, 50797 plaintext.
const (
	DefaultPortTLS = 50796
	DefaultPort    = 50797
)

const (
	defaultKeepalive        = 30 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	defaultRegisterTimeout  = 10 * time.Second
	defaultBackoffBase      = time.Second
	defaultBackoffMax       = 30 * time.Second
)

// Config holds DevLink3 connection parameters. Zero durations take the
// protocol defaults.
type Config struct {
	Host       string
	Port       int
	UseTLS     bool
	TLSVerify  bool
	Username   string
	Password   string
	EventFlags string

	// Reconnect enables the internal backoff reconnect loop. The
	// supervisor must not redial in response to a disconnect; the
	// connection handles that itself.
	Reconnect bool

	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	RegisterTimeout   time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// DialFunc overrides the network dial, used by tests.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Port == 0 {
		if out.UseTLS {
			out.Port = DefaultPortTLS
		} else {
			out.Port = DefaultPort
		}
	}
	if out.EventFlags == "" {
		out.EventFlags = DefaultEventFlags
	}
	if out.KeepaliveInterval == 0 {
		out.KeepaliveInterval = defaultKeepalive
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.RegisterTimeout == 0 {
		out.RegisterTimeout = defaultRegisterTimeout
	}
	if out.BackoffBase == 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffMax == 0 {
		out.BackoffMax = defaultBackoffMax
	}
	return out
}

// Connection maintains an authenticated, subscribed DevLink3 session:
// dial, SHA1 challenge-response, event registration, keepalive, and
// backoff reconnect. Received frames are emitted on Frames(); consumers
// filter by packet type.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	attempt  int
	conn     net.Conn
	reqID    uint32
	dec      *Decoder
	badMagic uint64 // accumulated across finished sessions

	frames   chan Frame
	statusCh chan Status
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConnection creates a connection. Call Start to begin.
func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	return &Connection{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("subsystem", "devlink"),
		status:   StatusClosed,
		frames:   make(chan Frame, 256),
		statusCh: make(chan Status, 16),
		done:     make(chan struct{}),
	}
}

// Frames returns the channel of received frames while subscribed.
func (c *Connection) Frames() <-chan Frame { return c.frames }

// StatusChanges returns a channel of state transitions. Slow readers
// miss intermediate states; Status() always has the current one.
func (c *Connection) StatusChanges() <-chan Status { return c.statusCh }

// Status returns the current state machine position.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusString returns the state as a metrics label value.
func (c *Connection) StatusString() string {
	return string(c.Status())
}

// BadMagicCount returns the decoder resync count across all sessions.
func (c *Connection) BadMagicCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.badMagic
	if c.dec != nil {
		n += c.dec.BadMagicCount()
	}
	return n
}

// Start launches the connection loop. It returns immediately.
func (c *Connection) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
}

// Stop tears down the connection and waits for the loop to exit.
func (c *Connection) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	<-c.done
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	select {
	case c.statusCh <- s:
	default:
	}
}

func (c *Connection) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// run drives the state machine until the context is cancelled or a
// non-recoverable condition (auth failure, reconnect disabled) is hit.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.setStatus(StatusClosed)

	for {
		err := c.session(ctx)
		c.closeConn()
		c.mu.Lock()
		if c.dec != nil {
			c.badMagic += c.dec.BadMagicCount()
			c.dec = nil
		}
		c.mu.Unlock()
		c.setStatus(StatusClosed)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			// The supervisor decides whether bad credentials warrant a
			// retry; looping here would hammer the PBX lockout counter.
			c.logger.Error("authentication failed, not reconnecting")
			c.setStatus(StatusAuthFailed)
			return
		}
		if err != nil {
			c.logger.Error("devlink session ended", "error", err)
		}
		if !c.cfg.Reconnect {
			return
		}

		delay := c.backoffDelay()
		c.setStatus(StatusWaitBackoff)
		c.logger.Info("reconnecting", "attempt", c.attempt, "delay", delay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns min(base * 2^attempt, max) and bumps the attempt
// counter. The counter resets when a session reaches Subscribed.
func (c *Connection) backoffDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.cfg.BackoffBase
	for i := 0; i < c.attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			d = c.cfg.BackoffMax
			break
		}
	}
	c.attempt++
	return d
}

// session runs one full connection lifecycle: dial, authenticate,
// register events, then pump frames with keepalive until an I/O error.
func (c *Connection) session(ctx context.Context) error {
	c.setStatus(StatusDialing)

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing pbx: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(StatusConnected)

	fr := &frameReader{conn: conn, dec: NewDecoder(c.logger)}
	c.mu.Lock()
	c.dec = fr.dec
	c.mu.Unlock()

	if err := c.authenticate(fr); err != nil {
		return err
	}
	c.setStatus(StatusAuthenticated)

	if err := c.registerEvents(fr); err != nil {
		return err
	}
	c.setStatus(StatusSubscribed)
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.logger.Info("devlink subscribed", "host", c.cfg.Host, "port", c.cfg.Port, "flags", c.cfg.EventFlags)

	return c.pump(ctx, conn, fr)
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dial := c.cfg.DialFunc
	if dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.UseTLS || c.cfg.DialFunc != nil {
		return conn, nil
	}
	tconn := tls.Client(conn, &tls.Config{
		ServerName:         c.cfg.Host,
		InsecureSkipVerify: !c.cfg.TLSVerify,
	})
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tconn, nil
}

// authenticate drives the three-phase challenge-response with a single
// deadline covering both round trips.
func (c *Connection) authenticate(fr *frameReader) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	hs := NewHandshake(c.cfg.Username, c.cfg.Password)

	if err := c.send(PacketAuth, hs.Start()); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	for !hs.Done() {
		f, err := fr.next(deadline)
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("%w: handshake timeout", ErrAuthFailed)
			}
			return fmt.Errorf("reading auth response: %w", err)
		}
		if f.Type != PacketAuthResponse {
			continue
		}
		reply, err := hs.Next(f)
		if err != nil {
			return err
		}
		if reply != nil {
			if err := c.send(PacketAuth, reply); err != nil {
				return fmt.Errorf("sending auth response: %w", err)
			}
		}
	}
	return nil
}

// registerEvents subscribes to the configured event families. Partial
// success (some flags refused) is accepted.
func (c *Connection) registerEvents(fr *frameReader) error {
	deadline := time.Now().Add(c.cfg.RegisterTimeout)
	if err := c.send(PacketEventRequest, EventRequestBody(c.cfg.EventFlags)); err != nil {
		return fmt.Errorf("sending event request: %w", err)
	}
	for {
		f, err := fr.next(deadline)
		if err != nil {
			return fmt.Errorf("awaiting event registration: %w", err)
		}
		if f.Type != PacketEventRequestResponse {
			continue
		}
		if len(f.Body) < 4 {
			return fmt.Errorf("short event registration response: %d bytes", len(f.Body))
		}
		code := binary.BigEndian.Uint32(f.Body[0:4])
		switch code {
		case ResponseSuccess:
			return nil
		case ResponsePartial:
			c.logger.Warn("event registration partially accepted", "flags", c.cfg.EventFlags)
			return nil
		default:
			return fmt.Errorf("event registration refused: 0x%08X", code)
		}
	}
}

// pump reads frames and runs the keepalive. A Test is sent every
// keepalive interval; if the previous Test's ack is still outstanding
// when the next fires, the link is dead.
func (c *Connection) pump(ctx context.Context, conn net.Conn, fr *frameReader) error {
	readCh := make(chan Frame, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			f, err := fr.next(time.Time{})
			if err != nil {
				errCh <- err
				return
			}
			select {
			case readCh <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	ackPending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("read: %w", err)
		case f := <-readCh:
			if f.Type == PacketTestAck {
				ackPending = false
				continue
			}
			select {
			case c.frames <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ticker.C:
			if ackPending {
				return fmt.Errorf("keepalive timeout: no TestAck within %s", c.cfg.KeepaliveInterval)
			}
			if err := c.send(PacketTest, []byte{0, 0, 0, 0}); err != nil {
				return fmt.Errorf("sending keepalive: %w", err)
			}
			ackPending = true
		}
	}
}

// send encodes and writes one frame. Request ids are 8 ASCII hex digits
// interpreted as 4 bytes on the wire, which is the counter value
// big-endian.
func (c *Connection) send(pktType uint32, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.reqID++
	id := c.reqID
	c.mu.Unlock()
	if conn == nil {
		return errors.New("devlink: not connected")
	}
	frame, err := Encode(pktType, id, body)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// frameReader turns the chunked socket stream into synchronous frame
// reads with an optional deadline.
type frameReader struct {
	conn  net.Conn
	dec   *Decoder
	queue []Frame
	buf   [4096]byte
}

func (fr *frameReader) next(deadline time.Time) (Frame, error) {
	for len(fr.queue) == 0 {
		if err := fr.conn.SetReadDeadline(deadline); err != nil {
			return Frame{}, err
		}
		n, err := fr.conn.Read(fr.buf[:])
		if n > 0 {
			fr.queue = append(fr.queue, fr.dec.Feed(fr.buf[:n])...)
		}
		if err != nil && len(fr.queue) == 0 {
			return Frame{}, err
		}
	}
	f := fr.queue[0]
	fr.queue = fr.queue[1:]
	return f, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
