package smdr

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/callsight/callsight/internal/database/models"
)

// DefaultPort is the conventional SMDR feed port.
const DefaultPort = 1150

// maxPendingLen bounds continuation reassembly so a broken feed cannot
// grow the pending line without limit.
const maxPendingLen = 8192

// Handler receives each parsed SMDR record.
type Handler func(*models.SmdrRecord)

// Listener accepts plain TCP connections from the PBX and feeds parsed
// SMDR records to its handler. The PBX sends one record per line; a
// record whose continuation field is set spans further lines.
type Listener struct {
	addr    string
	handler Handler
	logger  *slog.Logger
	warnlim *rate.Limiter

	ln     net.Listener
	wg     sync.WaitGroup
	cancel context.CancelFunc

	records    atomic.Uint64
	parseFails atomic.Uint64
	conns      atomic.Int64
}

// NewListener creates an SMDR listener for host:port.
func NewListener(host string, port int, handler Handler, logger *slog.Logger) *Listener {
	return &Listener{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		handler: handler,
		logger:  logger.With("subsystem", "smdr"),
		warnlim: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// Records returns how many SMDR records have been parsed.
func (l *Listener) Records() uint64 { return l.records.Load() }

// ParseFailures returns how many lines failed to parse.
func (l *Listener) ParseFailures() uint64 { return l.parseFails.Load() }

// ActiveConns returns the number of connected feeds.
func (l *Listener) ActiveConns() int64 { return l.conns.Load() }

// Start binds the port and begins accepting connections.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("smdr listen on %s: %w", l.addr, err)
	}
	l.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.logger.Info("smdr listener started", "addr", l.addr)
	l.wg.Add(1)
	go l.acceptLoop(runCtx)
	return nil
}

// Stop closes the listener and waits for connection handlers to finish.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("smdr accept failed", "error", err)
			return
		}
		l.logger.Info("smdr feed connected", "remote", conn.RemoteAddr().String())
		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	l.conns.Add(1)
	defer l.conns.Add(-1)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxPendingLen)

	pending := ""
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if pending != "" {
			line = pending + line
			pending = ""
		}

		// The continuation field marks records the PBX breaks across
		// lines; hold the prefix and wait for the rest.
		if fields, err := splitLine(line); err == nil && continues(fields) {
			if len(line) <= maxPendingLen {
				pending = line
				continue
			}
		}

		rec, err := ParseLine(line)
		if err != nil {
			l.parseFails.Add(1)
			if l.warnlim.Allow() {
				l.logger.Warn("dropping unparseable smdr line",
					"error", err, "input", snippet(line, 100))
			}
			continue
		}
		l.records.Add(1)
		l.handler(rec)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.logger.Warn("smdr feed read error", "error", err)
	}
	if pending != "" {
		l.logger.Warn("smdr feed closed with partial record pending",
			"input", snippet(pending, 100))
	}
	l.logger.Info("smdr feed disconnected", "remote", conn.RemoteAddr().String())
}

// continues reports whether a line is the leading part of a record that
// spans physical lines: the continuation field is set and the record is
// not yet full width, or the break fell before the field is visible.
// A short line with the field clear is malformed, not a fragment.
func continues(fields []string) bool {
	if len(fields) <= fContinuation+1 {
		return true
	}
	return fields[fContinuation] == "1" && len(fields) < fieldCount
}

func snippet(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
