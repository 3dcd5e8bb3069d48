package devlink

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// frameMagic is the first byte of every DevLink3 frame.
const frameMagic = 0x49

// maxFrameBody is the largest frame the two-byte length form can carry.
// The three-byte form is reserved for oversize frames from the PBX; the
// encoder never produces it.
const maxFrameBody = 0x7FFF

// frameHeaderLen is the fixed part after the length field: packet type
// (4 bytes) plus request id (4 bytes).
const frameHeaderLen = 8

var (
	// ErrFrameTooLarge is returned by Encode when the frame would exceed
	// the two-byte length form.
	ErrFrameTooLarge = errors.New("devlink: frame too large")
	// ErrBadMagic indicates the stream lost framing; the decoder resyncs
	// by scanning to the next magic byte.
	ErrBadMagic = errors.New("devlink: bad frame magic")
)

// Frame is one decoded DevLink3 frame: packet type, request id and the
// remaining payload bytes.
type Frame struct {
	Type      uint32
	RequestID uint32
	Body      []byte
}

// Encode produces a complete wire frame for the given type, request id
// and body. Frames larger than 0x7FFF bytes are refused.
func Encode(pktType, requestID uint32, body []byte) ([]byte, error) {
	frameLen := frameHeaderLen + len(body)
	if frameLen > maxFrameBody {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 0, 3+frameLen)
	out = append(out, frameMagic)
	out = append(out, byte(frameLen>>8), byte(frameLen))
	out = binary.BigEndian.AppendUint32(out, pktType)
	out = binary.BigEndian.AppendUint32(out, requestID)
	out = append(out, body...)
	return out, nil
}

// Decoder reassembles DevLink3 frames from arbitrarily chunked stream
// input. Chunks are kept in a list and only copied out when a complete
// frame (or a header inspection) requires it, so a chunk never forces a
// full-buffer concatenation.
//
// A decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	chunks  [][]byte
	size    int
	logger  *slog.Logger
	warnlim *rate.Limiter

	// read from the metrics scrape path while Feed runs.
	badMagic atomic.Uint64
}

// NewDecoder creates a stream decoder. Resync warnings are rate limited
// so a garbage stream cannot flood the log.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		logger:  logger.With("subsystem", "framer"),
		warnlim: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// BadMagicCount returns how many times the decoder had to resync.
func (d *Decoder) BadMagicCount() uint64 { return d.badMagic.Load() }

// Feed consumes one chunk of stream input and returns zero or more
// complete frames. The chunk is copied; the caller may reuse its buffer.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if len(chunk) > 0 {
		c := make([]byte, len(chunk))
		copy(c, chunk)
		d.chunks = append(d.chunks, c)
		d.size += len(c)
	}

	var frames []Frame
	for {
		f, ok := d.next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

// next attempts to decode one frame from the accumulated chunks.
func (d *Decoder) next() (Frame, bool) {
	for {
		if d.size < 3 {
			return Frame{}, false
		}

		var hdr [4]byte
		d.peek(hdr[:3])

		if hdr[0] != frameMagic {
			d.resync()
			continue
		}

		// Two-byte length unless the high bit of the first length byte is
		// set, in which case the PBX used the three-byte oversize form.
		var frameLen, lenBytes int
		if hdr[1]&0x80 == 0 {
			frameLen = int(hdr[1])<<8 | int(hdr[2])
			lenBytes = 2
		} else {
			if d.size < 4 {
				return Frame{}, false
			}
			d.peek(hdr[:4])
			frameLen = int(hdr[1]&0x7F)<<15 | int(hdr[2]&0x7F)<<8 | int(hdr[3])
			lenBytes = 3
		}

		if frameLen < frameHeaderLen {
			// Length cannot even hold type+request id; treat as lost
			// framing and scan forward.
			d.resync()
			continue
		}

		total := 1 + lenBytes + frameLen
		if d.size < total {
			return Frame{}, false
		}

		raw := d.take(total)
		payload := raw[1+lenBytes:]
		return Frame{
			Type:      binary.BigEndian.Uint32(payload[0:4]),
			RequestID: binary.BigEndian.Uint32(payload[4:8]),
			Body:      payload[8:],
		}, true
	}
}

// resync drops one byte, then discards everything up to the next magic
// byte (or the end of the buffer).
func (d *Decoder) resync() {
	d.badMagic.Add(1)
	if d.warnlim.Allow() {
		d.logger.Warn("bad frame magic, resyncing", "buffered", d.size)
	}
	d.discard(1)
	for d.size > 0 {
		var b [1]byte
		d.peek(b[:])
		if b[0] == frameMagic {
			return
		}
		d.discard(1)
	}
}

// peek copies the first len(dst) buffered bytes into dst without
// consuming them. The caller must ensure enough bytes are buffered.
func (d *Decoder) peek(dst []byte) {
	n := 0
	for _, c := range d.chunks {
		n += copy(dst[n:], c)
		if n == len(dst) {
			return
		}
	}
}

// take consumes n buffered bytes and returns them as one slice,
// concatenating chunks only for the extracted region.
func (d *Decoder) take(n int) []byte {
	out := make([]byte, n)
	d.peek(out)
	d.discard(n)
	return out
}

// discard consumes n buffered bytes.
func (d *Decoder) discard(n int) {
	d.size -= n
	for n > 0 {
		c := d.chunks[0]
		if len(c) > n {
			d.chunks[0] = c[n:]
			return
		}
		n -= len(c)
		d.chunks = d.chunks[1:]
	}
}
