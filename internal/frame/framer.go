// Package frame determines packet boundaries in the byte stream sent by a
// device, either as terminated ASCII lines or as binary packets whose length
// is derived from a fixed-size prefix.
package frame

import (
	"errors"
	"io"
)

// ErrFrameTooLong is returned alongside a malformed frame when the peer sent
// MaxLength bytes without producing a packet boundary.
var ErrFrameTooLong = errors.New("frame exceeded maximum packet length")

// Frame is one complete packet.
type Frame struct {
	Data []byte
	// Malformed is set when the frame was cut at the maximum packet length
	// rather than ending on a recognized boundary.
	Malformed bool
}

// Len returns the number of bytes in the frame.
func (f Frame) Len() int { return len(f.Data) }

// Valid reports whether the frame ended on a proper boundary.
func (f Frame) Valid() bool { return !f.Malformed }

// LengthFunc returns the total length of a binary packet given its first
// minLen bytes. It must not block or retain prefix.
type LengthFunc func(prefix []byte, minLen int) int

// Source is the stream a Framer reads from.
type Source interface {
	io.Reader
	io.ByteReader
}

// A Source that delivers bytes in discrete messages (UDP datagrams) reports
// when the current message has been fully consumed, which ends a text line.
type boundarySource interface {
	AtBoundary() bool
}

// Framer reads successive frames from a Source. A Framer belongs to a single
// session and is not safe for concurrent use.
type Framer struct {
	cfg    Config
	length LengthFunc

	// Bytes read from the source that belong to the next packet.
	pending []byte
	// Set after a binary-mode packet was read as a line, so that the rest of
	// a multi-byte terminator (the LF of CRLF) is not taken for a header.
	afterLine bool
}

// New returns a Framer for the given config, which is expected to have been
// normalized already. length may be nil in text mode; in binary mode a nil
// LengthFunc yields frames of exactly MinLength bytes.
func New(cfg Config, length LengthFunc) *Framer {
	return &Framer{cfg: cfg, length: length}
}

// Next blocks until a full frame has been read from src. started is called
// once the first byte of the packet arrives (terminators and ignored bytes
// preceding a text line do not count).
//
// On a read error after the packet started, the returned Frame holds the
// bytes accumulated so far along with the error. io.EOF is only returned when
// the stream ended cleanly between packets.
func (f *Framer) Next(src Source, started func()) (Frame, error) {
	if started == nil {
		started = func() {}
	}
	if f.cfg.TextMode {
		return f.readLine(src, nil, false, started)
	}
	return f.readBinary(src, started)
}

func (f *Framer) readBinary(src Source, started func()) (Frame, error) {
	minLen, maxLen := f.cfg.MinLength, f.cfg.MaxLength

	first, err := f.readByte(src)
	for err == nil && f.afterLine && f.cfg.isTerminator(first) {
		first, err = f.readByte(src)
	}
	f.afterLine = false
	if err != nil {
		return Frame{}, err
	}
	started()

	buf := make([]byte, minLen)
	buf[0] = first
	if n, err := f.readFull(src, buf[1:]); err != nil {
		return Frame{Data: buf[:1+n]}, unexpected(err)
	}

	want := minLen
	if f.length != nil {
		want = f.length(buf, minLen)
	}

	switch {
	case want == LengthLineTerminator:
		return f.lineFromPrefix(src, buf, started)
	case want < minLen:
		want = minLen
	case want > maxLen:
		buf = grow(buf, maxLen)
		if n, err := f.readFull(src, buf[minLen:]); err != nil {
			return Frame{Data: buf[:minLen+n]}, unexpected(err)
		}
		return Frame{Data: buf, Malformed: true}, ErrFrameTooLong
	}

	buf = grow(buf, want)
	if n, err := f.readFull(src, buf[minLen:]); err != nil {
		return Frame{Data: buf[:minLen+n]}, unexpected(err)
	}
	return Frame{Data: buf}, nil
}

// lineFromPrefix finishes a packet as a text line after its binary prefix has
// already been read. A terminator inside the prefix ends the line there and
// the rest of the prefix is kept for the next packet.
func (f *Framer) lineFromPrefix(src Source, prefix []byte, started func()) (Frame, error) {
	f.afterLine = true
	for i, b := range prefix {
		if f.cfg.isTerminator(b) {
			end := i
			if f.cfg.IncludeTerminator {
				end++
			}
			f.unread(prefix[i+1:])
			return Frame{Data: append([]byte(nil), prefix[:end]...)}, nil
		}
	}
	return f.readLine(src, prefix, true, started)
}

// readLine accumulates a text line. With IncludeTerminator set the
// terminator counts against MaxLength, so the content of a line is limited to
// one byte less.
func (f *Framer) readLine(src Source, buf []byte, begun bool, started func()) (Frame, error) {
	bounded, _ := src.(boundarySource)
	limit := f.lineLimit()

	for {
		b, err := f.readByte(src)
		if err != nil {
			if !begun && err == io.EOF {
				return Frame{}, io.EOF
			}
			return Frame{Data: buf}, unexpected(err)
		}

		if !begun {
			if f.cfg.isTerminator(b) || f.cfg.isIgnored(b) {
				continue
			}
			begun = true
			started()
		}

		switch {
		case f.cfg.isTerminator(b):
			if len(buf) > 0 {
				if f.cfg.IncludeTerminator {
					buf = append(buf, b)
				}
				return Frame{Data: buf}, nil
			}
		case f.cfg.isIgnored(b):
		case f.cfg.isBackspace(b):
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
			}
		default:
			buf = append(buf, b)
		}

		if bounded != nil && len(f.pending) == 0 && bounded.AtBoundary() {
			if len(buf) > 0 {
				return Frame{Data: buf}, nil
			}
			// The datagram held nothing but erased or ignored bytes.
			begun = false
			continue
		}

		if len(buf) >= limit {
			return f.finishFullLine(src, buf)
		}
	}
}

func (f *Framer) lineLimit() int {
	if f.cfg.IncludeTerminator && f.cfg.MaxLength > 1 {
		return f.cfg.MaxLength - 1
	}
	return f.cfg.MaxLength
}

// finishFullLine decides whether a line that reached the maximum length ends
// right there. Only a terminator as the very next byte makes it valid.
func (f *Framer) finishFullLine(src Source, buf []byte) (Frame, error) {
	if bounded, ok := src.(boundarySource); ok && len(f.pending) == 0 && bounded.AtBoundary() {
		return Frame{Data: buf}, nil
	}

	b, err := f.readByte(src)
	if err != nil {
		return Frame{Data: buf}, unexpected(err)
	}
	if f.cfg.isTerminator(b) {
		if f.cfg.IncludeTerminator && len(buf) < f.cfg.MaxLength {
			buf = append(buf, b)
		}
		return Frame{Data: buf}, nil
	}
	if len(buf) < f.cfg.MaxLength {
		// The byte reserved for the terminator fills the malformed frame.
		return Frame{Data: append(buf, b), Malformed: true}, ErrFrameTooLong
	}
	f.unread([]byte{b})
	return Frame{Data: buf, Malformed: true}, ErrFrameTooLong
}

func (f *Framer) readByte(src Source) (byte, error) {
	if len(f.pending) > 0 {
		b := f.pending[0]
		f.pending = f.pending[1:]
		return b, nil
	}
	return src.ReadByte()
}

func (f *Framer) readFull(src Source, buf []byte) (int, error) {
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	if n == len(buf) {
		return n, nil
	}
	m, err := io.ReadFull(src, buf[n:])
	return n + m, err
}

func (f *Framer) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	f.pending = append(append([]byte(nil), b...), f.pending...)
}

// grow extends buf to n bytes, keeping its contents.
func grow(buf []byte, n int) []byte {
	if n <= cap(buf) {
		return buf[:n]
	}
	grown := make([]byte, n)
	copy(grown, buf)
	return grown
}

// A clean EOF in the middle of a packet is still a truncated packet.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
