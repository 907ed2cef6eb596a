package frame

import "fmt"

const (
	// MaxPacketLimit is the hard upper bound for any configured packet length.
	MaxPacketLimit = 64 * 1024

	// LengthLineTerminator may be returned by a LengthFunc to indicate that the
	// packet is an ASCII line and should be read up to the next line terminator.
	LengthLineTerminator = -1
)

// DefaultLineTerminators are used by text-mode framing when none are configured.
var DefaultLineTerminators = []byte{'\r', '\n'}

// Config holds the settings that determine where one packet ends and the next
// one begins.
type Config struct {
	// TextMode frames packets as lines instead of asking for their length.
	TextMode bool
	// LineTerminators end a text line. Defaults to CR and LF.
	LineTerminators []byte
	// IncludeTerminator keeps the terminating byte at the end of the frame.
	IncludeTerminator bool
	// Backspace, when HandleBackspace is set, erases the previously accumulated byte.
	Backspace       byte
	HandleBackspace bool
	// IgnoreChars are dropped from text lines as they arrive.
	IgnoreChars []byte
	// MinLength bytes are always read before a binary packet's length is determined.
	MinLength int
	// MaxLength is the most bytes a single frame may hold.
	MaxLength int
}

// Normalize clamps the packet length bounds to [1, MaxPacketLimit] and fills
// in the default line terminators. It returns an error if the minimum length
// still exceeds the maximum once clamped.
func (c Config) Normalize() (Config, error) {
	c.MinLength = clamp(c.MinLength, 1, MaxPacketLimit)
	c.MaxLength = clamp(c.MaxLength, 1, MaxPacketLimit)
	if c.MinLength > c.MaxLength {
		return c, fmt.Errorf("minimum packet length %d exceeds maximum %d", c.MinLength, c.MaxLength)
	}
	if c.TextMode && len(c.LineTerminators) == 0 {
		c.LineTerminators = append([]byte(nil), DefaultLineTerminators...)
	}
	return c, nil
}

func (c Config) isTerminator(b byte) bool {
	for _, t := range c.LineTerminators {
		if t == b {
			return true
		}
	}
	return false
}

func (c Config) isIgnored(b byte) bool {
	for _, i := range c.IgnoreChars {
		if i == b {
			return true
		}
	}
	return false
}

func (c Config) isBackspace(b byte) bool {
	return c.HandleBackspace && b == c.Backspace
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
