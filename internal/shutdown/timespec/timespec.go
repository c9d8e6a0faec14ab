// Package timespec parses the time argument of /shutdown.
//
// Supported forms:
//   - Clock time "hh:mm" (24h): the next occurrence of that wall-clock time.
//   - Relative "+m": m minutes from now.
//
// "now" and "+0" are aliases the caller resolves (see Resolve); Parse itself rejects them.
package timespec

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultSpec is used when the caller omits the time argument.
const DefaultSpec = "+1"

// ErrInvalidTimeSpec is matched by every *ParseError via errors.Is.
var ErrInvalidTimeSpec = errors.New("unrecognized or invalid time specification")

// ParseError carries the rejected text for user-facing messages.
type ParseError struct {
	Text string
}

func (e *ParseError) Error() string {
	return "invalid time specification " + strconv.Quote(e.Text)
}

func (e *ParseError) Is(target error) bool { return target == ErrInvalidTimeSpec }

// Parse converts text into a delay relative to now.
//
// Rules are tried in order and the first match wins: "hh:mm", then "+m".
// Either hh or mm equal to zero is rejected, as is "+0"; callers that want an
// immediate action must go through Resolve.
func Parse(text string, now time.Time) (time.Duration, error) {
	if text == "" {
		return 0, &ParseError{Text: text}
	}
	if d, ok := parseClock(text, now); ok {
		return d, nil
	}
	if d, ok := parseMinutes(text); ok {
		return d, nil
	}
	return 0, &ParseError{Text: text}
}

// Resolve applies the command-level aliases before Parse:
// "" means DefaultSpec, "now" and "+0" mean zero delay.
func Resolve(text string, now time.Time) (time.Duration, error) {
	switch text {
	case "":
		text = DefaultSpec
	case "now", "+0":
		return 0, nil
	}
	return Parse(text, now)
}

func parseClock(text string, now time.Time) (time.Duration, bool) {
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		return 0, false
	}
	hh, ok := number(parts[0])
	if !ok {
		return 0, false
	}
	mm, ok := number(parts[1])
	if !ok {
		return 0, false
	}
	// Zero is treated like a missing field.
	if hh == 0 || mm == 0 {
		return 0, false
	}
	if hh < 0 || mm < 0 || hh > 23 || mm > 59 {
		return 0, false
	}

	y, mo, d := now.Date()
	target := time.Date(y, mo, d, int(hh), int(mm), 0, 0, now.Location())
	// A target equal to now is already past.
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}
	return target.Sub(now), true
}

func parseMinutes(text string) (time.Duration, bool) {
	if !strings.HasPrefix(text, "+") {
		return 0, false
	}
	m, ok := number(text)
	if !ok || m <= 0 {
		return 0, false
	}
	ms := m * 60000
	if ms*float64(time.Millisecond) >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)).Truncate(time.Millisecond), true
}

// number parses a decimal field leniently: surrounding whitespace is ignored
// and an empty field reads as zero. NaN and infinities are rejected.
func number(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
