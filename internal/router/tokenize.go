package router

import (
	"strings"

	"github.com/google/uuid"
)

// newReqID returns a short request id for log correlation.
func newReqID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}

// tokenizeCommandLine splits command text into tokens, honouring single and
// double quotes and backslash escapes:
//
//	/shutdown -r 23:30 "kernel upgrade"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out     []string
		buf     strings.Builder
		inQ     bool
		qChar   rune
		esc     bool
		started bool // a token is open, even if empty ("")
	)
	flush := func() {
		if started {
			out = append(out, buf.String())
			buf.Reset()
			started = false
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc, started = true, true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			inQ, qChar, started = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
			started = true
		}
	}
	flush()
	return out
}

// cutTokens skips the first n tokens of s, using the same rules as
// tokenizeCommandLine, and returns the rest exactly as typed (outer
// whitespace trimmed). It returns "" when s has n tokens or fewer.
func cutTokens(s string, n int) string {
	s = strings.TrimSpace(s)
	var (
		inQ     bool
		qChar   rune
		esc     bool
		started bool
		count   int
	)
	for i, ch := range s {
		if count >= n && !started {
			return strings.TrimSpace(s[i:])
		}
		switch {
		case esc:
			esc = false
		case ch == '\\':
			esc, started = true, true
		case inQ:
			if ch == qChar {
				inQ = false
			}
		case ch == '"' || ch == '\'':
			inQ, qChar, started = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			if started {
				count++
				started = false
			}
		default:
			started = true
		}
	}
	return ""
}

// commandWord strips the leading slash and a trailing @botname.
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
