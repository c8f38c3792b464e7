package sandbox

import (
	"strconv"
	"sync"
	"unicode/utf8"
)

// tailBuffer is an io.Writer that keeps only the last maxChars characters
// written to it. Memory stays bounded regardless of how much is written.
type tailBuffer struct {
	mu       sync.Mutex
	maxChars int
	maxBytes int
	buf      []byte
	dropped  int // characters discarded from the front
}

func newTailBuffer(maxChars int) *tailBuffer {
	return &tailBuffer{
		maxChars: maxChars,
		maxBytes: maxChars * utf8.UTFMax,
	}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	// Compact lazily so chatty writers don't copy on every call.
	if len(t.buf) > 2*t.maxBytes {
		cut := len(t.buf) - t.maxBytes
		t.dropped += runeStarts(t.buf[:cut])
		t.buf = append(t.buf[:0], t.buf[cut:]...)
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with a truncation marker when
// anything was discarded.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buf
	if len(b) > t.maxBytes {
		cut := len(b) - t.maxBytes
		t.dropped += runeStarts(b[:cut])
		b = b[cut:]
		t.buf = b
	}
	// Skip continuation bytes of a character whose start was already dropped.
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}

	s := string(b)
	if n := utf8.RuneCountInString(s); n > t.maxChars {
		excess := n - t.maxChars
		i := 0
		for range excess {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
		}
		s = s[i:]
		t.dropped += excess
		t.buf = []byte(s)
	}
	if t.dropped == 0 {
		return s
	}
	return truncatedMarker(t.dropped) + s
}

// Dropped reports how many characters have been discarded so far.
func (t *tailBuffer) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func truncatedMarker(n int) string {
	return "[truncated " + strconv.Itoa(n) + " chars]\n"
}

func runeStarts(b []byte) int {
	n := 0
	for _, c := range b {
		if utf8.RuneStart(c) {
			n++
		}
	}
	return n
}

// TailString applies the same tail truncation to an in-memory string.
func TailString(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	t := newTailBuffer(maxChars)
	_, _ = t.Write([]byte(s))
	return t.String()
}
