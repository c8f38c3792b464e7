package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		writes []string
		want   string
	}{
		{"under cap", 10, []string{"abc"}, "abc"},
		{"exactly cap", 3, []string{"abc"}, "abc"},
		{"over cap", 3, []string{"abcdef"}, "[truncated 3 chars]\ndef"},
		{"many writes", 4, []string{"ab", "cd", "ef", "gh"}, "[truncated 4 chars]\nefgh"},
		{"multibyte", 2, []string{"héllo wörld"}, "[truncated 9 chars]\nld"},
		{"multibyte tail", 3, []string{"abcdéé"}, "[truncated 3 chars]\ndéé"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTailBuffer(tc.max)
			for _, w := range tc.writes {
				if _, err := b.Write([]byte(w)); err != nil {
					t.Fatal(err)
				}
			}
			if got := b.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTailBuffer_LargeStreamBounded(t *testing.T) {
	b := newTailBuffer(100)
	chunk := strings.Repeat("x", 1000)
	for range 1000 {
		_, _ = b.Write([]byte(chunk))
	}
	_, _ = b.Write([]byte("END"))

	if len(b.buf) > 2*b.maxBytes+len(chunk) {
		t.Errorf("buffer grew to %d bytes", len(b.buf))
	}
	got := b.String()
	if !strings.HasSuffix(got, "END") {
		t.Errorf("tail lost: %q", got[len(got)-10:])
	}
	if !strings.HasPrefix(got, "[truncated 999903 chars]\n") {
		t.Errorf("marker = %q", got[:30])
	}
	if !utf8.ValidString(got) {
		t.Error("output is not valid UTF-8")
	}
}

func TestTailBuffer_SplitRuneAcrossCut(t *testing.T) {
	b := newTailBuffer(1)
	// maxBytes = 4; force a compaction that cuts inside "é".
	_, _ = b.Write([]byte(strings.Repeat("a", 7) + "é" + "zzz"))
	got := b.String()
	if got != "[truncated 10 chars]\nz" {
		t.Errorf("String() = %q", got)
	}
}

func TestTailString(t *testing.T) {
	if got := TailString("short", 10); got != "short" {
		t.Errorf("TailString = %q", got)
	}
	if got := TailString("0123456789", 4); got != "[truncated 6 chars]\n6789" {
		t.Errorf("TailString = %q", got)
	}
}
