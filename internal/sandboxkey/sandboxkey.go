// Package sandboxkey derives stable, filesystem-safe identifiers for a
// repository. The key namespaces both the managed working copy and the
// caller-supplied overlay, so the same URL must always map to the same key.
package sandboxkey

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// placeholderPrefix is used when nothing usable survives sanitization.
const placeholderPrefix = "sandbox_"

// now is swapped in tests.
var now = time.Now

// Resolve returns the sanitized override when one is given, otherwise the key
// derived from repoURL.
func Resolve(repoURL, override string) string {
	if strings.TrimSpace(override) != "" {
		if key := Sanitize(override); key != "" {
			return key
		}
	}
	return FromURL(repoURL)
}

// FromURL derives a key of the form owner_name from a repository URL.
// Supported forms:
//
//	https://host/owner/name(.git)
//	ssh://git@host/owner/name(.git)
//	git@host:owner/name(.git)
//	host:owner/name
//
// Anything else falls back to the last two path-like segments. The result is
// never empty.
func FromURL(repoURL string) string {
	owner, name, ok := parseOwnerName(repoURL)
	if !ok {
		owner, name = lastTwoSegments(repoURL)
	}
	key := Sanitize(join(owner, name))
	if key == "" {
		return Placeholder()
	}
	return key
}

// Sanitize keeps only [A-Za-z0-9_-] and trims leading/trailing '-' and '_'.
// It may return an empty string.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAllowed(r) {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-_")
}

// Valid reports whether key is non-empty and uses only the allowed characters.
func Valid(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if !isAllowed(r) {
			return false
		}
	}
	return true
}

// Placeholder returns a time-based key used when none can be derived.
func Placeholder() string {
	return fmt.Sprintf("%s%d", placeholderPrefix, now().Unix())
}

func isAllowed(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

func parseOwnerName(raw string) (string, string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", false
	}

	var path string
	switch {
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", "", false
		}
		path = u.Path
	default:
		// scp-like: [user@]host:owner/name
		hostPart, rest, found := strings.Cut(s, ":")
		if !found || hostPart == "" || strings.ContainsAny(hostPart, `/\`) {
			return "", "", false
		}
		path = rest
	}

	segs := splitPath(trimGitSuffix(path), "/")
	if len(segs) < 2 {
		return "", "", false
	}
	return segs[0], segs[1], true
}

func lastTwoSegments(raw string) (string, string) {
	s := trimGitSuffix(strings.TrimSpace(raw))
	segs := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '\\' || r == ':'
	})
	switch len(segs) {
	case 0:
		return "", ""
	case 1:
		return "", segs[0]
	default:
		return segs[len(segs)-2], segs[len(segs)-1]
	}
}

func trimGitSuffix(s string) string {
	s = strings.TrimRight(s, "/")
	return strings.TrimSuffix(s, ".git")
}

func splitPath(p, sep string) []string {
	var out []string
	for _, seg := range strings.Split(p, sep) {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func join(owner, name string) string {
	owner, name = Sanitize(owner), Sanitize(name)
	switch {
	case owner == "":
		return name
	case name == "":
		return owner
	}
	return owner + "_" + name
}
