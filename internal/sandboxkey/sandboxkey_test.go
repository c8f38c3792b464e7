package sandboxkey

import (
	"strings"
	"testing"
	"time"
)

func TestFromURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://github.com/TristanTA/tristan-allen-portfolio", "TristanTA_tristan-allen-portfolio"},
		{"https://github.com/owner/repo.git", "owner_repo"},
		{"https://github.com/owner/repo/", "owner_repo"},
		{"https://github.com/owner/repo/tree/main", "owner_repo"},
		{"ssh://git@github.com/owner/repo.git", "owner_repo"},
		{"git@github.com:owner/repo.git", "owner_repo"},
		{"github.com:owner/repo", "owner_repo"},
		{"https://gitlab.example.com:8443/team/my.site.git", "team_mysite"},
		{"/srv/git/mirrors/project.git", "mirrors_project"},
		{"file:///tmp/fixtures/origin", "fixtures_origin"},
		{"just-a-name", "just-a-name"},
		{`C:\repos\owner\name`, "owner_name"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := FromURL(tc.in); got != tc.want {
				t.Errorf("FromURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFromURL_Deterministic(t *testing.T) {
	urls := []string{
		"https://github.com/owner/repo",
		"git@github.com:owner/repo.git",
		"weird input with spaces",
	}
	for _, u := range urls {
		first := FromURL(u)
		for range 5 {
			if got := FromURL(u); got != first {
				t.Fatalf("FromURL(%q) not deterministic: %q vs %q", u, got, first)
			}
		}
	}
}

func TestFromURL_UnparseableYieldsSafeKey(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { now = orig })

	tests := []string{"", "   ", "///", "::", "!!!/???", "-_-"}
	for _, in := range tests {
		got := FromURL(in)
		if !Valid(got) {
			t.Errorf("FromURL(%q) = %q, not a valid key", in, got)
		}
		if got != "sandbox_1700000000" {
			t.Errorf("FromURL(%q) = %q, want placeholder", in, got)
		}
	}
}

func TestFromURL_AlwaysValid(t *testing.T) {
	inputs := []string{
		"https://github.com/../../etc/passwd",
		"git@host:owner/na me$.git",
		"ssh://host/ü/ñ",
		"owner/repo;rm -rf /",
	}
	for _, in := range inputs {
		got := FromURL(in)
		if !Valid(got) {
			t.Errorf("FromURL(%q) = %q, not a valid key", in, got)
		}
		if strings.Contains(got, "..") || strings.Contains(got, "/") {
			t.Errorf("FromURL(%q) = %q contains path characters", in, got)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name, url, override, want string
	}{
		{"override wins", "https://github.com/a/b", "custom-key", "custom-key"},
		{"override sanitized", "https://github.com/a/b", "../my key!", "mykey"},
		{"blank override ignored", "https://github.com/a/b", "  ", "a_b"},
		{"unusable override ignored", "https://github.com/a/b", "///", "a_b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.url, tc.override); got != tc.want {
				t.Errorf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"normal", "normal"},
		{"a/b", "ab"},
		{"__trim--", "trim"},
		{"keep_inner-chars", "keep_inner-chars"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
