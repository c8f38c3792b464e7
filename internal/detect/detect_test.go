package detect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		want     ProjectType
		wantRule string
	}{
		{"empty", nil, Unknown, ""},
		{"requirements", map[string]string{"requirements.txt": "requests\n"}, Python, "python-manifest"},
		{"pyproject", map[string]string{"pyproject.toml": "[project]\n"}, Python, "python-manifest"},
		{"setup.py", map[string]string{"setup.py": "from setuptools import setup\n"}, Python, "python-manifest"},
		{"gemfile jekyll", map[string]string{"Gemfile": "gem \"jekyll\", \"~> 4.3\"\n"}, Jekyll, "gemfile-jekyll"},
		{"gemfile github-pages", map[string]string{"Gemfile": "gem 'github-pages', group: :jekyll_plugins\n"}, Jekyll, "gemfile-jekyll"},
		{"gemfile rails only", map[string]string{"Gemfile": "gem 'rails'\n"}, Unknown, ""},
		{"config with lock", map[string]string{"_config.yml": "title: x\n", "Gemfile.lock": ""}, Jekyll, "site-config-with-pin"},
		{"config with ruby-version", map[string]string{"_config.yml": "title: x\n", ".ruby-version": "3.2.2\n"}, Jekyll, "site-config-with-pin"},
		{"config alone", map[string]string{"_config.yml": "title: x\n"}, Unknown, ""},
		{"jekyll beats python", map[string]string{"Gemfile": "gem 'jekyll'\n", "requirements.txt": "mkdocs\n"}, Jekyll, "gemfile-jekyll"},
		{"scripts only", map[string]string{"tool.py": "print(1)\n"}, Unknown, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			got := New(nil).Detect(dir)
			if got.Type != tc.want || got.Rule != tc.wantRule {
				t.Errorf("Detect = %+v, want {%s %s}", got, tc.want, tc.wantRule)
			}
		})
	}
}

func TestDetect_CustomRulesExtend(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rules := append([]Rule{{Name: "go-module", Type: "go", Match: exists("go.mod")}}, DefaultRules...)

	if got := New(rules).Detect(dir); got.Type != "go" {
		t.Errorf("Detect = %+v, want go", got)
	}
	if got := New(nil).Detect(dir); got.Type != Unknown {
		t.Errorf("default rules Detect = %+v, want unknown", got)
	}
}
