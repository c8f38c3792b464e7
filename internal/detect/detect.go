// Package detect classifies a working copy into one of a closed set of
// project types using an ordered list of rules. The first matching rule wins.
package detect

import (
	"bytes"
	"os"
	"path/filepath"
)

// ProjectType selects the build plan.
type ProjectType string

const (
	Python  ProjectType = "python"
	Jekyll  ProjectType = "jekyll"
	Unknown ProjectType = "unknown"
)

// Rule is one (predicate, type) pair.
type Rule struct {
	Name  string
	Type  ProjectType
	Match func(dir string) bool
}

// Result is the outcome of Detect.
type Result struct {
	Type ProjectType
	Rule string // name of the matching rule, "" for Unknown
}

// DefaultRules is the built-in rule order. Jekyll comes first: a site that
// also ships a requirements.txt is still a site.
var DefaultRules = []Rule{
	{Name: "gemfile-jekyll", Type: Jekyll, Match: gemfileMentions("jekyll", "github-pages")},
	{Name: "site-config-with-pin", Type: Jekyll, Match: allOf(exists("_config.yml"), anyOf(exists("Gemfile.lock"), exists(".ruby-version")))},
	{Name: "python-manifest", Type: Python, Match: anyOf(exists("requirements.txt"), exists("pyproject.toml"), exists("setup.py"))},
}

// Detector evaluates rules in order.
type Detector struct {
	rules []Rule
}

// New creates a Detector. A nil rules slice means DefaultRules.
func New(rules []Rule) *Detector {
	if rules == nil {
		rules = DefaultRules
	}
	return &Detector{rules: rules}
}

// Detect returns the type of the first matching rule, or Unknown.
func (d *Detector) Detect(dir string) Result {
	for _, r := range d.rules {
		if r.Match(dir) {
			return Result{Type: r.Type, Rule: r.Name}
		}
	}
	return Result{Type: Unknown}
}

func exists(name string) func(string) bool {
	return func(dir string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
}

func anyOf(preds ...func(string) bool) func(string) bool {
	return func(dir string) bool {
		for _, p := range preds {
			if p(dir) {
				return true
			}
		}
		return false
	}
}

func allOf(preds ...func(string) bool) func(string) bool {
	return func(dir string) bool {
		for _, p := range preds {
			if !p(dir) {
				return false
			}
		}
		return true
	}
}

// gemfileMentions matches a Gemfile that names any of the given gems.
func gemfileMentions(gems ...string) func(string) bool {
	return func(dir string) bool {
		data, err := os.ReadFile(filepath.Join(dir, "Gemfile"))
		if err != nil {
			return false
		}
		for _, g := range gems {
			if bytes.Contains(data, []byte(g)) {
				return true
			}
		}
		return false
	}
}
