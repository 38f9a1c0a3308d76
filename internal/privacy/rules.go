// Package privacy decides which captured content must never be stored.
// Rules match against the focused window identifier: excluded application
// globs and private-browsing title patterns.
package privacy

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// defaultPrivatePatterns cover the major browsers' private-mode window titles.
var defaultPrivatePatterns = []string{
	"Private Browsing",
	"Incognito",
	"InPrivate",
}

// rulesFile is the on-disk shape of exclusions.yaml.
type rulesFile struct {
	Exclude         []string `yaml:"exclude"`
	PrivatePatterns []string `yaml:"private_patterns"`
}

// Rules holds compiled exclusion rules. Safe for concurrent use after creation.
type Rules struct {
	globs    []glob.Glob
	patterns []string
}

// DefaultRules returns rules with no app exclusions and the built-in
// private-browsing patterns.
func DefaultRules() *Rules {
	return &Rules{patterns: defaultPrivatePatterns}
}

// Compile builds Rules from raw glob patterns and title substrings.
// Invalid globs are rejected.
func Compile(exclude, privatePatterns []string) (*Rules, error) {
	r := &Rules{}
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion glob %q: %w", pattern, err)
		}
		r.globs = append(r.globs, g)
	}
	if len(privatePatterns) == 0 {
		privatePatterns = defaultPrivatePatterns
	}
	r.patterns = privatePatterns
	return r, nil
}

// LoadRules reads exclusions.yaml from path. A missing file yields DefaultRules.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read exclusions: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse exclusions: %w", err)
	}
	return Compile(file.Exclude, file.PrivatePatterns)
}

// Excluded reports whether content from the given window must not be stored.
func (r *Rules) Excluded(window string) bool {
	if window == "" {
		return false
	}
	for _, g := range r.globs {
		if g.Match(window) {
			return true
		}
	}
	for _, p := range r.patterns {
		if strings.Contains(window, p) {
			return true
		}
	}
	return false
}
