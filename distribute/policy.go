package distribute

import (
	"fmt"
	"strings"
)

// KeywordRule routes files whose name contains Keyword to Destinations.
type KeywordRule struct {
	Keyword      string
	Destinations []string
}

// Policy is the destination policy applied to every distributed file.
// DefaultDestinations always receive a copy; KeywordRules are evaluated in
// declaration order.
type Policy struct {
	DefaultDestinations []string
	KeywordRules        []KeywordRule
}

// Normalize lower-cases s and drops every space, the form both keywords and
// filenames are compared in.
func Normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "")
}

// Matches reports whether keyword occurs in filename, ignoring case and spaces.
func Matches(keyword, filename string) bool {
	k := Normalize(keyword)
	if k == "" {
		return false
	}
	return strings.Contains(Normalize(filename), k)
}

// Match returns the keyword rules that apply to filename, in declaration order.
func (p Policy) Match(filename string) []KeywordRule {
	var matched []KeywordRule
	for _, rule := range p.KeywordRules {
		if Matches(rule.Keyword, filename) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Targets lists every destination directory filename would be copied to:
// defaults first, then matched keyword destinations.
func (p Policy) Targets(filename string) []string {
	targets := append([]string(nil), p.DefaultDestinations...)
	for _, rule := range p.Match(filename) {
		targets = append(targets, rule.Destinations...)
	}
	return targets
}

func (p Policy) Validate() error {
	for i, dir := range p.DefaultDestinations {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("default destination %d is empty", i)
		}
	}
	for _, rule := range p.KeywordRules {
		if Normalize(rule.Keyword) == "" {
			return fmt.Errorf("keyword rule with empty keyword")
		}
		if len(rule.Destinations) == 0 {
			return fmt.Errorf("keyword %q has no destinations", rule.Keyword)
		}
		for i, dir := range rule.Destinations {
			if strings.TrimSpace(dir) == "" {
				return fmt.Errorf("keyword %q destination %d is empty", rule.Keyword, i)
			}
		}
	}
	return nil
}
