package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const samplePolicy = `
source_directories: ["~/RocketNotes", "/srv/scans"]
staging_directory: "~/.notesorter/staging"
default_destinations: ["~/Notes"]
keyword_rules:
  zeta: ["/z"]
  etsc160: ["~/etsc160/Notes", "/archive/etsc160"]
  alpha: /a
`

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy([]byte(samplePolicy), "/home/ana")
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}

	if want := []string{"/home/ana/RocketNotes", "/srv/scans"}; !reflect.DeepEqual(policy.SourceDirectories, want) {
		t.Errorf("SourceDirectories = %v, want %v", policy.SourceDirectories, want)
	}
	if want := "/home/ana/.notesorter/staging"; policy.StagingDirectory != want {
		t.Errorf("StagingDirectory = %q, want %q", policy.StagingDirectory, want)
	}
	if want := []string{"/home/ana/Notes"}; !reflect.DeepEqual(policy.Destinations.DefaultDestinations, want) {
		t.Errorf("DefaultDestinations = %v, want %v", policy.Destinations.DefaultDestinations, want)
	}

	var keywords []string
	for _, rule := range policy.Destinations.KeywordRules {
		keywords = append(keywords, rule.Keyword)
	}
	if want := []string{"zeta", "etsc160", "alpha"}; !reflect.DeepEqual(keywords, want) {
		t.Errorf("keyword order = %v, want %v", keywords, want)
	}

	etsc := policy.Destinations.KeywordRules[1].Destinations
	if want := []string{"/home/ana/etsc160/Notes", "/archive/etsc160"}; !reflect.DeepEqual(etsc, want) {
		t.Errorf("etsc160 destinations = %v, want %v", etsc, want)
	}
	if got := policy.Destinations.KeywordRules[2].Destinations; !reflect.DeepEqual(got, []string{"/a"}) {
		t.Errorf("alpha destinations = %v, want [/a]", got)
	}
}

func TestParsePolicy_NoKeywordRules(t *testing.T) {
	for _, doc := range []string{
		"default_destinations: [/notes]\n",
		"default_destinations: [/notes]\nkeyword_rules:\n",
	} {
		policy, err := ParsePolicy([]byte(doc), "/home/ana")
		if err != nil {
			t.Fatalf("ParsePolicy(%q) error = %v", doc, err)
		}
		if len(policy.Destinations.KeywordRules) != 0 {
			t.Errorf("KeywordRules = %v, want none", policy.Destinations.KeywordRules)
		}
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "rules as list", doc: "keyword_rules: [a, b]\n"},
		{name: "duplicate keyword after normalization", doc: "keyword_rules:\n  ETSC 160: [/a]\n  etsc160: [/b]\n"},
		{name: "nested mapping destination", doc: "keyword_rules:\n  a: {b: c}\n"},
		{name: "empty destination list", doc: "keyword_rules:\n  a: []\n"},
		{name: "broken yaml", doc: "default_destinations: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc), "/home/ana")
			if !errors.Is(err, ErrPolicyFile) {
				t.Errorf("ParsePolicy() error = %v, want ErrPolicyFile", err)
			}
		})
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadPolicy() error = %v, want os.ErrNotExist", err)
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"~", "/home/ana"},
		{"~/Notes", "/home/ana/Notes"},
		{"/abs/~/x", "/abs/~/x"},
		{"~other/x", "~other/x"},
		{"rel", "rel"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in, "/home/ana"); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
