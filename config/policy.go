package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dhcgn/notesorter/distribute"
)

var ErrPolicyFile = errors.New("invalid policy file")

// PolicyFile is the decoded YAML policy: where files come from, where they
// are staged and where they are copied to.
type PolicyFile struct {
	SourceDirectories []string
	StagingDirectory  string
	Destinations      distribute.Policy
}

type rawPolicy struct {
	SourceDirectories   []string  `yaml:"source_directories"`
	StagingDirectory    string    `yaml:"staging_directory"`
	DefaultDestinations []string  `yaml:"default_destinations"`
	KeywordRules        yaml.Node `yaml:"keyword_rules"`
}

// LoadPolicy reads and parses the policy file at path. Paths inside it have
// a leading "~" expanded to the user's home directory.
func LoadPolicy(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return PolicyFile{}, err
	}
	return ParsePolicy(data, home)
}

// ParsePolicy decodes a policy document. keyword_rules is a mapping from
// keyword to a destination or list of destinations; its order is kept.
func ParsePolicy(data []byte, home string) (PolicyFile, error) {
	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return PolicyFile{}, fmt.Errorf("%w: %v", ErrPolicyFile, err)
	}

	rules, err := keywordRules(&raw.KeywordRules, home)
	if err != nil {
		return PolicyFile{}, err
	}

	policy := PolicyFile{
		SourceDirectories: expandAll(raw.SourceDirectories, home),
		StagingDirectory:  ExpandHome(raw.StagingDirectory, home),
		Destinations: distribute.Policy{
			DefaultDestinations: expandAll(raw.DefaultDestinations, home),
			KeywordRules:        rules,
		},
	}
	if err := policy.Destinations.Validate(); err != nil {
		return PolicyFile{}, fmt.Errorf("%w: %v", ErrPolicyFile, err)
	}
	return policy, nil
}

func keywordRules(node *yaml.Node, home string) ([]distribute.KeywordRule, error) {
	switch {
	case node.Kind == 0:
		return nil, nil
	case node.Kind == yaml.ScalarNode && node.Tag == "!!null":
		return nil, nil
	case node.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("%w: keyword_rules must be a mapping (line %d)", ErrPolicyFile, node.Line)
	}

	seen := make(map[string]bool, len(node.Content)/2)
	rules := make([]distribute.KeywordRule, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		keyword := key.Value
		norm := distribute.Normalize(keyword)
		if norm == "" {
			return nil, fmt.Errorf("%w: empty keyword (line %d)", ErrPolicyFile, key.Line)
		}
		if seen[norm] {
			return nil, fmt.Errorf("%w: keyword %q defined twice (line %d)", ErrPolicyFile, keyword, key.Line)
		}
		seen[norm] = true

		var destinations []string
		switch value.Kind {
		case yaml.ScalarNode:
			destinations = []string{value.Value}
		case yaml.SequenceNode:
			if err := value.Decode(&destinations); err != nil {
				return nil, fmt.Errorf("%w: keyword %q: %v", ErrPolicyFile, keyword, err)
			}
		default:
			return nil, fmt.Errorf("%w: keyword %q needs a destination list (line %d)", ErrPolicyFile, keyword, value.Line)
		}

		rules = append(rules, distribute.KeywordRule{
			Keyword:      keyword,
			Destinations: expandAll(destinations, home),
		})
	}
	return rules, nil
}

// ExpandHome replaces a leading "~" with home.
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandAll(paths []string, home string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, ExpandHome(strings.TrimSpace(p), home))
	}
	return out
}
