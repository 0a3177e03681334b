package crisis

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Category names a class of risk indicator, e.g. "self-harm".
type Category string

const (
	CategorySelfHarm Category = "self-harm"
	CategoryAbuse    Category = "abuse"
	CategoryViolence Category = "violence"
	CategoryNeglect  Category = "neglect"
)

// Severity tags how urgently an alert needs a human.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts the four severity names, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("crisis: unknown severity %q", s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// CategoryRule is one keyword set loaded from configuration.
type CategoryRule struct {
	Name     Category `yaml:"name"`
	Severity Severity `yaml:"severity"`
	Priority int      `yaml:"priority"`
	Keywords []string `yaml:"keywords"`

	needles [][]rune
}

// Rules is an ordered, validated set of category rules. Index 0 is the most urgent.
type Rules struct {
	Categories []CategoryRule `yaml:"categories"`
}

// DefaultRules returns the embedded keyword set.
func DefaultRules() *Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("crisis: embedded rules invalid: %v", err))
	}
	return rules
}

// LoadRules reads rules from a YAML file. An empty path returns the embedded defaults.
func LoadRules(path string) (*Rules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crisis: read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("crisis: decode rules: %w", err)
	}
	if len(rules.Categories) == 0 {
		return nil, errors.New("crisis: rules define no categories")
	}

	seen := make(map[Category]bool, len(rules.Categories))
	for i := range rules.Categories {
		rule := &rules.Categories[i]
		rule.Name = Category(strings.TrimSpace(string(rule.Name)))
		if rule.Name == "" {
			return nil, fmt.Errorf("crisis: category %d has no name", i)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("crisis: duplicate category %q", rule.Name)
		}
		seen[rule.Name] = true
		if rule.Severity == "" {
			rule.Severity = SeverityHigh
		}
		if rule.Severity.Rank() == 0 {
			return nil, fmt.Errorf("crisis: category %q has unknown severity %q", rule.Name, rule.Severity)
		}
		if rule.Priority <= 0 {
			rule.Priority = i + 1
		}
		rule.needles = rule.needles[:0]
		kept := rule.Keywords[:0]
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			kept = append(kept, kw)
			rule.needles = append(rule.needles, lowerRunes(kw))
		}
		rule.Keywords = kept
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("crisis: category %q has no keywords", rule.Name)
		}
	}

	sort.SliceStable(rules.Categories, func(i, j int) bool {
		return rules.Categories[i].Priority < rules.Categories[j].Priority
	})
	return &rules, nil
}

// Names lists categories in priority order.
func (r *Rules) Names() []Category {
	out := make([]Category, 0, len(r.Categories))
	for _, c := range r.Categories {
		out = append(out, c.Name)
	}
	return out
}
