// Package classify assigns a failure category to a log excerpt using an
// ordered list of regular expressions.
package classify

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

const baseConfidence = 0.6

// Classification is the classifier's verdict.
type Classification struct {
	Category    string
	Subcategory string
	Confidence  float64
}

// Classifier matches text against compiled rules.
type Classifier struct {
	rules []compiled
}

type compiled struct {
	Rule
	re *regexp.Regexp
}

// New compiles rules. An empty slice selects DefaultRules.
func New(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	c := &Classifier{rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		if r.Category == "" {
			return nil, fmt.Errorf("rule %d: category is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s/%s): %w", i, r.Category, r.Subcategory, err)
		}
		c.rules = append(c.rules, compiled{Rule: r, re: re})
	}
	return c, nil
}

// ruleFile is the TOML layout accepted by LoadFile:
//
//	replace = false
//	[[rule]]
//	category = "config"
//	subcategory = "helm_values"
//	pattern = "(?i)values\\.yaml"
//	boost = 0.15
type ruleFile struct {
	Replace bool   `toml:"replace"`
	Rules   []Rule `toml:"rule"`
}

// LoadFile builds a classifier from a TOML rules file. Its rules are tried
// before the defaults unless replace is set.
func LoadFile(path string) (*Classifier, error) {
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading classifier rules: %w", err)
	}
	var rf ruleFile
	if _, err := toml.Decode(string(data), &rf); err != nil {
		return nil, fmt.Errorf("decoding classifier rules %s: %w", path, err)
	}
	rules := rf.Rules
	if !rf.Replace {
		rules = append(rules, DefaultRules()...)
	}
	return New(rules)
}

// Classify returns the first matching rule's category, or "unknown".
func (c *Classifier) Classify(text string) Classification {
	for _, r := range c.rules {
		if r.re.MatchString(text) {
			conf := baseConfidence + r.Boost
			if conf > 0.95 {
				conf = 0.95
			}
			return Classification{Category: r.Category, Subcategory: r.Subcategory, Confidence: conf}
		}
	}
	return Classification{Category: CategoryUnknown, Confidence: 0.3}
}
