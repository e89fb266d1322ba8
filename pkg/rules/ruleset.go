package rules

import (
	"strings"
)

// DefaultSource is the Source of rule sets that weren't loaded from a file.
const DefaultSource = "default"

// RuleSet is an ordered list of rules. Earlier rules take priority. A
// RuleSet is never modified after it's created, so it's safe to share
// between the scanner and the orchestrator.
type RuleSet struct {
	// Source is the path of the document the rules were loaded from, or
	// DefaultSource.
	Source string

	rules []Rule
}

// Spec describes an uncompiled rule.
type Spec struct {
	Pattern string
	Exclude bool
	Flags   Flags
}

// New creates a RuleSet from already compiled rules.
func New(source string, rules ...Rule) *RuleSet {
	return &RuleSet{
		Source: source,
		rules:  append([]Rule(nil), rules...),
	}
}

// FromSpecs compiles each spec in order. Specs that fail to compile are
// dropped, and their errors are returned alongside the remaining rules.
func FromSpecs(source string, specs []Spec) (*RuleSet, []error) {
	var compiled []Rule
	var compileErrs []error
	for _, spec := range specs {
		rule, err := Compile(spec.Pattern, spec.Exclude, spec.Flags)
		if err != nil {
			compileErrs = append(compileErrs, err)
			continue
		}
		compiled = append(compiled, rule)
	}
	return &RuleSet{Source: source, rules: compiled}, compileErrs
}

// Rules returns a copy of the rules in priority order.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Decision is the result of evaluating a path.
type Decision struct {
	Included bool

	// Flags is only set when an include rule matched.
	Flags Flags

	// RuleIndex is the index of the matching rule. It's Len() if no rule
	// matched, and -1 if the set is empty.
	RuleIndex int
}

// Evaluate returns the decision of the first rule that matches
// `lowercasedPath`. Paths that no rule matches are included without flags.
func (rs *RuleSet) Evaluate(lowercasedPath string) Decision {
	if len(rs.rules) == 0 {
		return Decision{Included: true, RuleIndex: -1}
	}

	for i, rule := range rs.rules {
		if !rule.Matches(lowercasedPath) {
			continue
		}

		if rule.Exclude {
			return Decision{Included: false, RuleIndex: i}
		}
		return Decision{Included: true, Flags: rule.Flags, RuleIndex: i}
	}
	return Decision{Included: true, RuleIndex: len(rs.rules)}
}

// EvaluatePathPrefixes evaluates every ancestor directory of `path` before
// the path itself, and excludes the path if any of them is excluded. This
// gives the same answer for a single path that a full scan would, since the
// scanner never descends into excluded directories.
// The path is lowercased before evaluation. A leading "./" is ignored.
func (rs *RuleSet) EvaluatePathPrefixes(path string) (bool, Flags) {
	path = strings.ToLower(path)

	// Skip the leading "." segment so that "./a/b" checks "./a" rather
	// than ".".
	start := 0
	if strings.HasPrefix(path, "./") {
		start = 2
	}

	for i := start; i < len(path); i++ {
		if path[i] != '/' {
			continue
		}

		if !rs.Evaluate(path[:i]).Included {
			return false, NoFlags
		}
	}

	decision := rs.Evaluate(path)
	return decision.Included, decision.Flags
}

// Equal returns whether both sets have the same rules in the same order.
func (rs *RuleSet) Equal(other *RuleSet) bool {
	if rs == nil || other == nil {
		return rs == other
	}

	if len(rs.rules) != len(other.rules) {
		return false
	}

	for i := range rs.rules {
		if !rs.rules[i].Equal(other.rules[i]) {
			return false
		}
	}
	return true
}
