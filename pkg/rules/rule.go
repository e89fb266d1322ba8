// Package rules decides which paths are mirrored to the server. A RuleSet is
// an ordered list of include and exclude patterns. The first rule that
// matches a path decides whether it is synced, and include rules also attach
// content flags that control how the file is transferred.
package rules

import (
	"regexp"
	"strings"

	"github.com/sidkik/quicksync/pkg/errors"
)

// Flags are attached to files by include rules.
type Flags uint8

const (
	// NoFlags marks a text file. Carriage returns are stripped on transfer.
	NoFlags Flags = 0

	// Binary files are sent byte for byte.
	Binary Flags = 1 << 0

	// Executable files get the executable permission bits on the server.
	Executable Flags = 1 << 1

	// BinaryExecutable combines Binary and Executable.
	BinaryExecutable = Binary | Executable
)

// IsBinary returns whether the Binary flag is set.
func (f Flags) IsBinary() bool {
	return f&Binary == Binary
}

// IsExecutable returns whether the Executable flag is set.
func (f Flags) IsExecutable() bool {
	return f&Executable == Executable
}

// String returns the name used for the flags in rule documents.
func (f Flags) String() string {
	switch f {
	case Binary:
		return "binary"
	case Executable:
		return "executable"
	case BinaryExecutable:
		return "binary,executable"
	default:
		return "none"
	}
}

// ParseFlags parses the rule document representation of flags. Unknown
// text yields NoFlags and false.
func ParseFlags(s string) (Flags, bool) {
	switch s {
	case "none":
		return NoFlags, true
	case "binary":
		return Binary, true
	case "executable":
		return Executable, true
	case "binary,executable":
		return BinaryExecutable, true
	default:
		return NoFlags, false
	}
}

// Rule is a single compiled pattern. Rules are immutable once compiled.
type Rule struct {
	Pattern string
	Exclude bool
	Flags   Flags

	matcher *regexp.Regexp
}

// Compile compiles `pattern` into a Rule. Paths are lowercased before they
// are matched, so the pattern is lowercased as well.
func Compile(pattern string, exclude bool, flags Flags) (Rule, error) {
	matcher, err := regexp.Compile(strings.ToLower(pattern))
	if err != nil {
		return Rule{}, errors.RuleCompileError{Pattern: pattern, Err: err}
	}

	return Rule{
		Pattern: pattern,
		Exclude: exclude,
		Flags:   flags,
		matcher: matcher,
	}, nil
}

// MustCompile is like Compile but panics if the pattern is invalid. It's
// meant for the built-in rules.
func MustCompile(pattern string, exclude bool, flags Flags) Rule {
	rule, err := Compile(pattern, exclude, flags)
	if err != nil {
		panic(err)
	}
	return rule
}

// Matches returns whether the rule applies to the lowercased path.
func (r Rule) Matches(lowercasedPath string) bool {
	return r.matcher != nil && r.matcher.MatchString(lowercasedPath)
}

// Equal compares the user visible parts of two rules.
func (r Rule) Equal(other Rule) bool {
	return r.Pattern == other.Pattern &&
		r.Exclude == other.Exclude &&
		r.Flags == other.Flags
}
