package rules

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/pkg/errors"
)

// FileName is the name of rule documents, both the per-user default and the
// ones placed inside synced directories.
const FileName = "syncrules.xml"

type document struct {
	XMLName xml.Name      `xml:"syncrules"`
	Rules   []ruleElement `xml:"rule"`
}

// The children are slices so that duplicated or missing elements can be
// detected.
type ruleElement struct {
	Exclude []string `xml:"exclude"`
	Pattern []string `xml:"pcre"`
	Flags   []string `xml:"flags"`
}

// Parse parses a rule document.
//
// A document that isn't well formed, or a rule that doesn't have exactly one
// of each child element, fails the whole load. Problems that only affect a
// single rule are returned as warnings: unknown flags default to none, and
// patterns that don't compile are dropped.
func Parse(data []byte, source string) (*RuleSet, []error, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, errors.RuleFileLoadError{Path: source, Reason: err.Error()}
	}

	var specs []Spec
	var warnings []error
	for i, elem := range doc.Rules {
		loadErr := func(reason string) error {
			return errors.RuleFileLoadError{
				Path:   source,
				Reason: fmt.Sprintf("rule %d: %s", i+1, reason),
			}
		}

		pattern, err := onlyValue(elem.Pattern, "pcre")
		if err != nil {
			return nil, nil, loadErr(err.Error())
		}
		if pattern == "" {
			return nil, nil, loadErr("empty <pcre>")
		}

		excludeStr, err := onlyValue(elem.Exclude, "exclude")
		if err != nil {
			return nil, nil, loadErr(err.Error())
		}

		flagsStr, err := onlyValue(elem.Flags, "flags")
		if err != nil {
			return nil, nil, loadErr(err.Error())
		}

		flags, ok := ParseFlags(strings.TrimSpace(flagsStr))
		if !ok {
			warnings = append(warnings, errors.New(
				"%s: rule %d: unknown flags %q, defaulting to none",
				source, i+1, flagsStr))
		}

		specs = append(specs, Spec{
			Pattern: pattern,
			// Anything other than an explicit "false" excludes.
			Exclude: strings.TrimSpace(excludeStr) != "false",
			Flags:   flags,
		})
	}

	rs, compileErrs := FromSpecs(source, specs)
	return rs, append(warnings, compileErrs...), nil
}

func onlyValue(values []string, name string) (string, error) {
	if len(values) != 1 {
		return "", errors.New("found %d <%s> elements, exactly 1 is required",
			len(values), name)
	}
	return values[0], nil
}

// LoadFile reads and parses the rule document at `path`. It returns
// errors.FileNotFound if the document doesn't exist.
func LoadFile(fs afero.Fs, path string) (*RuleSet, []error, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.FileNotFound{Path: path}
		}
		return nil, nil, errors.RuleFileLoadError{Path: path, Reason: err.Error()}
	}
	return Parse(data, path)
}

// Marshal renders the rule set as a rule document.
func Marshal(rs *RuleSet) ([]byte, error) {
	var doc document
	for _, rule := range rs.rules {
		doc.Rules = append(doc.Rules, ruleElement{
			Exclude: []string{strconv.FormatBool(rule.Exclude)},
			Pattern: []string{rule.Pattern},
			Flags:   []string{rule.Flags.String()},
		})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}

	out := []byte(xml.Header)
	out = append(out, body...)
	return append(out, '\n'), nil
}

// SaveFile writes the rule set to `path`.
func SaveFile(fs afero.Fs, path string, rs *RuleSet) error {
	data, err := Marshal(rs)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}
