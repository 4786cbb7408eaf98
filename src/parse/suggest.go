package parse

import (
	"sort"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/grumpyjames/buck/src/core"
)

// Max levenshtein distance that we'll suggest at.
const maxSuggestionDistance = 3

// suggestTargets suggests the targets in the given rule map that might be
// misspellings of the requested one.
func suggestTargets(raw *core.RawRuleMap, label, dependor core.BuildLabel) string {
	haystack := []string{}
	for _, name := range raw.RuleNames() {
		haystack = append(haystack, "//"+label.PackageName+":"+name)
	}
	msg := prettyPrintSuggestion(label.Unflavoured().String(), haystack)
	if label.PackageName != dependor.PackageName {
		return msg
	}
	// Use relative labels where possible.
	return strings.ReplaceAll(msg, "//"+label.PackageName+":", ":")
}

// prettyPrintSuggestion produces a single "maybe you meant" message from the
// close enough members of the haystack.
func prettyPrintSuggestion(needle string, haystack []string) string {
	options := suggest(needle, haystack)
	if len(options) == 0 {
		return ""
	}
	msg := "\nMaybe you meant "
	for i, o := range options {
		if i > 0 {
			if i < len(options)-1 {
				msg += " , " // Leave a space before the comma so you can select them without getting the question mark
			} else {
				msg += " or "
			}
		}
		msg += o
	}
	return msg + " ?" // Leave a space so you can select them without getting the question mark
}

type suggestion struct {
	s    string
	dist int
}

func suggest(needle string, haystack []string) []string {
	r := []rune(needle)
	options := make([]suggestion, 0, len(haystack))
	for _, straw := range haystack {
		distance := levenshtein.DistanceForStrings(r, []rune(straw), levenshtein.DefaultOptions)
		if len(straw) > 0 && distance <= maxSuggestionDistance {
			options = append(options, suggestion{s: straw, dist: distance})
		}
	}
	sort.Slice(options, func(i, j int) bool { return options[i].dist < options[j].dist })
	ret := make([]string, len(options))
	for i, o := range options {
		ret[i] = o.s
	}
	return ret
}
