package parse

import (
	"fmt"

	"github.com/grumpyjames/buck/src/core"
)

// A ParseError is a failure to evaluate a build file: the interpreter rejected
// it, or its contents couldn't be converted into rules.
type ParseError struct {
	BuildFile string
	Msg       string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("Error parsing %s: %s", e.BuildFile, e.Msg)
	}
	return fmt.Sprintf("Error parsing %s: %s", e.BuildFile, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// A MissingRuleError means a build file parsed fine but doesn't define the
// requested rule.
type MissingRuleError struct {
	Label     core.BuildLabel
	BuildFile string
	// Optional "Maybe you meant ..." text appended to the message.
	Suggestion string
}

func (e *MissingRuleError) Error() string {
	return fmt.Sprintf("No rule found when resolving target %s in build file %s%s", e.Label, e.BuildFile, e.Suggestion)
}

// A FlavourError means a target was requested with flavours its rule type
// doesn't support.
type FlavourError struct {
	Label    core.BuildLabel
	RuleType string
	Flavours []string
}

func (e *FlavourError) Error() string {
	return fmt.Sprintf("Unrecognised flavours %v for target %s; rule type %s doesn't support them", e.Flavours, e.Label.Unflavoured(), e.RuleType)
}

// A MissingDependencyError means a rule declared a dependency that doesn't
// resolve, either because it doesn't exist or isn't visible to the depending rule.
type MissingDependencyError struct {
	From, Dep core.BuildLabel
	BuildFile string
	// Set if the dependency exists but isn't visible.
	Invisible  bool
	Suggestion string
}

func (e *MissingDependencyError) Error() string {
	if e.Invisible {
		return fmt.Sprintf("Target %s isn't visible to %s", e.Dep, e.From)
	}
	return fmt.Sprintf("Couldn't find dependency %s of %s in build file %s%s", e.Dep, e.From, e.BuildFile, e.Suggestion)
}

// A SymlinkError means a glob traversed a symlink while the cell's policy forbids them.
type SymlinkError struct {
	Path string
}

func (e *SymlinkError) Error() string {
	return fmt.Sprintf("Symlink %s is not allowed here; set project.allowsymlinks if you want to use them", e.Path)
}

// A MissingPackageError means no build file exists for a requested package.
type MissingPackageError struct {
	Label     core.BuildLabel
	BuildFile string
}

func (e *MissingPackageError) Error() string {
	return fmt.Sprintf("Can't find any build file for %s (looked for %s)", e.Label, e.BuildFile)
}
