package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	logger "github.com/grumpyjames/buck/src/cli/logging"
)

var log = logger.Log

// A BuildLabel is the fully qualified identity of a build target,
// eg. //spam/eggs:ham or cell//spam/eggs:ham#shared.
// Labels are always absolute once parsed; relative forms like :ham are
// resolved against the package they appear in.
// The flavour set selects a build variant and is stored in canonical form
// (sorted, comma-joined) so labels stay comparable and usable as map keys.
type BuildLabel struct {
	Cell        string
	PackageName string
	Name        string
	Flavour     string
}

// AllTargetsName is the pseudo-target name referring to all targets in a package.
const AllTargetsName = "all"

// AllSubpackagesName is the pseudo-target name referring to all targets underneath a directory.
const AllSubpackagesName = "..."

// This is a little strict; doesn't allow for non-ascii names, for example.
const packagePart = "[A-Za-z0-9\\._\\+-]+"
const packageName = "(" + packagePart + "(?:/" + packagePart + ")*)"
const targetName = "([A-Za-z0-9\\._\\+-]+)"
const flavourSet = "(?:#([A-Za-z0-9_\\+-]+(?:,[A-Za-z0-9_\\+-]+)*))?"
const cellName = "(?:(" + packagePart + "))?"

// Regexes for matching the various ways of writing a build label.
// Fully specified labels, e.g. //src/core:core or cell//src/core:core#shared
var absoluteTarget = regexp.MustCompile(fmt.Sprintf("^%s//(?:%s)?:%s%s$", cellName, packageName, targetName, flavourSet))

// Targets in the local package, e.g. :core
var localTarget = regexp.MustCompile(fmt.Sprintf("^:%s%s$", targetName, flavourSet))

// Targets with an implicit target name, e.g. //src/core (expands to //src/core:core)
var implicitTarget = regexp.MustCompile(fmt.Sprintf("^%s//(?:%s/)?(%s)%s$", cellName, packageName, packagePart, flavourSet))

// All targets underneath a package, e.g. //src/core/...
var subTargets = regexp.MustCompile(fmt.Sprintf("^%s//%s/(\\.\\.\\.)$", cellName, packageName))

// Sub targets immediately underneath the root; //...
var rootSubTargets = regexp.MustCompile(fmt.Sprintf("^%s(//)(\\.\\.\\.)$", cellName))

// Package and target names only, used for validation.
var packageNameOnly = regexp.MustCompile(fmt.Sprintf("^%s?$", packageName))
var targetNameOnly = regexp.MustCompile(fmt.Sprintf("^%s$", targetName))

func (label BuildLabel) String() string {
	s := "//" + label.PackageName + ":" + label.Name
	if label.Cell != "" {
		s = label.Cell + s
	}
	if label.Flavour != "" {
		s += "#" + label.Flavour
	}
	return s
}

// Flavours returns the label's flavour set as a slice, or nil for an unflavoured label.
func (label BuildLabel) Flavours() []string {
	if label.Flavour == "" {
		return nil
	}
	return strings.Split(label.Flavour, ",")
}

// IsFlavoured returns true if the label carries at least one flavour.
func (label BuildLabel) IsFlavoured() bool {
	return label.Flavour != ""
}

// Unflavoured returns the label stripped of its flavour set.
// Flavoured and unflavoured forms of a target share one rule definition.
func (label BuildLabel) Unflavoured() BuildLabel {
	label.Flavour = ""
	return label
}

// WithFlavours returns the label with the given flavour set, canonicalised.
func (label BuildLabel) WithFlavours(flavours ...string) BuildLabel {
	label.Flavour = canonicalFlavours(flavours)
	return label
}

// IsAllTargets returns true if the label refers to all targets in a package.
func (label BuildLabel) IsAllTargets() bool {
	return label.Name == AllTargetsName
}

// IsAllSubpackages returns true if the label refers to all targets underneath a directory.
func (label BuildLabel) IsAllSubpackages() bool {
	return label.Name == AllSubpackagesName
}

// NewBuildLabel constructs a new build label from the given components. Panics on failure.
func NewBuildLabel(pkgName, name string) BuildLabel {
	label, err := TryNewBuildLabel(pkgName, name)
	if err != nil {
		panic(err)
	}
	return label
}

// TryNewBuildLabel constructs a new build label from the given components.
func TryNewBuildLabel(pkgName, name string) (BuildLabel, error) {
	if !packageNameOnly.MatchString(pkgName) {
		return BuildLabel{}, fmt.Errorf("Invalid package name: %s", pkgName)
	} else if name != AllTargetsName && name != AllSubpackagesName && !targetNameOnly.MatchString(name) {
		return BuildLabel{}, fmt.Errorf("Invalid target name: %s", name)
	}
	return BuildLabel{PackageName: pkgName, Name: name}, nil
}

// ParseBuildLabel parses a single build label from a string. Panics on failure.
func ParseBuildLabel(target, currentPath string) BuildLabel {
	label, err := TryParseBuildLabel(target, currentPath)
	if err != nil {
		log.Fatalf("%s", err)
	}
	return label
}

// TryParseBuildLabel attempts to parse a single build label from a string. Returns an error if unsuccessful.
func TryParseBuildLabel(target, currentPath string) (BuildLabel, error) {
	if cell, pkg, name, flavour := parseBuildLabelParts(target, currentPath); name != "" {
		return BuildLabel{Cell: cell, PackageName: pkg, Name: name, Flavour: flavour}, nil
	}
	return BuildLabel{}, fmt.Errorf("Invalid build label: %s", target)
}

// parseBuildLabelParts returns the constituent parts of a label, or empty strings if it's not parseable.
func parseBuildLabelParts(target, currentPath string) (cell, pkg, name, flavour string) {
	if m := absoluteTarget.FindStringSubmatch(target); m != nil {
		return m[1], m[2], m[3], canonicalFlavourString(m[4])
	} else if m := localTarget.FindStringSubmatch(target); m != nil {
		return "", currentPath, m[1], canonicalFlavourString(m[2])
	} else if m := subTargets.FindStringSubmatch(target); m != nil {
		return m[1], m[2], AllSubpackagesName, ""
	} else if m := rootSubTargets.FindStringSubmatch(target); m != nil {
		return m[1], "", AllSubpackagesName, ""
	} else if m := implicitTarget.FindStringSubmatch(target); m != nil {
		if m[2] != "" {
			return m[1], m[2] + "/" + m[3], m[3], canonicalFlavourString(m[4])
		}
		return m[1], m[3], m[3], canonicalFlavourString(m[4])
	}
	return "", "", "", ""
}

func canonicalFlavours(flavours []string) string {
	if len(flavours) == 0 {
		return ""
	}
	fs := append([]string{}, flavours...)
	sort.Strings(fs)
	return strings.Join(fs, ",")
}

func canonicalFlavourString(flavour string) string {
	if flavour == "" {
		return ""
	}
	return canonicalFlavours(strings.Split(flavour, ","))
}
