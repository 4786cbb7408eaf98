package core

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// A TargetNode is the typed, validated representation of one rule instance:
// its label, declared dependencies (resolved to labels, not yet to nodes),
// visibility, and a hash over its raw inputs. Immutable once constructed.
type TargetNode struct {
	// The fully qualified label of this target, including any requested flavours.
	Label BuildLabel
	// The rule type this node was built from.
	Kind *RuleKind
	// Declared dependencies, in declaration order.
	Deps []BuildLabel
	// Visibility patterns; targets this node may be depended on from.
	// Empty means visible only within its own package.
	Visibility []BuildLabel
	// The typed attributes, post-validation.
	Attrs map[string]Attr
	// Source files this target globbed in, relative to the cell root.
	// These join the node's dependency set for invalidation.
	Sources []string
	// Hash over the rule's attributes and its globbed sources.
	RawInputsHash []byte
}

// HashString returns the raw inputs hash in hex form.
func (n *TargetNode) HashString() string {
	return hex.EncodeToString(n.RawInputsHash)
}

// IsVisibleTo returns true if this node may be depended on from the given package.
func (n *TargetNode) IsVisibleTo(from BuildLabel) bool {
	if from.Cell == n.Label.Cell && from.PackageName == n.Label.PackageName {
		return true // Always visible within the same package.
	}
	for _, vis := range n.Visibility {
		if vis.Cell != from.Cell {
			continue
		}
		if vis.IsAllSubpackages() {
			if vis.PackageName == "" || vis.PackageName == from.PackageName || isSubpackage(vis.PackageName, from.PackageName) {
				return true
			}
		} else if vis.PackageName == from.PackageName {
			return true
		}
	}
	return false
}

func isSubpackage(parent, child string) bool {
	return len(child) > len(parent) && child[:len(parent)] == parent && child[len(parent)] == '/'
}

// hashRawInputs computes the hash over a rule's attributes and sources.
func hashRawInputs(ruleType string, attrs map[string]Attr, sources []string) []byte {
	h := blake3.New()
	write := func(b []byte) {
		h.Write(b)
		h.Write([]byte{0}) // separator so concatenations can't collide
	}
	write([]byte(ruleType))
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write([]byte(k))
		attrs[k].hashInto(write)
	}
	srcs := append([]string{}, sources...)
	sort.Strings(srcs)
	for _, src := range srcs {
		write([]byte(src))
	}
	return h.Sum(nil)
}

// NewTargetNode constructs a node from its parts, computing its raw inputs hash.
func NewTargetNode(label BuildLabel, kind *RuleKind, deps, visibility []BuildLabel, attrs map[string]Attr, sources []string) *TargetNode {
	return &TargetNode{
		Label:         label,
		Kind:          kind,
		Deps:          deps,
		Visibility:    visibility,
		Attrs:         attrs,
		Sources:       sources,
		RawInputsHash: hashRawInputs(kind.Name, attrs, sources),
	}
}
