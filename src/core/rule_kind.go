package core

import "sync"

// A RuleKind describes one type of build rule: which flavours it supports and
// how its attributes should be interpreted when converting raw rules into
// target nodes. The set of kinds is supplied by the embedding application;
// this package only defines the registry.
type RuleKind struct {
	// Name of the rule type, e.g. "genrule".
	Name string
	// Flavours this rule type supports. Empty means the type doesn't support
	// flavours at all.
	SupportedFlavours []string
	// Names of attributes that hold source file lists. Their entries may be
	// glob patterns, which are expanded (and tracked for invalidation) during
	// conversion.
	SourceAttrs []string
	// Expected kinds for known attributes; attributes not listed here are
	// passed through unvalidated. The "name", "deps" and "visibility"
	// attributes are handled structurally and need not appear.
	AttrKinds map[string]AttrKind
}

// SupportsFlavours returns true if this rule type supports flavours at all.
func (k *RuleKind) SupportsFlavours() bool {
	return len(k.SupportedFlavours) > 0
}

// SupportsFlavour returns true if this rule type supports the given flavour.
func (k *RuleKind) SupportsFlavour(flavour string) bool {
	for _, f := range k.SupportedFlavours {
		if f == flavour {
			return true
		}
	}
	return false
}

// A RuleRegistry maps rule type names to their kinds. Registration happens at
// startup; lookups are concurrent thereafter.
type RuleRegistry struct {
	mutex sync.RWMutex
	kinds map[string]*RuleKind
}

// NewRuleRegistry returns a registry containing the given kinds.
func NewRuleRegistry(kinds ...*RuleKind) *RuleRegistry {
	r := &RuleRegistry{kinds: make(map[string]*RuleKind, len(kinds))}
	for _, k := range kinds {
		r.Register(k)
	}
	return r
}

// Register adds a rule kind to the registry, replacing any existing one of the same name.
func (r *RuleRegistry) Register(kind *RuleKind) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.kinds[kind.Name] = kind
}

// Kind returns the kind with the given name, or nil if it isn't registered.
func (r *RuleRegistry) Kind(name string) *RuleKind {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.kinds[name]
}
