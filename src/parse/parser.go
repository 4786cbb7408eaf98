// Package parse turns build files into target nodes, caching everything it
// can in between: raw rule maps per build file, converted nodes per label, and
// the dependency index that ties cached entries to the files they were built
// from so filesystem changes invalidate exactly what they touched.
package parse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/grumpyjames/buck/src/core"
	"github.com/grumpyjames/buck/src/fs"
)

var log = logging.MustGetLogger("parse")

// A Parser resolves build labels to target nodes and target graphs on top of
// long-lived daemon state. It's cheap to construct, one per command; the
// caches live in the DaemonicParserState behind it.
type Parser struct {
	state    *DaemonicParserState
	registry *core.RuleRegistry
	root     *core.Cell
	cells    map[string]*core.Cell
}

// NewParser creates a parser over the given daemon state. The root cell
// resolves labels with no cell name; the others are looked up by name.
func NewParser(state *DaemonicParserState, registry *core.RuleRegistry, root *core.Cell, others ...*core.Cell) *Parser {
	cells := map[string]*core.Cell{"": root}
	for _, cell := range others {
		cells[cell.Name] = cell
	}
	return &Parser{
		state:    state,
		registry: registry,
		root:     root,
		cells:    cells,
	}
}

// stateFor returns the parse state for the cell a label lives in.
func (p *Parser) stateFor(label core.BuildLabel) (*CellState, error) {
	cell, present := p.cells[label.Cell]
	if !present {
		return nil, fmt.Errorf("Unknown cell %s in label %s", label.Cell, label)
	}
	return p.state.CellState(cell), nil
}

// RawRuleMap returns the raw parsed rules of the package a label names,
// without converting anything into nodes.
func (p *Parser) RawRuleMap(ctx context.Context, label core.BuildLabel) (*core.RawRuleMap, error) {
	s, err := p.stateFor(label)
	if err != nil {
		return nil, err
	}
	buildFile, present := s.BuildFile(label.PackageName)
	if !present {
		return nil, &MissingPackageError{Label: label, BuildFile: filepath.Join(label.PackageName, s.Cell().BuildFileNames()[0])}
	}
	return s.RawRules(ctx, buildFile)
}

// RawTargetNode returns the unconverted rule a label names.
func (p *Parser) RawTargetNode(ctx context.Context, label core.BuildLabel) (*core.RawRule, error) {
	raw, err := p.RawRuleMap(ctx, label)
	if err != nil {
		return nil, err
	}
	rule := raw.Rule(label.Name)
	if rule == nil {
		return nil, &MissingRuleError{
			Label:      label,
			BuildFile:  raw.BuildFile,
			Suggestion: suggestTargets(raw, label, label),
		}
	}
	return rule, nil
}

// TargetNode returns the fully converted node for a single label, parsing and
// converting as needed.
func (p *Parser) TargetNode(ctx context.Context, label core.BuildLabel) (*core.TargetNode, error) {
	s, err := p.stateFor(label)
	if err != nil {
		return nil, err
	}
	buildFile, present := s.BuildFile(label.PackageName)
	if !present {
		return nil, &MissingPackageError{Label: label, BuildFile: filepath.Join(label.PackageName, s.Cell().BuildFileNames()[0])}
	}
	return s.Node(ctx, label, buildFile, func(ctx context.Context, raw *core.RawRuleMap) (*core.TargetNode, []string, error) {
		return p.convert(s, label, raw)
	})
}

// BuildTargetGraphForSpecs expands pseudo-targets in the given specs and
// builds the graph reachable from the result, returning both.
func (p *Parser) BuildTargetGraphForSpecs(ctx context.Context, specs []core.BuildLabel) ([]core.BuildLabel, *core.TargetGraph, error) {
	labels, err := p.ExpandSpecs(ctx, specs)
	if err != nil {
		return nil, nil, err
	}
	graph, err := p.BuildTargetGraph(ctx, labels)
	return labels, graph, err
}

// BuildTargetGraph parses everything reachable from the given labels and
// returns the resulting graph. Dependencies are resolved transitively and in
// parallel; the graph is checked for visibility violations as edges are
// followed and for cycles once complete. The whole query is bracketed by a
// QueryStarted/QueryFinished event pair sharing one ID.
func (p *Parser) BuildTargetGraph(ctx context.Context, labels []core.BuildLabel) (*core.TargetGraph, error) {
	id := uuid.New()
	start := time.Now()
	p.emit(ParseEvent{ID: id, Kind: QueryStarted, CellRoot: p.root.Root, Targets: labels})
	graph, err := p.buildTargetGraph(ctx, labels)
	p.emit(ParseEvent{ID: id, Kind: QueryFinished, CellRoot: p.root.Root, Targets: labels, Duration: time.Since(start), Graph: graph, Err: err})
	return graph, err
}

func (p *Parser) emit(event ParseEvent) {
	if p.state.observer != nil {
		p.state.observer.OnParseEvent(event)
	}
}

func (p *Parser) buildTargetGraph(ctx context.Context, labels []core.BuildLabel) (*core.TargetGraph, error) {
	w := &graphWalk{
		parser: p,
		nodes:  map[core.BuildLabel]*core.TargetNode{},
		seen:   map[core.BuildLabel]bool{},
	}
	// Goroutines here are cheap; the real parallelism bound is the
	// interpreter pool, which is where the expensive work happens.
	w.group, w.ctx = errgroup.WithContext(ctx)
	for _, label := range labels {
		w.enqueue(label, core.BuildLabel{}, false)
	}
	if err := w.group.Wait(); err != nil {
		return nil, err
	}
	// Install in deterministic order so iteration over the graph is stable.
	graph := core.NewTargetGraph()
	ordered := make([]core.BuildLabel, 0, len(w.nodes))
	for label := range w.nodes {
		ordered = append(ordered, label)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })
	for _, label := range ordered {
		if err := graph.AddNode(w.nodes[label]); err != nil {
			return nil, err
		}
	}
	if _, err := graph.CheckAcyclic(); err != nil {
		return nil, err
	}
	return graph, nil
}

// A graphWalk tracks one parallel traversal of the dependency graph.
type graphWalk struct {
	parser *Parser
	group  *errgroup.Group
	ctx    context.Context
	mutex  sync.Mutex
	nodes  map[core.BuildLabel]*core.TargetNode
	seen   map[core.BuildLabel]bool
}

func (w *graphWalk) enqueue(label, from core.BuildLabel, isDep bool) {
	w.mutex.Lock()
	if w.seen[label] {
		w.mutex.Unlock()
		return
	}
	w.seen[label] = true
	w.mutex.Unlock()
	w.group.Go(func() error {
		node, err := w.parser.TargetNode(w.ctx, label)
		if err != nil {
			if !isDep {
				return err
			}
			// Errors resolving a dependency read better when they name the dependor.
			var missing *MissingRuleError
			if errors.As(err, &missing) {
				return &MissingDependencyError{
					From:       from,
					Dep:        label,
					BuildFile:  missing.BuildFile,
					Suggestion: missing.Suggestion,
				}
			}
			var pkg *MissingPackageError
			if errors.As(err, &pkg) {
				return &MissingDependencyError{From: from, Dep: label, BuildFile: pkg.BuildFile}
			}
			return err
		}
		if isDep && !node.IsVisibleTo(from) {
			return &MissingDependencyError{From: from, Dep: label, Invisible: true}
		}
		w.mutex.Lock()
		w.nodes[label] = node
		w.mutex.Unlock()
		for _, dep := range node.Deps {
			w.enqueue(dep, label, true)
		}
		return nil
	})
}

// convert turns one raw rule into a typed node, expanding its source globs.
// The returned file list is everything the node's validity depends on.
func (p *Parser) convert(s *CellState, label core.BuildLabel, raw *core.RawRuleMap) (*core.TargetNode, []string, error) {
	rule := raw.Rule(label.Name)
	if rule == nil {
		return nil, nil, &MissingRuleError{
			Label:      label,
			BuildFile:  raw.BuildFile,
			Suggestion: suggestTargets(raw, label, label),
		}
	}
	kind := p.registry.Kind(rule.Type)
	if kind == nil {
		return nil, nil, &ParseError{
			BuildFile: raw.BuildFile,
			Msg:       fmt.Sprintf("target %s has unknown rule type %s", label.Name, rule.Type),
		}
	}
	if flavours := label.Flavours(); len(flavours) > 0 {
		var unsupported []string
		for _, f := range flavours {
			if !kind.SupportsFlavour(f) {
				unsupported = append(unsupported, f)
			}
		}
		if len(unsupported) > 0 {
			return nil, nil, &FlavourError{Label: label, RuleType: kind.Name, Flavours: unsupported}
		}
	}
	for name, want := range kind.AttrKinds {
		if attr, present := rule.Attrs[name]; present && attr.Kind() != want {
			return nil, nil, &ParseError{
				BuildFile: raw.BuildFile,
				Msg:       fmt.Sprintf("attribute %s of %s should be a %s, not a %s", name, label, want, attr.Kind()),
			}
		}
	}
	deps, err := p.parseLabelAttr(rule, "deps", label, raw.BuildFile)
	if err != nil {
		return nil, nil, err
	}
	visibility, err := p.parseLabelAttr(rule, "visibility", label, raw.BuildFile)
	if err != nil {
		return nil, nil, err
	}
	sources, err := p.expandSources(s, label, kind, rule, raw.BuildFile)
	if err != nil {
		return nil, nil, err
	}
	node := core.NewTargetNode(label, kind, deps, visibility, rule.Attrs, sources)
	files := append(append([]string{}, raw.FilesRead...), sources...)
	return node, files, nil
}

// parseLabelAttr reads an attribute as a list of build labels relative to the target's package.
func (p *Parser) parseLabelAttr(rule *core.RawRule, name string, label core.BuildLabel, buildFile string) ([]core.BuildLabel, error) {
	attr, present := rule.Attrs[name]
	if !present || attr.IsNone() {
		return nil, nil
	}
	strs, err := attr.AsStrings()
	if err != nil {
		return nil, &ParseError{BuildFile: buildFile, Msg: fmt.Sprintf("invalid %s of %s: %s", name, label, err)}
	}
	labels := make([]core.BuildLabel, len(strs))
	for i, str := range strs {
		l, err := core.TryParseBuildLabel(str, label.PackageName)
		if err != nil {
			return nil, &ParseError{BuildFile: buildFile, Msg: fmt.Sprintf("invalid %s of %s: %s", name, label, err)}
		}
		labels[i] = l
	}
	return labels, nil
}

// expandSources expands the rule's source attributes, globbing where needed.
// Returned paths are relative to the cell root.
func (p *Parser) expandSources(s *CellState, label core.BuildLabel, kind *core.RuleKind, rule *core.RawRule, buildFile string) ([]string, error) {
	if len(kind.SourceAttrs) == 0 {
		return nil, nil
	}
	cell := s.Cell()
	globber := fs.NewGlobber(os.DirFS(cell.Root), cell.BuildFileNames(), p.symlinkCallback(cell))
	var sources []string
	for _, attrName := range kind.SourceAttrs {
		attr, present := rule.Attrs[attrName]
		if !present || attr.IsNone() {
			continue
		}
		patterns, err := attr.AsStrings()
		if err != nil {
			return nil, &ParseError{BuildFile: buildFile, Msg: fmt.Sprintf("invalid %s of %s: %s", attrName, label, err)}
		}
		var globs, literals []string
		for _, pattern := range patterns {
			if fs.IsGlob(pattern) {
				globs = append(globs, pattern)
			} else {
				literals = append(literals, pattern)
			}
		}
		for _, literal := range literals {
			sources = append(sources, filepath.Join(label.PackageName, literal))
		}
		if len(globs) > 0 {
			matches, err := globber.Glob(label.PackageName, globs, nil, false)
			if err != nil {
				var symlink *SymlinkError
				if errors.As(err, &symlink) {
					return nil, symlink
				}
				return nil, &ParseError{BuildFile: buildFile, Msg: fmt.Sprintf("invalid %s of %s: %s", attrName, label, err)}
			}
			for _, match := range matches {
				sources = append(sources, filepath.Join(label.PackageName, match))
			}
		}
	}
	return sources, nil
}

// symlinkCallback enforces the cell's symlink policy during globs.
func (p *Parser) symlinkCallback(cell *core.Cell) func(string) error {
	switch cell.Config.Project.AllowSymlinks {
	case core.SymlinksForbid:
		return func(path string) error {
			return &SymlinkError{Path: path}
		}
	case core.SymlinksWarn:
		return func(path string) error {
			log.Warning("Symlink %s encountered while globbing; builds may not be reproducible", path)
			return nil
		}
	}
	return nil
}
