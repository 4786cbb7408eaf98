package parse

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grumpyjames/buck/src/cmap"
	"github.com/grumpyjames/buck/src/core"
	"github.com/grumpyjames/buck/src/fs"
	"github.com/grumpyjames/buck/src/metrics"
)

// A depKey identifies one cache entry for invalidation purposes: either a raw
// rule map (by build file path) or a target node (by label).
type depKey struct {
	node  bool
	file  string
	label core.BuildLabel
}

// A CellState holds all cached parse state for one cell: the raw rule maps per
// build file, the converted target nodes per label, and the dependency index
// that maps changed paths back onto the entries they invalidate.
//
// Both caches coalesce concurrent requests for the same key, and both survive
// invalidation mid-computation: an entry invalidated while its value is still
// being computed discards that value on arrival and the waiters recompute.
// That is closed race-free with a per-path change clock; a computation
// snapshots the clock before reading any files and its result is rejected if
// any file it read changed after the snapshot.
type CellState struct {
	cell     *core.Cell
	interp   Interpreter
	observer ParseObserver

	raw   *cmap.Map[string, *core.RawRuleMap]
	nodes *cmap.Map[core.BuildLabel, *core.TargetNode]

	mutex       sync.Mutex
	byPath      map[string]map[depKey]struct{}
	lastChanged map[string]uint64
	clock       uint64
	// Clock value at the last whole-cell invalidation; computations that began
	// before it are rejected wholesale.
	allInvalidatedAt uint64
}

// NewCellState creates the parse state for one cell. The observer may be nil.
func NewCellState(cell *core.Cell, interp Interpreter, observer ParseObserver) *CellState {
	return &CellState{
		cell:        cell,
		interp:      interp,
		observer:    observer,
		raw:         cmap.New[string, *core.RawRuleMap](cmap.DefaultShardCount, cmap.XXHash),
		nodes:       cmap.New[core.BuildLabel, *core.TargetNode](cmap.DefaultShardCount, hashLabel),
		byPath:      map[string]map[depKey]struct{}{},
		lastChanged: map[string]uint64{},
	}
}

func hashLabel(label core.BuildLabel) uint64 {
	return cmap.XXHashes(label.Cell, label.PackageName, label.Name, label.Flavour)
}

// Cell returns the cell this state belongs to.
func (s *CellState) Cell() *core.Cell { return s.cell }

// Interpreter returns the interpreter parses run through.
func (s *CellState) Interpreter() Interpreter { return s.interp }

// BuildFile returns the relative path of the build file for the given package,
// or false if none of the cell's build file names exists there.
func (s *CellState) BuildFile(pkg string) (string, bool) {
	for _, name := range s.cell.BuildFileNames() {
		rel := filepath.Join(pkg, name)
		if fs.FileExists(filepath.Join(s.cell.Root, rel)) {
			return rel, true
		}
	}
	return "", false
}

// RawRules returns the raw rule map for the given build file, parsing it if it
// isn't already cached. Concurrent requests for the same file share one parse.
func (s *CellState) RawRules(ctx context.Context, buildFile string) (*core.RawRuleMap, error) {
	for {
		v, p, first := s.raw.GetOrStart(buildFile)
		if p == nil {
			metrics.CacheResult("raw", true)
			return v, nil
		}
		if !first {
			metrics.CacheResult("raw", true)
			val, stale, err := await(ctx, p)
			if err != nil {
				return nil, err
			} else if !stale {
				return val, nil
			}
			continue // Invalidated while in flight; ask again.
		}
		metrics.CacheResult("raw", false)
		m, installed, err := s.parse(ctx, buildFile)
		if err != nil {
			return nil, err
		} else if installed {
			return m, nil
		}
	}
}

// parse runs one actual parse of a build file, as the computing caller of the
// raw cache. Returns installed=false if the result arrived stale.
func (s *CellState) parse(ctx context.Context, buildFile string) (m *core.RawRuleMap, installed bool, err error) {
	id := uuid.New()
	start := time.Now()
	s.emit(ParseEvent{ID: id, Kind: ParseStarted, CellRoot: s.cell.Root, BuildFile: buildFile})
	clock := s.snapshot()
	m, err = s.interp.ParseBuildFile(ctx, buildFile, s.cell.Config.Parse.Includes)
	if err != nil {
		// Errors are delivered to all current waiters but never cached; the
		// next request for this file parses it afresh.
		s.raw.Fail(buildFile, err)
		s.emit(ParseEvent{ID: id, Kind: ParseFailed, CellRoot: s.cell.Root, BuildFile: buildFile, Duration: time.Since(start), Err: err})
		metrics.Parses.WithLabelValues("failure").Inc()
		return nil, false, err
	}
	metrics.Parses.WithLabelValues("success").Inc()
	metrics.ParseDurations.Observe(time.Since(start).Seconds())
	s.emit(ParseEvent{ID: id, Kind: ParseFinished, CellRoot: s.cell.Root, BuildFile: buildFile, Duration: time.Since(start)})
	if !s.registerDeps(depKey{file: buildFile}, m.FilesRead, clock) {
		s.raw.Remove(buildFile) // Marks it stale so the Complete below discards it.
	}
	return m, s.raw.Complete(buildFile, m), nil
}

// A NodeComputer produces a target node plus the relative paths of every file
// that contributed to it (build file, includes, globbed sources), which become
// its dependency set for invalidation.
type NodeComputer func(ctx context.Context, raw *core.RawRuleMap) (*core.TargetNode, []string, error)

// Node returns the cached target node for a label, computing it via compute on
// a miss. Concurrent requests for the same label share one computation.
func (s *CellState) Node(ctx context.Context, label core.BuildLabel, buildFile string, compute NodeComputer) (*core.TargetNode, error) {
	for {
		v, p, first := s.nodes.GetOrStart(label)
		if p == nil {
			metrics.CacheResult("node", true)
			return v, nil
		}
		if !first {
			metrics.CacheResult("node", true)
			val, stale, err := await(ctx, p)
			if err != nil {
				return nil, err
			} else if !stale {
				return val, nil
			}
			continue
		}
		metrics.CacheResult("node", false)
		clock := s.snapshot()
		raw, err := s.RawRules(ctx, buildFile)
		if err != nil {
			s.nodes.Fail(label, err)
			return nil, err
		}
		node, files, err := compute(ctx, raw)
		if err != nil {
			s.nodes.Fail(label, err)
			return nil, err
		}
		if !s.registerDeps(depKey{node: true, label: label}, files, clock) {
			s.nodes.Remove(label)
		}
		if s.nodes.Complete(label, node) {
			return node, nil
		}
	}
}

// await blocks on an in-flight computation, honouring context cancellation.
func await[V any](ctx context.Context, p *cmap.Pending[V]) (val V, stale bool, err error) {
	select {
	case <-p.Done():
	case <-ctx.Done():
		return val, false, ctx.Err()
	}
	return p.Result()
}

func (s *CellState) emit(event ParseEvent) {
	if s.observer != nil {
		s.observer.OnParseEvent(event)
	}
}

// snapshot returns the current change clock; computations call it before
// reading any files.
func (s *CellState) snapshot() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.clock
}

// registerDeps records that the given cache entry depends on the given files.
// It returns false if any of them changed after the computation's snapshot, in
// which case the entry must not be installed.
func (s *CellState) registerDeps(key depKey, files []string, snapshot uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.allInvalidatedAt > snapshot {
		return false
	}
	for _, f := range files {
		if s.lastChanged[f] > snapshot {
			return false
		}
	}
	for _, f := range files {
		deps, present := s.byPath[f]
		if !present {
			deps = map[depKey]struct{}{}
			s.byPath[f] = deps
		}
		deps[key] = struct{}{}
	}
	return true
}

// InvalidatePath drops every cache entry that depends on the given path
// (relative to the cell root) and records the change so in-flight computations
// that read the old contents get discarded. The path may be a directory, in
// which case everything tracked underneath it goes too; directory-level events
// (renames especially) are often all we hear about the files inside.
// Returns the number of entries dropped.
func (s *CellState) InvalidatePath(rel string) int {
	prefix := rel + "/"
	s.mutex.Lock()
	s.clock++
	s.lastChanged[rel] = s.clock
	keySet := map[depKey]struct{}{}
	for key := range s.byPath[rel] {
		keySet[key] = struct{}{}
	}
	delete(s.byPath, rel)
	for path, deps := range s.byPath {
		if strings.HasPrefix(path, prefix) {
			s.lastChanged[path] = s.clock
			for key := range deps {
				keySet[key] = struct{}{}
			}
			delete(s.byPath, path)
		}
	}
	// Tracked files under the path whose entries are already gone still need
	// their change recorded, or an in-flight computation could re-install them.
	for path := range s.lastChanged {
		if strings.HasPrefix(path, prefix) {
			s.lastChanged[path] = s.clock
		}
	}
	keys := make([]depKey, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	s.mutex.Unlock()

	n := 0
	for _, key := range keys {
		if key.node {
			if s.nodes.Remove(key.label) {
				n++
			}
		} else if s.raw.Remove(key.file) {
			n++
		}
	}
	if n > 0 {
		log.Debug("Invalidated %d cache entries for %s", n, rel)
	}
	return n
}

// InvalidateAll drops the entire cache, including anything still in flight.
func (s *CellState) InvalidateAll(reason string) {
	s.mutex.Lock()
	s.clock++
	s.allInvalidatedAt = s.clock
	s.byPath = map[string]map[depKey]struct{}{}
	s.lastChanged = map[string]uint64{}
	s.mutex.Unlock()
	s.raw.RemoveAll()
	s.nodes.RemoveAll()
	metrics.Invalidations.WithLabelValues(reason).Inc()
	log.Warning("Dropped all cached parse state for %s: %s", s.cell.Root, reason)
}

// HandleFSEvent reacts to one filesystem change within this cell.
//
// A changed path invalidates exactly the entries that depend on it; modifying
// a file nothing tracked invalidates nothing. Creations and deletions
// additionally invalidate ancestor packages' build files, since they can
// change what those packages' globs match; with package boundary checking on,
// only the nearest ancestor package owns the file so the walk stops there.
func (s *CellState) HandleFSEvent(event core.FSEvent) {
	if event.Kind == core.FSOverflow {
		s.InvalidateAll(metrics.ReasonOverflow)
		return
	}
	rel, ok := s.cell.RelPath(event.Path)
	if !ok || rel == "." {
		return
	}
	if s.InvalidatePath(rel) > 0 {
		metrics.Invalidations.WithLabelValues(metrics.ReasonPathChanged).Inc()
	}
	if event.Kind == core.FSCreate || event.Kind == core.FSDelete {
		s.invalidateAncestors(rel)
	}
}

// invalidateAncestors invalidates the build files of the packages above the
// given path that could glob it.
func (s *CellState) invalidateAncestors(rel string) {
	for dir := filepath.Dir(rel); ; dir = filepath.Dir(dir) {
		found := false
		for _, name := range s.cell.BuildFileNames() {
			buildFile := filepath.Join(dir, name)
			if buildFile == rel {
				continue // The changed file is this build file itself.
			}
			if _, cached := s.raw.Get(buildFile); cached || fs.FileExists(filepath.Join(s.cell.Root, buildFile)) {
				found = true
				if s.InvalidatePath(buildFile) > 0 {
					metrics.Invalidations.WithLabelValues(metrics.ReasonPathChanged).Inc()
				}
			}
		}
		if found && s.cell.Config.Project.CheckPackageBoundary {
			return // The owning package is the only one that can glob this file.
		}
		if dir == "." {
			return
		}
	}
}

// Sizes returns the number of completed entries in the raw and node caches.
func (s *CellState) Sizes() (rawEntries, nodeEntries int) {
	return len(s.raw.Keys()), len(s.nodes.Keys())
}

// CachedRawRules returns the cached rule map for a build file without parsing.
func (s *CellState) CachedRawRules(buildFile string) (*core.RawRuleMap, bool) {
	return s.raw.Get(buildFile)
}

// CachedNode returns the cached node for a label without computing it.
func (s *CellState) CachedNode(label core.BuildLabel) (*core.TargetNode, bool) {
	return s.nodes.Get(label)
}
