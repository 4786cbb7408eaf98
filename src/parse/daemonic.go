package parse

import (
	"bytes"
	"sync"

	"github.com/grumpyjames/buck/src/core"
	"github.com/grumpyjames/buck/src/metrics"
)

// DaemonicParserState holds parse state across commands in a long-lived
// process, keyed by cell root. State survives from one command to the next so
// later commands only re-parse what actually changed; a cell whose
// configuration or declared environment changed since its state was built gets
// fresh state instead, since everything it cached is suspect.
type DaemonicParserState struct {
	mutex     sync.RWMutex
	cells     map[string]*cellEntry
	newInterp func(*core.Cell) Interpreter
	observer  ParseObserver
}

type cellEntry struct {
	state       *CellState
	fingerprint []byte
}

// NewDaemonicParserState creates an empty daemon state. newInterp constructs
// the interpreter for a cell when its state is first created (and again
// whenever the state is rebuilt). The observer may be nil.
func NewDaemonicParserState(newInterp func(*core.Cell) Interpreter, observer ParseObserver) *DaemonicParserState {
	return &DaemonicParserState{
		cells:     map[string]*cellEntry{},
		newInterp: newInterp,
		observer:  observer,
	}
}

// CellState returns the parse state for the given cell, creating it on first
// use. If the cell's fingerprint no longer matches the one its state was built
// against, the old state is discarded and replaced wholesale.
func (d *DaemonicParserState) CellState(cell *core.Cell) *CellState {
	fingerprint := cell.Fingerprint()
	d.mutex.RLock()
	entry, present := d.cells[cell.Root]
	d.mutex.RUnlock()
	if present && bytes.Equal(entry.fingerprint, fingerprint) {
		return entry.state
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	// Someone may have beaten us to the rebuild.
	if entry, present := d.cells[cell.Root]; present && bytes.Equal(entry.fingerprint, fingerprint) {
		return entry.state
	}
	if entry, present := d.cells[cell.Root]; present {
		log.Warning("Configuration or environment changed for %s; dropping all cached parse state", cell.Root)
		metrics.Invalidations.WithLabelValues(metrics.ReasonEnvChanged).Inc()
		entry.state.Interpreter().Close()
	}
	state := NewCellState(cell, d.newInterp(cell), d.observer)
	d.cells[cell.Root] = &cellEntry{state: state, fingerprint: fingerprint}
	return state
}

// UpdateCellConfiguration recomputes the cell's fingerprint against the state
// we hold for it, dropping and rebuilding that state if configuration or
// declared environment changed. No-op when the fingerprint still matches.
func (d *DaemonicParserState) UpdateCellConfiguration(cell *core.Cell) {
	d.CellState(cell)
}

// KnownCells returns the cells we currently hold state for.
func (d *DaemonicParserState) KnownCells() []*core.Cell {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	cells := make([]*core.Cell, 0, len(d.cells))
	for _, entry := range d.cells {
		cells = append(cells, entry.state.Cell())
	}
	return cells
}

// OnFileSystemChange routes filesystem events to the cells they affect.
// Overflow events hit every cell, since we no longer know what changed.
// Changes to a cell's temp files (per its configured pattern) are ignored
// entirely: editors write them constantly and they can never affect a parse.
func (d *DaemonicParserState) OnFileSystemChange(events ...core.FSEvent) {
	d.mutex.RLock()
	states := make([]*CellState, 0, len(d.cells))
	for _, entry := range d.cells {
		states = append(states, entry.state)
	}
	d.mutex.RUnlock()
	for _, event := range events {
		if event.Kind == core.FSOverflow {
			for _, state := range states {
				state.HandleFSEvent(event)
			}
			continue
		}
		if !event.IsPathEvent() {
			continue
		}
		for _, state := range states {
			cell := state.Cell()
			if !cell.ContainsPath(event.Path) {
				continue
			}
			if cell.IsTempFile(event.Path) {
				log.Debug("Ignoring change to temp file %s", event.Path)
				continue
			}
			state.HandleFSEvent(event)
		}
	}
}

// InvalidateAll drops every cell's cached state, e.g. on an explicit request.
func (d *DaemonicParserState) InvalidateAll() {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, entry := range d.cells {
		entry.state.InvalidateAll(metrics.ReasonExplicit)
	}
}

// Close shuts down all cells' interpreters.
func (d *DaemonicParserState) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, entry := range d.cells {
		entry.state.Interpreter().Close()
	}
	d.cells = map[string]*cellEntry{}
}
