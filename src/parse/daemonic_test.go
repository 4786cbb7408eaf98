package parse

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grumpyjames/buck/src/core"
)

func newDaemonState(interp Interpreter) *DaemonicParserState {
	return NewDaemonicParserState(func(*core.Cell) Interpreter { return interp }, nil)
}

func TestCellStateIsReusedAcrossCommands(t *testing.T) {
	cell := newTestCell(t, "pkg/BUCK")
	interp := newFakeInterp()
	interp.addRule("pkg/BUCK", "test_rule", "x", nil)
	d := newDaemonState(interp)

	s1 := d.CellState(cell)
	_, err := s1.RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)

	// A second command against the same unchanged cell sees the same state.
	s2 := d.CellState(cell)
	assert.Same(t, s1, s2)
	_, err = s2.RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	assert.Equal(t, 1, interp.callCount("pkg/BUCK"))
}

func TestChangedEnvironmentDropsCellState(t *testing.T) {
	cell := newTestCell(t, "pkg/BUCK")
	cell.Config.Parse.EnvVars = []string{"CC"}
	interp := newFakeInterp()
	interp.addRule("pkg/BUCK", "test_rule", "x", nil)
	d := newDaemonState(interp)

	s1 := d.CellState(cell)
	_, err := s1.RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)

	// Same root, same config, but a declared env var changed.
	changed, err := core.NewCell("", cell.Root, cell.Config, map[string]string{"CC": "clang"})
	require.NoError(t, err)
	s2 := d.CellState(changed)
	assert.NotSame(t, s1, s2)
	_, err = s2.RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	assert.Equal(t, 2, interp.callCount("pkg/BUCK"))
}

func TestUpdateCellConfiguration(t *testing.T) {
	cell := newTestCell(t, "pkg/BUCK")
	interp := newFakeInterp()
	interp.addRule("pkg/BUCK", "test_rule", "x", nil)
	d := newDaemonState(interp)
	s1 := d.CellState(cell)

	// Same config rereads are a no-op.
	d.UpdateCellConfiguration(cell)
	assert.Same(t, s1, d.CellState(cell))

	// A config change rebuilds the state.
	changedConfig := *cell.Config
	changedConfig.Parse.Includes = []string{"defs/extra.bzl"}
	changed, err := core.NewCell("", cell.Root, &changedConfig, cell.Env)
	require.NoError(t, err)
	d.UpdateCellConfiguration(changed)
	assert.NotSame(t, s1, d.CellState(changed))
}

func TestUndeclaredEnvironmentChangeKeepsCellState(t *testing.T) {
	cell := newTestCell(t, "pkg/BUCK")
	interp := newFakeInterp()
	d := newDaemonState(interp)

	s1 := d.CellState(cell)
	other, err := core.NewCell("", cell.Root, cell.Config, map[string]string{"HOME": "/somewhere/else"})
	require.NoError(t, err)
	assert.Same(t, s1, d.CellState(other), "undeclared env vars must not drop state")
}

func TestEventsRouteToOwningCell(t *testing.T) {
	cellA := newTestCell(t, "pkg/BUCK")
	cellB := newTestCell(t, "pkg/BUCK")
	interpA := newFakeInterp()
	interpA.addRule("pkg/BUCK", "test_rule", "a", nil)
	interpB := newFakeInterp()
	interpB.addRule("pkg/BUCK", "test_rule", "b", nil)
	interps := map[string]Interpreter{cellA.Root: interpA, cellB.Root: interpB}
	d := NewDaemonicParserState(func(cell *core.Cell) Interpreter { return interps[cell.Root] }, nil)

	_, err := d.CellState(cellA).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	_, err = d.CellState(cellB).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)

	d.OnFileSystemChange(core.FSEvent{Kind: core.FSModify, Path: filepath.Join(cellA.Root, "pkg/BUCK")})
	_, err = d.CellState(cellA).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	_, err = d.CellState(cellB).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	assert.Equal(t, 2, interpA.callCount("pkg/BUCK"))
	assert.Equal(t, 1, interpB.callCount("pkg/BUCK"), "events in one cell must not invalidate another")
}

func TestTempFileChangesAreIgnored(t *testing.T) {
	cell := newTestCell(t, "pkg/BUCK")
	interp := newFakeInterp()
	interp.addRule("pkg/BUCK", "test_rule", "x", nil)
	d := newDaemonState(interp)

	_, err := d.CellState(cell).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	// An editor swap file changing right next to the build file is noise.
	d.OnFileSystemChange(
		core.FSEvent{Kind: core.FSCreate, Path: filepath.Join(cell.Root, "pkg/.BUCK.swp")},
		core.FSEvent{Kind: core.FSModify, Path: filepath.Join(cell.Root, "pkg/.BUCK.swp")},
		core.FSEvent{Kind: core.FSDelete, Path: filepath.Join(cell.Root, "pkg/.BUCK.swp")},
	)
	_, err = d.CellState(cell).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	assert.Equal(t, 1, interp.callCount("pkg/BUCK"))
}

func TestOverflowHitsEveryCell(t *testing.T) {
	cellA := newTestCell(t, "pkg/BUCK")
	cellB := newTestCell(t, "pkg/BUCK")
	interp := newFakeInterp()
	interp.addRule("pkg/BUCK", "test_rule", "x", nil)
	d := newDaemonState(interp)

	_, err := d.CellState(cellA).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	_, err = d.CellState(cellB).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	d.OnFileSystemChange(core.FSEvent{Kind: core.FSOverflow})
	_, err = d.CellState(cellA).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	_, err = d.CellState(cellB).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	assert.Equal(t, 4, interp.callCount("pkg/BUCK"))
}

func TestExplicitInvalidateAll(t *testing.T) {
	cell := newTestCell(t, "pkg/BUCK")
	interp := newFakeInterp()
	interp.addRule("pkg/BUCK", "test_rule", "x", nil)
	d := newDaemonState(interp)

	_, err := d.CellState(cell).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	d.InvalidateAll()
	_, err = d.CellState(cell).RawRules(context.Background(), "pkg/BUCK")
	require.NoError(t, err)
	assert.Equal(t, 2, interp.callCount("pkg/BUCK"))
}
