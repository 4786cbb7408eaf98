package parse

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grumpyjames/buck/src/core"
)

// newScriptCell returns a cell whose interpreter is a shell script answering
// every request with the given JSON line.
func newScriptCell(t *testing.T, response string) *core.Cell {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	root := t.TempDir()
	script := filepath.Join(root, "interp.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\nwhile read line; do echo '"+response+"'; done\n"), 0755))
	config, err := core.ReadConfigFiles(nil)
	require.NoError(t, err)
	config.Parse.Interpreter = "/bin/sh " + script
	config.Parse.NumWorkers = 2
	config.Parse.Timeout = 10
	cell, err := core.NewCell("", root, config, nil)
	require.NoError(t, err)
	return cell
}

func TestProcessInterpreterParses(t *testing.T) {
	cell := newScriptCell(t, `{"build_file":"pkg/BUCK","rules":[{"name":"x","type":"plain_rule","attrs":{"cmd":"true"}}],"files_read":["pkg/BUCK","defs.bzl"]}`)
	interp := NewProcessInterpreter(cell)
	defer interp.Close()

	raw, err := interp.ParseBuildFile(context.Background(), "pkg/BUCK", nil)
	require.NoError(t, err)
	assert.Equal(t, "pkg/BUCK", raw.BuildFile)
	assert.Equal(t, []string{"pkg/BUCK", "defs.bzl"}, raw.FilesRead)
	rule := raw.Rule("x")
	require.NotNil(t, rule)
	assert.Equal(t, "plain_rule", rule.Type)
}

func TestProcessInterpreterReportsErrors(t *testing.T) {
	cell := newScriptCell(t, `{"build_file":"pkg/BUCK","error":"name error on line 3"}`)
	interp := NewProcessInterpreter(cell)
	defer interp.Close()

	_, err := interp.ParseBuildFile(context.Background(), "pkg/BUCK", nil)
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, err.Error(), "name error on line 3")
}

func TestProcessInterpreterConcurrency(t *testing.T) {
	cell := newScriptCell(t, `{"build_file":"pkg/BUCK","rules":[],"files_read":["pkg/BUCK"]}`)
	interp := NewProcessInterpreter(cell)
	defer interp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := interp.ParseBuildFile(context.Background(), "pkg/BUCK", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestProcessInterpreterTimesOut(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	root := t.TempDir()
	script := filepath.Join(root, "interp.sh")
	// An interpreter that never answers.
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nwhile read line; do sleep 60; done\n"), 0755))
	config, err := core.ReadConfigFiles(nil)
	require.NoError(t, err)
	config.Parse.Interpreter = "/bin/sh " + script
	cell, err := core.NewCell("", root, config, nil)
	require.NoError(t, err)
	interp := NewProcessInterpreter(cell)
	defer interp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = interp.ParseBuildFile(ctx, "pkg/BUCK", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestBadInterpreterCommand(t *testing.T) {
	config, err := core.ReadConfigFiles(nil)
	require.NoError(t, err)
	config.Parse.Interpreter = ""
	cell, err := core.NewCell("", t.TempDir(), config, nil)
	require.NoError(t, err)
	interp := NewProcessInterpreter(cell)
	_, err = interp.ParseBuildFile(context.Background(), "pkg/BUCK", nil)
	assert.Error(t, err)
}

func TestInterpreterEnvOnlyPassesDeclaredVars(t *testing.T) {
	config, err := core.ReadConfigFiles(nil)
	require.NoError(t, err)
	config.Parse.EnvVars = []string{"CC"}
	cell, err := core.NewCell("", t.TempDir(), config, map[string]string{"CC": "clang", "SECRET": "hunter2"})
	require.NoError(t, err)
	env := interpreterEnv(cell)
	assert.Contains(t, env, "CC=clang")
	for _, e := range env {
		assert.NotContains(t, e, "hunter2")
	}
}

func TestStderrLoggerSplitsLines(t *testing.T) {
	l := &stderrLogger{}
	_, err := l.Write([]byte("WARNING something mild\npartial"))
	require.NoError(t, err)
	assert.Equal(t, "partial", string(l.buffer))
	_, err = l.Write([]byte(" rest\n"))
	require.NoError(t, err)
	assert.Empty(t, l.buffer)
}
