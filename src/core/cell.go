package core

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	deferredregex "github.com/peterebden/go-deferred-regex"
	"github.com/zeebo/blake3"
)

// A Cell is a root directory of a source tree with its own build
// configuration. Its identity is its canonical root path; it's immutable once
// constructed, so reconfiguring a cell means constructing a new one.
type Cell struct {
	// Short name of the cell; the root cell's name is empty.
	Name string
	// Canonical absolute path of the cell root.
	Root string
	// The cell's configuration.
	Config *Configuration
	// Snapshot of the environment the cell was constructed against.
	Env map[string]string

	tempFiles deferredregex.DeferredRegex
}

// NewCell constructs a cell for the given root directory, canonicalising it.
func NewCell(name, root string, config *Configuration, env map[string]string) (*Cell, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("Cannot resolve cell root %s: %w", root, err)
	}
	return &Cell{
		Name:      name,
		Root:      canonical,
		Config:    config,
		Env:       env,
		tempFiles: deferredregex.DeferredRegex{Re: config.Project.TempFiles},
	}, nil
}

// BuildFileNames returns the accepted names for build files in this cell.
func (c *Cell) BuildFileNames() []string {
	return c.Config.Parse.BuildFileName
}

// IsBuildFileName returns true if the given file name is one of this cell's build file names.
func (c *Cell) IsBuildFileName(name string) bool {
	for _, n := range c.Config.Parse.BuildFileName {
		if n == name {
			return true
		}
	}
	return false
}

// IsTempFile returns true if the path matches the configured temp file pattern.
func (c *Cell) IsTempFile(path string) bool {
	if c.Config.Project.TempFiles == "" {
		return false
	}
	return c.tempFiles.MatchString(filepath.Base(path))
}

// ContainsPath returns true if the given absolute path lies within the cell.
func (c *Cell) ContainsPath(abs string) bool {
	return abs == c.Root || strings.HasPrefix(abs, c.Root+"/")
}

// RelPath relativises an absolute path against the cell root.
// The second return value is false if the path lies outside the cell.
func (c *Cell) RelPath(abs string) (string, bool) {
	if abs == c.Root {
		return ".", true
	} else if !strings.HasPrefix(abs, c.Root+"/") {
		return "", false
	}
	return abs[len(c.Root)+1:], true
}

// Fingerprint hashes the parse-relevant configuration and the values of the
// environment variables it declares. A cell whose fingerprint differs from a
// previously cached one must have its caches dropped wholesale.
func (c *Cell) Fingerprint() []byte {
	h := blake3.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	for _, name := range c.Config.Parse.BuildFileName {
		write(name)
	}
	write(c.Config.Parse.Interpreter)
	for _, inc := range c.Config.Parse.Includes {
		write(inc)
	}
	vars := append([]string{}, c.Config.Parse.EnvVars...)
	sort.Strings(vars)
	for _, name := range vars {
		write(name)
		write(c.Env[name])
	}
	return h.Sum(nil)
}
