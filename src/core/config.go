// Utilities for reading the per-cell config files.

package core

import (
	"fmt"
	"os"

	"github.com/please-build/gcfg"
)

// ConfigFileName is the per-cell config file, normally checked in.
const ConfigFileName = ".buckconfig"

// LocalConfigFileName is the local override config, normally not checked in.
const LocalConfigFileName = ".buckconfig.local"

// Accepted values for the symlink policy setting.
const (
	SymlinksAllow  = "allow"
	SymlinksWarn   = "warn"
	SymlinksForbid = "forbid"
)

// A Configuration holds the per-cell settings that influence parsing.
type Configuration struct {
	Parse struct {
		// Names accepted for build files, in order of preference.
		BuildFileName []string
		// Command line for the external build file interpreter.
		Interpreter string
		// Number of interpreter worker processes to run.
		NumWorkers int
		// Timeout in seconds for a single parse.
		Timeout int
		// Build defs files implicitly included into every parse.
		Includes []string
		// Environment variables the interpreter reads; these feed the cell's
		// fingerprint so changing one invalidates its caches.
		EnvVars []string
	}
	Project struct {
		// Regex matching editor temp files; changes to them never invalidate.
		TempFiles string
		// Whether a package's files must live under its own directory.
		CheckPackageBoundary bool
		// Symlink policy; one of allow, warn or forbid.
		AllowSymlinks string
		// Directory names never walked when expanding specs.
		Ignore []string
	}
}

func readConfigFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil // It's not an error to not have the file at all.
	} else if err != nil {
		return err
	}
	log.Debug("Read config from %s", filename)
	return nil
}

// ReadConfigFiles reads config files from the given locations, in order.
// Values are filled in by defaults initially and then overridden by each file in turn.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	setDefault(&config.Parse.BuildFileName, []string{"BUCK"})
	setDefault(&config.Project.Ignore, []string{".git", "buck-out"})
	switch config.Project.AllowSymlinks {
	case SymlinksAllow, SymlinksWarn, SymlinksForbid:
	default:
		return config, fmt.Errorf("Unknown symlink policy %s", config.Project.AllowSymlinks)
	}
	return config, nil
}

// DefaultConfiguration returns the config that applies before any file is read.
func DefaultConfiguration() *Configuration {
	config := Configuration{}
	config.Parse.NumWorkers = 4
	config.Parse.Timeout = 60
	config.Project.TempFiles = `^.*\.sw[a-z]$`
	config.Project.CheckPackageBoundary = true
	config.Project.AllowSymlinks = SymlinksWarn
	return &config
}

// setDefault sets a slice of strings in the config if the set one is empty.
func setDefault(conf *[]string, def []string) {
	if len(*conf) == 0 {
		*conf = def
	}
}
