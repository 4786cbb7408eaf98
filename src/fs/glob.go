package fs

import (
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"regexp"
	"strings"
)

type matcher interface {
	Match(name string) (bool, error)
}

type builtInGlob string

func (p builtInGlob) Match(name string) (bool, error) {
	matched, err := filepath.Match(string(p), name)
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern %s: %w", string(p), err)
	}
	return matched, nil
}

type regexGlob struct {
	regex *regexp.Regexp
}

func (r regexGlob) Match(name string) (bool, error) {
	return r.regex.MatchString(name), nil
}

// patternToMatcher converts a pattern into a matcher; either filepath.Match directly
// or, for patterns containing **, one of our homebrew compiled regexes.
func patternToMatcher(root, pattern string) (matcher, error) {
	fullPattern := filepath.Join(root, pattern)
	if !strings.Contains(pattern, "**") {
		return builtInGlob(fullPattern), nil
	}
	regex, err := regexp.Compile(toRegexString(fullPattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %s: %w", pattern, err)
	}
	return regexGlob{regex: regex}, nil
}

func toRegexString(pattern string) string {
	pattern = "^" + pattern + "$"
	pattern = strings.ReplaceAll(pattern, "+", "\\+")         // escape +
	pattern = strings.ReplaceAll(pattern, ".", "\\.")         // escape .
	pattern = strings.ReplaceAll(pattern, "?", ".")           // match ? as any single char
	pattern = strings.ReplaceAll(pattern, "*", "[^/]*")       // handle single (all) * components
	pattern = strings.ReplaceAll(pattern, "[^/]*[^/]*", ".*") // handle ** components
	pattern = strings.ReplaceAll(pattern, "/.*/", "/(.*/)?")  // Allow ** to match zero directories
	return pattern
}

// IsGlob returns true if the given pattern requires globbing (i.e. contains characters that would be expanded by it).
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// Match returns true if the given path matches the given glob pattern.
func Match(glob, path string) (bool, error) {
	m, err := patternToMatcher(".", glob)
	if err != nil {
		return false, err
	}
	return m.Match(path)
}

// A Globber matches glob patterns against a source tree. Walks stop at package
// boundaries, i.e. a glob never matches files owned by a subpackage's build file.
// A globber caches the directories it has walked so one can be persisted to save
// repeated filesystem calls, but it isn't safe for concurrent use.
type Globber struct {
	fs             iofs.FS
	buildFileNames []string
	// Called for every symlink the walk encounters; returning an error aborts the
	// glob, which is how symlink policies get enforced. May be nil.
	onSymlink  func(path string) error
	walkedDirs map[string]walkedDir
}

type walkedDir struct {
	fileNames, symlinks, subPackages []string
}

// NewGlobber creates a new Globber rooted at the given filesystem.
func NewGlobber(fs iofs.FS, buildFileNames []string, onSymlink func(path string) error) *Globber {
	return &Globber{
		fs:             fs,
		buildFileNames: buildFileNames,
		onSymlink:      onSymlink,
		walkedDirs:     map[string]walkedDir{},
	}
}

// Glob expands the given include patterns, relative to rootPath, minus anything
// matching the exclude patterns. Returned paths are relative to rootPath and
// sorted so results are deterministic. Hidden files are only returned when
// includeHidden is set.
func (globber *Globber) Glob(rootPath string, includes, excludes []string, includeHidden bool) ([]string, error) {
	if rootPath == "" {
		rootPath = "."
	}
	var filenames []string
	for _, include := range includes {
		if include == "" {
			return nil, fmt.Errorf("cannot use an empty string as a glob")
		}
		matches, err := globber.glob(rootPath, include, excludes, includeHidden)
		if err != nil {
			return nil, fmt.Errorf("error globbing files with %s: %w", include, err)
		}
		// Remove the root path from the returned files and add them to the output
		for _, filename := range matches {
			filenames = append(filenames, strings.TrimPrefix(filename, rootPath+"/"))
		}
	}
	return SortPaths(filenames), nil
}

func (globber *Globber) glob(rootPath, glob string, excludes []string, includeHidden bool) ([]string, error) {
	p, err := patternToMatcher(rootPath, glob)
	if err != nil {
		return nil, err
	}
	dir, err := globber.walkDir(rootPath)
	if err != nil {
		return nil, err
	}
	fileNames := append(append([]string{}, dir.fileNames...), dir.symlinks...)
	matches := make([]string, 0, len(fileNames))
	for _, name := range fileNames {
		if match, err := p.Match(name); err != nil {
			return nil, err
		} else if !match {
			continue
		} else if isInDirectories(name, dir.subPackages) {
			continue
		} else if !includeHidden && isHidden(name) {
			continue
		}
		if excluded, err := shouldExcludeMatch(rootPath, name, excludes); err != nil {
			return nil, err
		} else if !excluded {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

func (globber *Globber) walkDir(rootPath string) (walkedDir, error) {
	if dir, present := globber.walkedDirs[rootPath]; present {
		return dir, nil
	}
	dir := walkedDir{}
	err := iofs.WalkDir(globber.fs, rootPath, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if globber.isBuildFile(path) {
			packageName := filepath.Dir(path)
			if packageName != rootPath {
				dir.subPackages = append(dir.subPackages, packageName)
				return filepath.SkipDir
			}
		}
		if d.Type()&iofs.ModeSymlink != 0 {
			if globber.onSymlink != nil {
				if err := globber.onSymlink(path); err != nil {
					return err
				}
			}
			dir.symlinks = append(dir.symlinks, path)
		} else {
			dir.fileNames = append(dir.fileNames, path)
		}
		return nil
	})
	if err != nil {
		return dir, err
	}
	globber.walkedDirs[rootPath] = dir
	return dir, nil
}

func (globber *Globber) isBuildFile(name string) bool {
	fileName := filepath.Base(name)
	for _, buildFileName := range globber.buildFileNames {
		if fileName == buildFileName {
			return true
		}
	}
	return false
}

func isBasePathOf(path, base string) bool {
	if !strings.HasPrefix(path, base) {
		return false
	}
	rest := strings.TrimPrefix(path, base)
	return rest == "" || rest[0] == filepath.Separator
}

// shouldExcludeMatch checks if the match also matches any of the exclude patterns.
// If the exclude pattern is a relative pattern, i.e. doesn't contain any /'s, then it
// is checked against the file name part only; otherwise against the whole path. This
// is so glob(["**/*.go"], exclude = ["*_test.go"]) works as you'd expect.
func shouldExcludeMatch(root, match string, excludes []string) (bool, error) {
	for _, excl := range excludes {
		if excl == "" {
			return false, fmt.Errorf("cannot use an empty string as a glob")
		}
		rootPath := root
		m := match
		if isBasePathOf(match, filepath.Join(root, excl)) {
			return true, nil
		}
		if strings.ContainsRune(match, '/') && !strings.ContainsRune(excl, '/') {
			m = filepath.Base(match)
			rootPath = ""
		}
		matcher, err := patternToMatcher(rootPath, excl)
		if err != nil {
			return false, err
		}
		if matched, err := matcher.Match(m); err != nil {
			return false, err
		} else if matched {
			return true, nil
		}
	}
	return false, nil
}

// isInDirectories checks to see if the file is in any of the provided directories.
func isInDirectories(name string, directories []string) bool {
	for _, dir := range directories {
		if strings.HasPrefix(name, dir+"/") || name == dir {
			return true
		}
	}
	return false
}

// isHidden checks if the file is a hidden file, i.e. starts with . or starts and ends with #.
func isHidden(name string) bool {
	file := filepath.Base(name)
	return strings.HasPrefix(file, ".") || (strings.HasPrefix(file, "#") && strings.HasSuffix(file, "#"))
}
