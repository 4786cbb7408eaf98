package fs

import (
	"sort"
	"strings"
)

// SortPaths orders file paths so that everything under a subdirectory comes
// before the files of the directory itself, with siblings alphabetical.
// Glob results go through this so their order is deterministic.
func SortPaths(paths []string) []string {
	sort.Slice(paths, func(i, j int) bool {
		return pathLess(strings.Split(paths[i], "/"), strings.Split(paths[j], "/"))
	})
	return paths
}

func pathLess(a, b []string) bool {
	// Drop the shared leading directories; the first point of divergence
	// decides the order.
	for len(a) > 0 && len(b) > 0 && a[0] == b[0] {
		a, b = a[1:], b[1:]
	}
	if len(a) == 0 || len(b) == 0 {
		return len(a) < len(b)
	}
	// A bare filename at this level sorts after paths still inside a
	// subdirectory of it.
	if len(a) == 1 && len(b) > 1 {
		return false
	} else if len(b) == 1 && len(a) > 1 {
		return true
	}
	return a[0] < b[0]
}
