// Package fs provides filesystem helpers for walking and globbing source trees.
package fs

import (
	iofs "io/fs"
	"os"
)

// PathExists returns true if the given path exists, as a file or a directory.
func PathExists(filename string) bool {
	_, err := os.Lstat(filename)
	return err == nil
}

// FileExists returns true if the given path exists and is a file.
func FileExists(filename string) bool {
	info, err := os.Lstat(filename)
	return err == nil && !info.IsDir()
}

// DirExists returns true if the given path exists and is a directory.
func DirExists(filename string) bool {
	info, err := os.Lstat(filename)
	return err == nil && info.IsDir()
}

// IsSymlink returns true if the given path exists and is a symlink.
func IsSymlink(filename string) bool {
	info, err := os.Lstat(filename)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

type osFS struct{}

func (osFS) ReadDir(name string) ([]iofs.DirEntry, error) {
	return os.ReadDir(name)
}

func (osFS) Open(name string) (iofs.File, error) {
	return os.Open(name)
}

// HostFS is an io/fs.FS backed by the host OS, i.e. it resolves names the way os.Open does.
var HostFS = osFS{}
