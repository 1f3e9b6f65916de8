package fs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/thought-machine/buildcache/src/cacheerr"
)

// Mode is the subset of a file's mode the scanner, hasher, and recursive
// copy care about: the type bits, not the permissions.
type Mode interface {
	IsDir() bool
	IsSymlink() bool
	IsRegular() bool

	ModeType() os.FileMode
}

type mode os.FileMode

func (m mode) IsDir() bool {
	return os.FileMode(m).IsDir()
}

func (m mode) IsRegular() bool {
	return os.FileMode(m).IsRegular()
}

func (m mode) IsSymlink() bool {
	return os.FileMode(m)&os.ModeSymlink != 0
}

func (m mode) ModeType() os.FileMode {
	return os.FileMode(m)
}

// WalkMode walks the tree rooted at rootPath, passing each entry's name and
// mode type to callback. A rootPath naming a single file is allowed and
// reports just that file. Digest sidecar files are bookkeeping rather than
// content and are never reported. An unreadable root is an input error, the
// kind that downgrades a module to a forced rebuild.
func WalkMode(rootPath string, callback func(name string, mode Mode) error) error {
	info, err := os.Lstat(rootPath)
	if err != nil {
		return cacheerr.InputIOError(rootPath, err)
	}
	if !info.IsDir() {
		return callback(rootPath, mode(info.Mode()))
	}
	return godirwalk.Walk(rootPath, &godirwalk.Options{Callback: func(name string, entry *godirwalk.Dirent) error {
		if !entry.IsDir() && strings.HasPrefix(filepath.Base(name), digestFilePrefix) {
			return nil
		}
		return callback(name, entry)
	}})
}
