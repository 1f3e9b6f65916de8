package fs

import (
	"os"
	"path/filepath"
)

// CopyOrLinkFile either copies or hardlinks a file based on the link argument.
// Falls back to a copy if link fails and fallback is true. The local blob
// store moves artifacts in and out of the cache this way: a hardlink when the
// cache shares a filesystem with the build, a copy otherwise.
func CopyOrLinkFile(from, to string, fromMode, toMode os.FileMode, link, fallback bool) error {
	if link {
		if IsSameFile(from, to) {
			// Already hardlinked, e.g. by an earlier restore of the same
			// artifact into an unchanged output directory.
			return nil
		}
		if (fromMode & os.ModeSymlink) != 0 {
			// Don't try to hard-link to a symlink, that doesn't work reliably across all platforms.
			// Instead recreate an equivalent symlink in the new location.
			dest, err := os.Readlink(from)
			if err != nil {
				return err
			}
			return os.Symlink(dest, to)
		}
		if err := os.Link(from, to); err == nil || !fallback {
			return err
		}

		// Linking would ignore toMode, using the same mode as the from file. We should make the fallback work the same
		// here.
		info, err := os.Lstat(from)
		if err != nil {
			return err
		}
		toMode = info.Mode()
	}
	return CopyFile(from, to, toMode)
}

// RecursiveCopy copies either a single file or a directory.
// 'mode' is the mode of the destination file.
func RecursiveCopy(from string, to string, mode os.FileMode) error {
	info, err := os.Lstat(from)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return WalkMode(from, func(name string, fileMode Mode) error {
			dest := filepath.Join(to, name[len(from):])
			if fileMode.IsDir() {
				return os.MkdirAll(dest, DirPermissions)
			}
			if fileMode.IsSymlink() {
				resolved, err := os.Readlink(name)
				if err != nil {
					return err
				}
				return os.Symlink(resolved, dest)
			}
			return CopyOrLinkFile(name, dest, fileMode.ModeType(), mode, false, false)
		})
	}
	return CopyOrLinkFile(from, to, info.Mode(), mode, false, false)
}
