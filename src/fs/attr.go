package fs

import (
	"os"
	"path/filepath"

	"github.com/pkg/xattr"
)

// digestFilePrefix names the sidecar files used to memoize content digests
// on filesystems without xattr support. The input scanner skips them.
const digestFilePrefix = ".digest_"

// RecordDigest memoizes a file's content digest on the file itself, using an
// xattr if available, otherwise falling back to a sidecar file next to it.
func RecordDigest(filename, xattrName string, digest []byte, xattrsEnabled bool) error {
	if !xattrsEnabled {
		return recordDigestFile(filename, digest)
	}
	if err := xattr.LSet(filename, xattrName, digest); err != nil {
		if IsSymlink(filename) {
			// On Linux at least, symlinks don't accept xattrs.
			return recordDigestFile(filename, digest)
		} else if os.IsPermission(err.(*xattr.Error).Err) {
			// Can't set xattrs without write permission... attempt to cheekily chmod it first.
			if info, err := os.Lstat(filename); err == nil {
				if err := os.Chmod(filename, info.Mode()|0200); err == nil {
					defer os.Chmod(filename, info.Mode())
					return xattr.LSet(filename, xattrName, digest)
				}
			}
		}
		return err
	}
	return nil
}

// ReadDigest reads a previously memoized digest for the given file. It
// returns nil if none has been recorded.
func ReadDigest(filename, xattrName string, xattrsEnabled bool) []byte {
	if !xattrsEnabled {
		return readDigestFile(filename)
	}
	b, err := xattr.LGet(filename, xattrName)
	if err != nil {
		if IsSymlink(filename) {
			// Symlinks can't take xattrs on Linux. We stash it on the sidecar file instead.
			return readDigestFile(filename)
		} else if e2 := err.(*xattr.Error).Err; !os.IsNotExist(e2) && e2 != xattr.ENOATTR {
			log.Warning("Failed to read digest for %s: %s", filename, err)
		}
		return nil
	}
	return b
}

// recordDigestFile is the fallback for RecordDigest when xattrs aren't available.
func recordDigestFile(filename string, digest []byte) error {
	return os.WriteFile(digestFileName(filename), digest, 0644)
}

// readDigestFile pairs with recordDigestFile to read the same files it writes.
func readDigestFile(filename string) []byte {
	b, _ := os.ReadFile(digestFileName(filename))
	return b
}

func digestFileName(filename string) string {
	dir, file := filepath.Split(filename)
	return dir + digestFilePrefix + file
}
