package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/fs"
)

// LocalStore is the filesystem BlobStore implementation, rooted under a
// configured directory. The unit of bookkeeping is one build-record
// directory; when more than maxLocalBuildsCached of them accumulate, the
// least recently accessed are evicted.
type LocalStore struct {
	root                 string
	maxLocalBuildsCached int

	mutex  sync.Mutex
	locked map[string]bool // paths currently referenced by the ongoing build; never evicted
}

// NewLocalStore returns a store rooted at root. maxLocalBuildsCached <= 0 means unbounded.
func NewLocalStore(root string, maxLocalBuildsCached int) (*LocalStore, error) {
	if err := os.MkdirAll(root, fs.DirPermissions); err != nil {
		return nil, cacheerr.StoreIOError("init", root, err)
	}
	return &LocalStore{root: root, maxLocalBuildsCached: maxLocalBuildsCached, locked: map[string]bool{}}, nil
}

// Writable always returns true for the local store.
func (s *LocalStore) Writable() bool { return true }

func (s *LocalStore) abs(p string) string { return filepath.Join(s.root, p) }

// Get reads the full contents of the blob at path.
func (s *LocalStore) Get(p string) ([]byte, bool, error) {
	s.markReferenced(p)
	data, err := os.ReadFile(s.abs(p))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cacheerr.StoreIOError("get", p, err)
	}
	return data, true, nil
}

// GetToFile transfers the blob at path into localTarget, hardlinking when
// the target shares a filesystem with the cache and copying otherwise.
func (s *LocalStore) GetToFile(p string, localTarget string) (bool, error) {
	s.markReferenced(p)
	full := s.abs(p)
	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, cacheerr.StoreIOError("get", p, err)
	}
	if err := fs.EnsureDir(localTarget); err != nil {
		return false, cacheerr.StoreIOError("get", p, err)
	}
	if err := fs.CopyOrLinkFile(full, localTarget, info.Mode(), 0, true, true); err != nil {
		return false, cacheerr.StoreIOError("get", p, err)
	}
	return true, nil
}

// Put writes data at path, creating parent directories as needed.
func (s *LocalStore) Put(p string, data []byte) error {
	full := s.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), fs.DirPermissions); err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	if err := atomicWrite(full, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	s.markReferenced(p)
	return nil
}

// PutFile transfers localFile into the cache, hardlinking with a copy
// fallback; the copy path writes via a temp file and rename.
func (s *LocalStore) PutFile(p string, localFile string) error {
	full := s.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), fs.DirPermissions); err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	info, err := os.Lstat(localFile)
	if err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	if err := fs.CopyOrLinkFile(localFile, full, info.Mode(), 0, true, true); err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	s.markReferenced(p)
	return nil
}

// PutIfAbsent implements the at-most-one-writer primitive via a
// temp-file-then-rename into place guarded by O_EXCL on the final name.
func (s *LocalStore) PutIfAbsent(p string, data []byte) (bool, error) {
	full := s.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), fs.DirPermissions); err != nil {
		return false, cacheerr.StoreIOError("put-if-absent", p, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, cacheerr.StoreIOError("put-if-absent", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return false, cacheerr.StoreIOError("put-if-absent", p, err)
	}
	s.markReferenced(p)
	return true, nil
}

// Delete removes the blob at path.
func (s *LocalStore) Delete(p string) error {
	if err := os.Remove(s.abs(p)); err != nil && !os.IsNotExist(err) {
		return cacheerr.StoreIOError("delete", p, err)
	}
	return nil
}

// markReferenced protects a path from eviction for the remainder of this process's build.
func (s *LocalStore) markReferenced(p string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.locked[recordDirFor(p)] = true
}

func (s *LocalStore) isReferenced(dir string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.locked[dir]
}

// recordDirFor returns the build-record directory ("v<ver>/<group>/<artifact>/<fingerprint>")
// that owns an artifact or record path, which is the unit of LRU eviction.
func recordDirFor(p string) string {
	parts := strings.Split(filepath.ToSlash(p), "/")
	if len(parts) <= 4 {
		return filepath.ToSlash(p)
	}
	return strings.Join(parts[:4], "/")
}

// buildEntry is one cached build directory considered for eviction.
type buildEntry struct {
	dir   string
	size  int64
	atime int64
}

// Evict runs LRU eviction of cached build directories down to
// maxLocalBuildsCached, skipping any directory currently referenced by this
// build. It is safe to call periodically or once per top-level build.
func (s *LocalStore) Evict() error {
	if s.maxLocalBuildsCached <= 0 {
		return nil
	}
	entries, err := s.buildDirs()
	if err != nil {
		return cacheerr.StoreIOError("evict", s.root, err)
	}
	if len(entries) <= s.maxLocalBuildsCached {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].atime < entries[j].atime })
	toRemove := len(entries) - s.maxLocalBuildsCached
	var removed int
	for _, e := range entries {
		if removed >= toRemove {
			break
		}
		if s.isReferenced(e.dir) {
			continue
		}
		full := filepath.Join(s.root, e.dir)
		log.Debug("Evicting %s (%s)", e.dir, humanize.Bytes(uint64(e.size)))
		if err := os.RemoveAll(full); err != nil {
			log.Warning("Failed to evict %s: %s", e.dir, err)
			continue
		}
		removed++
	}
	return nil
}

// buildDirs walks the store and returns every "<group>/<artifact>/<fingerprint>"
// directory beneath each "v<version>" root, with size and last-access time.
func (s *LocalStore) buildDirs() ([]buildEntry, error) {
	var entries []buildEntry
	versions, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	for _, v := range versions {
		if !v.IsDir() {
			continue
		}
		groupsRoot := filepath.Join(s.root, v.Name())
		groups, err := os.ReadDir(groupsRoot)
		if err != nil {
			continue
		}
		for _, g := range groups {
			artifactsRoot := filepath.Join(groupsRoot, g.Name())
			artifacts, err := os.ReadDir(artifactsRoot)
			if err != nil {
				continue
			}
			for _, a := range artifacts {
				fpsRoot := filepath.Join(artifactsRoot, a.Name())
				fps, err := os.ReadDir(fpsRoot)
				if err != nil {
					continue
				}
				for _, fp := range fps {
					dir := filepath.Join(v.Name(), g.Name(), a.Name(), fp.Name())
					size, lastAccess, err := dirStats(filepath.Join(s.root, dir))
					if err != nil {
						continue
					}
					entries = append(entries, buildEntry{dir: dir, size: size, atime: lastAccess})
				}
			}
		}
	}
	return entries, nil
}

func dirStats(dir string) (size int64, lastAccess int64, err error) {
	err = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		size += info.Size()
		if a := atime.Get(info).UnixNano(); a > lastAccess {
			lastAccess = a
		}
		return nil
	})
	return size, lastAccess, err
}

func atomicWrite(dest string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
