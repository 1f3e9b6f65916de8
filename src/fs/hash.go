package fs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/hashes"
)

// symlinkDigestTag is mixed into the hash for a symlink whose target is
// recorded by name rather than by content.
var symlinkDigestTag = []byte{2}

// SymlinkPolicy controls how the ContentHasher treats symlinks encountered
// during a scan.
type SymlinkPolicy int

const (
	// RejectEscaping fails the hash of any symlink whose target resolves
	// outside the module root. This is the default.
	RejectEscaping SymlinkPolicy = iota
	// FollowAll dereferences every symlink and hashes the target's contents.
	FollowAll
)

// ContentHasher hashes file content into hashes.Fingerprint values,
// memoizing by relative path and optionally persisting digests as xattrs so
// a rerun over an unchanged tree can skip rereading files.
type ContentHasher struct {
	root      string
	algo      hashes.Algorithm
	policy    SymlinkPolicy
	useXattrs bool
	xattrName string

	mutex sync.RWMutex
	memo  map[string]hashes.Fingerprint
	wait  map[string]*pendingHash

	tasks chan hashTask
}

type pendingHash struct {
	ch  chan struct{}
	fp  hashes.Fingerprint
	err error
}

type hashTask struct {
	path string
	ch   chan hashResult
}

type hashResult struct {
	fp  hashes.Fingerprint
	err error
}

// NewContentHasher returns a hasher rooted at root. parallelism controls how
// many files may be hashed concurrently when hashing a directory; 0 or 1
// means serial.
func NewContentHasher(root string, algo hashes.Algorithm, policy SymlinkPolicy, useXattrs bool, parallelism int) *ContentHasher {
	h := &ContentHasher{
		root:      root,
		algo:      algo,
		policy:    policy,
		useXattrs: useXattrs,
		xattrName: "user.buildcache_digest_" + string(algo),
		memo:      map[string]hashes.Fingerprint{},
		wait:      map[string]*pendingHash{},
	}
	if parallelism > 1 {
		h.tasks = make(chan hashTask, 10*parallelism)
		for i := 0; i < parallelism; i++ {
			go h.runWorker()
		}
	}
	return h
}

// Hash hashes a single path, relative to or within the hasher's root.
// Results are memoized by relative path; pass recalc to force a rehash.
func (ch *ContentHasher) Hash(path string, recalc bool) (hashes.Fingerprint, error) {
	rel := ch.relative(path)
	if !recalc {
		ch.mutex.RLock()
		cached, present := ch.memo[rel]
		ch.mutex.RUnlock()
		if present {
			return cached, nil
		}
	}
	if !PathExists(path) {
		return hashes.Fingerprint{}, cacheerr.InputIOError(path, os.ErrNotExist)
	}
	ch.mutex.Lock()
	if pending, present := ch.wait[rel]; present {
		ch.mutex.Unlock()
		<-pending.ch
		return pending.fp, pending.err
	}
	pending := &pendingHash{ch: make(chan struct{})}
	ch.wait[rel] = pending
	ch.mutex.Unlock()

	fp, err := ch.hash(path)

	ch.mutex.Lock()
	if err == nil {
		ch.memo[rel] = fp
	}
	delete(ch.wait, rel)
	ch.mutex.Unlock()

	pending.fp, pending.err = fp, err
	close(pending.ch)
	return fp, err
}

func (ch *ContentHasher) hash(path string) (hashes.Fingerprint, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return hashes.Fingerprint{}, cacheerr.InputIOError(path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return ch.hashSymlink(path)
	}
	if info.IsDir() {
		return ch.hashDir(path)
	}
	if ch.useXattrs {
		if fp, ok := ch.readXattrDigest(path); ok {
			return fp, nil
		}
	}
	fp, err := ch.fileHash(path)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	if ch.useXattrs {
		ch.writeXattrDigest(path, fp)
	}
	return fp, nil
}

func (ch *ContentHasher) hashSymlink(path string) (hashes.Fingerprint, error) {
	escapes, err := EscapesRoot(ch.root, path)
	if err != nil {
		return hashes.Fingerprint{}, cacheerr.InputIOError(path, err)
	}
	if escapes && ch.policy == RejectEscaping {
		return hashes.Fingerprint{}, cacheerr.InputIOError(path, errSymlinkEscapesRoot(path))
	}
	if ch.policy == FollowAll {
		return ch.fileHash(path)
	}
	dest, err := os.Readlink(path)
	if err != nil {
		return hashes.Fingerprint{}, cacheerr.InputIOError(path, err)
	}
	hasher, err := hashes.NewHasher(ch.algo)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	hasher.Update(symlinkDigestTag)
	hasher.UpdateString(dest)
	return hasher.Finish(), nil
}

func (ch *ContentHasher) hashDir(path string) (hashes.Fingerprint, error) {
	hasher, err := hashes.NewHasher(ch.algo)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	if ch.tasks == nil {
		err = WalkMode(path, func(p string, mode Mode) error {
			if mode.IsDir() {
				return nil
			}
			fp, err := ch.hash(p)
			if err != nil {
				return err
			}
			hasher.Update(fp.Bytes())
			return nil
		})
		if err != nil {
			return hashes.Fingerprint{}, err
		}
		return hasher.Finish(), nil
	}

	var tasks []hashTask
	if err := WalkMode(path, func(p string, mode Mode) error {
		if mode.IsDir() {
			return nil
		}
		t := hashTask{path: p, ch: make(chan hashResult, 1)}
		tasks = append(tasks, t)
		ch.tasks <- t
		return nil
	}); err != nil {
		return hashes.Fingerprint{}, err
	}
	for _, t := range tasks {
		result := <-t.ch
		if result.err != nil {
			return hashes.Fingerprint{}, result.err
		}
		hasher.Update(result.fp.Bytes())
	}
	return hasher.Finish(), nil
}

func (ch *ContentHasher) fileHash(filename string) (hashes.Fingerprint, error) {
	file, err := os.Open(filename)
	if err != nil {
		return hashes.Fingerprint{}, cacheerr.InputIOError(filename, err)
	}
	defer file.Close()
	hasher, err := hashes.NewHasher(ch.algo)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			hasher.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return hashes.Fingerprint{}, cacheerr.InputIOError(filename, err)
		}
	}
	return hasher.Finish(), nil
}

func (ch *ContentHasher) readXattrDigest(path string) (hashes.Fingerprint, bool) {
	b := ReadDigest(path, ch.xattrName, true)
	if b == nil {
		return hashes.Fingerprint{}, false
	}
	fp, err := hashes.ParseFingerprint(string(b))
	if err != nil {
		return hashes.Fingerprint{}, false
	}
	return fp, true
}

func (ch *ContentHasher) writeXattrDigest(path string, fp hashes.Fingerprint) {
	if err := RecordDigest(path, ch.xattrName, []byte(fp.String()), true); err != nil {
		log.Debug("Failed to memoize digest for %s: %s", path, err)
	}
}

func (ch *ContentHasher) relative(path string) string {
	if strings.HasPrefix(path, ch.root) {
		return strings.TrimLeft(strings.TrimPrefix(path, ch.root), string(filepath.Separator))
	}
	return path
}

func (ch *ContentHasher) runWorker() {
	for t := range ch.tasks {
		fp, err := ch.fileHash(t.path)
		t.ch <- hashResult{fp: fp, err: err}
	}
}

func errSymlinkEscapesRoot(path string) error {
	return &symlinkEscapeError{path: path}
}

type symlinkEscapeError struct{ path string }

func (e *symlinkEscapeError) Error() string {
	return "symlink " + e.path + " escapes module root"
}
