package cache

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/thought-machine/buildcache/src/cacheerr"
)

// RemoteStore is a thin wrapper over an HTTP transport, read-only unless
// configured to save, and honoring an offline flag that turns every read
// into "absent" and every write into a no-op. A failed transfer is never
// retried here; callers treat read errors as absent and write errors as a
// skipped save. Transport handles come from a shared SessionPool: one
// session is acquired per operation and returned on completion, including
// error paths.
type RemoteStore struct {
	baseURL  string
	writable bool
	offline  bool
	pool     *SessionPool
}

// RemoteStoreConfig configures NewRemoteStore.
type RemoteStoreConfig struct {
	BaseURL        string
	Writable       bool
	Offline        bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// NewRemoteStore returns a RemoteStore for the given config.
func NewRemoteStore(cfg RemoteStoreConfig) *RemoteStore {
	return &RemoteStore{
		baseURL:  cfg.BaseURL,
		writable: cfg.Writable,
		offline:  cfg.Offline,
		pool:     NewSessionPool(cfg.ConnectTimeout, cfg.RequestTimeout),
	}
}

// Writable reports whether this remote is configured to accept writes.
func (s *RemoteStore) Writable() bool { return s.writable }

// Shutdown drains the transport session pool.
func (s *RemoteStore) Shutdown() { s.pool.Drain() }

func (s *RemoteStore) url(p string) string { return s.baseURL + "/" + p }

// Get fetches the full contents of the blob at path.
func (s *RemoteStore) Get(p string) ([]byte, bool, error) {
	if s.offline {
		return nil, false, nil
	}
	session := s.pool.Acquire()
	defer s.pool.Release(session)
	resp, err := session.Get(s.url(p))
	if err != nil {
		return nil, false, cacheerr.StoreIOError("get", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, cacheerr.StoreIOError("get", p, unexpectedStatus(resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, cacheerr.StoreIOError("get", p, err)
	}
	return data, true, nil
}

// GetToFile streams the blob at path into localTarget.
func (s *RemoteStore) GetToFile(p string, localTarget string) (bool, error) {
	data, ok, err := s.Get(p)
	if err != nil || !ok {
		return ok, err
	}
	if err := os.WriteFile(localTarget, data, 0644); err != nil {
		return false, cacheerr.StoreIOError("get", p, err)
	}
	return true, nil
}

// Put uploads data to path. A no-op, logged, when offline or not writable.
func (s *RemoteStore) Put(p string, data []byte) error {
	if !s.writable || s.offline {
		log.Debug("Skipping remote put of %s (writable=%v offline=%v)", p, s.writable, s.offline)
		return nil
	}
	req, err := http.NewRequest(http.MethodPut, s.url(p), bytes.NewReader(data))
	if err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	session := s.pool.Acquire()
	defer s.pool.Release(session)
	resp, err := session.Do(req)
	if err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return cacheerr.StoreIOError("put", p, unexpectedStatus(resp.StatusCode))
	}
	return nil
}

// PutFile uploads localFile's contents to path.
func (s *RemoteStore) PutFile(p string, localFile string) error {
	data, err := os.ReadFile(localFile)
	if err != nil {
		return cacheerr.StoreIOError("put", p, err)
	}
	return s.Put(p, data)
}

// PutIfAbsent uses a conditional PUT (If-None-Match: *) where the transport
// supports it. created=false, err=nil on a 412 Precondition Failed response.
func (s *RemoteStore) PutIfAbsent(p string, data []byte) (bool, error) {
	if !s.writable || s.offline {
		return false, nil
	}
	req, err := http.NewRequest(http.MethodPut, s.url(p), bytes.NewReader(data))
	if err != nil {
		return false, cacheerr.StoreIOError("put-if-absent", p, err)
	}
	req.Header.Set("If-None-Match", "*")
	session := s.pool.Acquire()
	defer s.pool.Release(session)
	resp, err := session.Do(req)
	if err != nil {
		return false, cacheerr.StoreIOError("put-if-absent", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, cacheerr.StoreIOError("put-if-absent", p, unexpectedStatus(resp.StatusCode))
	}
	return true, nil
}

// Delete is unsupported remotely; the store never evicts.
func (s *RemoteStore) Delete(p string) error { return nil }

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }

func unexpectedStatus(code int) error { return statusError(code) }
