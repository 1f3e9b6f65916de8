package cache

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// A Session is one pooled remote transport handle. Sessions are acquired
// before every remote operation and returned on completion, including error
// paths.
type Session struct {
	client *http.Client
}

// Do performs one HTTP request on this session's transport.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// Get performs one HTTP GET on this session's transport.
func (s *Session) Get(url string) (*http.Response, error) {
	return s.client.Get(url)
}

// SessionPool hands out transport sessions to remote-store workers. It has
// no hard size cap: it grows on demand when every pooled session is in use,
// and is drained on shutdown.
type SessionPool struct {
	mutex   sync.Mutex
	idle    []*Session
	drained bool

	connectTimeout time.Duration
	requestTimeout time.Duration
}

// NewSessionPool returns an empty pool whose sessions carry the given
// connect and request timeouts.
func NewSessionPool(connectTimeout, requestTimeout time.Duration) *SessionPool {
	return &SessionPool{connectTimeout: connectTimeout, requestTimeout: requestTimeout}
}

// Acquire returns an idle session, or creates a new one when none is free.
func (p *SessionPool) Acquire() *Session {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return s
	}
	return p.newSession()
}

// Release returns a session to the pool. Sessions released after Drain are
// closed rather than pooled.
func (p *SessionPool) Release(s *Session) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.drained {
		s.client.CloseIdleConnections()
		return
	}
	p.idle = append(p.idle, s)
}

// Drain shuts the pool down: every idle session's connections are closed and
// later releases close immediately instead of pooling.
func (p *SessionPool) Drain() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.drained = true
	for _, s := range p.idle {
		s.client.CloseIdleConnections()
	}
	p.idle = nil
}

// Size returns how many sessions are currently idle in the pool.
func (p *SessionPool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.idle)
}

func (p *SessionPool) newSession() *Session {
	dialer := &net.Dialer{Timeout: p.connectTimeout}
	return &Session{client: &http.Client{
		Timeout:   p.requestTimeout,
		Transport: &http.Transport{DialContext: dialer.DialContext},
	}}
}
