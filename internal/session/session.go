// Package session keeps the per-session storage and the per-page-load
// tracking state: dataLayer queue, one-shot gate and engagement tracker.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/landingtrack/internal/dispatch"
	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/engagement"
	"example.com/landingtrack/internal/storage"
)

// DefaultIdleTTL is how long an untouched session or page is kept.
const DefaultIdleTTL = 30 * time.Minute

// Gate decides whether an event may fire on a page load. It is the only
// place that remembers which events already fired.
type Gate struct {
	mu    sync.Mutex
	fired map[domain.EventName]time.Time
}

func NewGate() *Gate { return &Gate{fired: map[domain.EventName]time.Time{}} }

// TryFire returns true exactly once per name.
func (g *Gate) TryFire(name domain.EventName) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.fired[name]; ok {
		return false
	}
	g.fired[name] = time.Now()
	return true
}

func (g *Gate) Fired(name domain.EventName) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.fired[name]
	return ok
}

// Release reopens the gate for name, used when a send delivered nowhere.
func (g *Gate) Release(name domain.EventName) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.fired, name)
}

// Page is the tracking state of one page load.
type Page struct {
	ID         string
	SessionID  string
	DataLayer  *dispatch.DataLayer
	Gate       *Gate
	Engagement *engagement.Tracker
	Created    time.Time

	lastSeen time.Time
}

type sessionEntry struct {
	kv       *storage.MemoryKV
	lastSeen time.Time
}

// Registry holds sessions and pages in memory and evicts idle ones.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	pages    map[string]*Page
	ttl      time.Duration
	Now      func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Registry{
		sessions: map[string]*sessionEntry{},
		pages:    map[string]*Page{},
		ttl:      ttl,
		Now:      time.Now,
	}
}

// Session returns the storage of session id, creating a new session with a
// fresh id when id is empty or unknown.
func (r *Registry) Session(id string) (string, storage.KV) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	if s, ok := r.sessions[id]; ok && id != "" {
		s.lastSeen = now
		return id, s.kv
	}
	id = uuid.NewString()
	s := &sessionEntry{kv: storage.NewMemoryKV(), lastSeen: now}
	r.sessions[id] = s
	return id, s.kv
}

// Page returns the page load pageID of sessionID. An empty, unknown or
// foreign page id starts a new page load; created reports that.
func (r *Registry) Page(sessionID, pageID string) (p *Page, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	if p, ok := r.pages[pageID]; ok && p.SessionID == sessionID {
		p.lastSeen = now
		return p, false
	}
	p = &Page{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		DataLayer:  dispatch.NewDataLayer(),
		Gate:       NewGate(),
		Engagement: engagement.NewTracker(),
		Created:    now,
		lastSeen:   now,
	}
	r.pages[p.ID] = p
	return p, true
}

// Sweep evicts sessions and pages idle for longer than the TTL.
func (r *Registry) Sweep(now time.Time) (sessions, pages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.ttl {
			delete(r.sessions, id)
			sessions++
		}
	}
	for id, p := range r.pages {
		if now.Sub(p.lastSeen) > r.ttl {
			delete(r.pages, id)
			pages++
		}
	}
	return sessions, pages
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSweep func(sessions, pages int)) {
	if interval <= 0 {
		interval = domain.DefaultSweep
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s, p := r.Sweep(r.Now())
			if onSweep != nil {
				onSweep(s, p)
			}
		}
	}
}

// Counts returns the number of live sessions and pages.
func (r *Registry) Counts() (sessions, pages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.pages)
}
