package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/landingtrack/internal/domain"
)

// Registry is the short-lived audit log of channel sends. Records older than
// the window are removed by Sweep; it never blocks a send.
type Registry struct {
	mu            sync.Mutex
	records       map[string]*domain.EventRecord
	byFingerprint map[string]int
	window        time.Duration
}

func NewRegistry(window time.Duration) *Registry {
	if window <= 0 {
		window = domain.DefaultWindow
	}
	return &Registry{
		records:       map[string]*domain.EventRecord{},
		byFingerprint: map[string]int{},
		window:        window,
	}
}

// Register stores rec under its event id.
func (r *Registry) Register(rec domain.EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.records[rec.EventID]; ok {
		r.forget(old.Fingerprint)
	}
	r.records[rec.EventID] = &rec
	r.byFingerprint[rec.Fingerprint]++
}

// Seen reports whether an event with this fingerprint is inside the window.
func (r *Registry) Seen(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byFingerprint[fingerprint] > 0
}

func (r *Registry) forget(fingerprint string) {
	if r.byFingerprint[fingerprint]--; r.byFingerprint[fingerprint] <= 0 {
		delete(r.byFingerprint, fingerprint)
	}
}

// Update sets the final status of a record and returns a copy of it.
func (r *Registry) Update(eventID string, status domain.Status, errMsg string) (domain.EventRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[eventID]
	if !ok {
		return domain.EventRecord{}, false
	}
	rec.Status = status
	rec.Error = errMsg
	return *rec, true
}

// Get returns a copy of the record with eventID.
func (r *Registry) Get(eventID string) (domain.EventRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[eventID]
	if !ok {
		return domain.EventRecord{}, false
	}
	return *rec, true
}

// Sweep deletes records older than the window and returns how many.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if now.Sub(rec.Timestamp) > r.window {
			delete(r.records, id)
			r.forget(rec.Fingerprint)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, now func() time.Time, onSweep func(int)) {
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
			if n := r.Sweep(now()); onSweep != nil {
				onSweep(n)
			}
		}
	}
}

// Records returns the live records, oldest first.
func (r *Registry) Records() []domain.EventRecord {
	r.mu.Lock()
	out := make([]domain.EventRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Stats counts live records per channel and status.
type Stats map[domain.Channel]map[domain.Status]int

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{}
	for _, rec := range r.records {
		if s[rec.Channel] == nil {
			s[rec.Channel] = map[domain.Status]int{}
		}
		s[rec.Channel][rec.Status]++
	}
	return s
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
