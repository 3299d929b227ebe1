package dispatch

import (
	"sync"

	"example.com/landingtrack/internal/domain"
)

// DataLayerEntry is one object for window.dataLayer.push.
type DataLayerEntry struct {
	Event      string            `json:"event"`
	EventID    string            `json:"event_id"`
	UserData   domain.UserData   `json:"user_data"`
	CustomData domain.CustomData `json:"custom_data"`
}

// DataLayer is the GTM event queue of one page load. The browser drains it
// and replays the entries into window.dataLayer.
type DataLayer struct {
	mu      sync.Mutex
	entries []DataLayerEntry
}

func NewDataLayer() *DataLayer { return &DataLayer{} }

func (d *DataLayer) Push(e DataLayerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

// Drain returns the queued entries and empties the queue.
func (d *DataLayer) Drain() []DataLayerEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.entries
	d.entries = nil
	return out
}

func (d *DataLayer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
