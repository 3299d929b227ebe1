package domain

import "time"

// EventName is the internal (snake_case) name of a logical tracking event.
type EventName string

const (
	EventPageView         EventName = "page_view"
	EventViewContent      EventName = "view_content"
	EventInitiateCheckout EventName = "initiate_checkout"

	// engagement events
	EventScrollDepth EventName = "scroll_depth"
	EventTimeOnPage  EventName = "time_on_page"
	EventHighIntent  EventName = "high_intent"
)

var facebookNames = map[EventName]string{
	EventPageView:         "PageView",
	EventViewContent:      "ViewContent",
	EventInitiateCheckout: "InitiateCheckout",
}

// FacebookName maps the internal name onto the Facebook event taxonomy.
// Names without a standard counterpart are sent as custom events unchanged.
func (n EventName) FacebookName() string {
	if fb, ok := facebookNames[n]; ok {
		return fb
	}
	return string(n)
}

// Standard reports whether n is one of the page-level conversion events.
func (n EventName) Standard() bool {
	_, ok := facebookNames[n]
	return ok
}

// ParseEventName accepts both the internal and the Facebook spelling.
func ParseEventName(s string) (EventName, bool) {
	n := EventName(s)
	switch n {
	case EventPageView, EventViewContent, EventInitiateCheckout,
		EventScrollDepth, EventTimeOnPage, EventHighIntent:
		return n, true
	}
	for k, v := range facebookNames {
		if v == s {
			return k, true
		}
	}
	return "", false
}

// Channel is a delivery channel of the dispatcher.
type Channel string

const (
	ChannelGTM    Channel = "gtm"
	ChannelServer Channel = "server"
	ChannelPixel  Channel = "fb-pixel-direct"
)

// Status is the per-channel delivery state of an event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// EventRecord is the dispatcher's audit entry for one channel send.
type EventRecord struct {
	EventID     string    `json:"event_id"`
	EventName   EventName `json:"event_name"`
	Timestamp   time.Time `json:"timestamp"`
	Channel     Channel   `json:"channel"`
	Data        *Payload  `json:"data,omitempty"`
	Status      Status    `json:"status"`
	Fingerprint string    `json:"fingerprint"`
	Error       string    `json:"error,omitempty"`
}

// Payload is the canonical body of a logical event.
type Payload struct {
	UserData   UserData   `json:"user_data"`
	CustomData CustomData `json:"custom_data"`
	SourceURL  string     `json:"event_source_url,omitempty"`
}

// Limits on inbound tracking requests.
const (
	MaxEventIDLen    = 128
	MaxURLLen        = 2048
	MaxFieldLen      = 256
	DefaultWindow    = 5 * time.Minute
	DefaultSweep     = time.Minute
	IdentifierMaxAge = 90 * 24 * time.Hour
)
