package capi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/idempotency"
)

// Relay hashes inbound events and forwards them with the server-held token.
type Relay struct {
	Client        *Client
	TestEventCode string
	// Window is how long an inbound key is remembered. Repeats are forwarded
	// anyway; Facebook deduplicates on event_id.
	Window        time.Duration
	Now           func() time.Time
	Logger        *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewRelay(c *Client, testCode string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Client:        c,
		TestEventCode: testCode,
		Window:        domain.DefaultWindow,
		Now:           func() time.Time { return time.Now().UTC() },
		Logger:        logger,
		seen:          map[string]time.Time{},
	}
}

// Result is what the relay reports back to its caller.
type Result struct {
	Payload  Payload
	Response json.RawMessage
	// Repeat is set when the same key came through within Window.
	Repeat bool
}

// Forward builds the payload and sends it once.
func (r *Relay) Forward(ctx context.Context, req RelayRequest) (Result, error) {
	now := r.Now()
	p := BuildPayload(req, now, r.TestEventCode)
	res := Result{Payload: p}

	key, src := idempotency.DeriveKey(req.EventID, domain.EventName(req.EventName),
		&domain.Payload{UserData: req.UserData, CustomData: req.CustomData, SourceURL: req.EventSourceURL})
	if res.Repeat = r.remember(key, now); res.Repeat {
		r.Logger.Info("repeated relay event",
			"event_name", p.Data[0].EventName, "key", key, "key_source", src)
	}

	body, err := r.Client.Send(ctx, req.PixelID, p)
	if err != nil {
		r.Logger.Warn("conversions api forward failed",
			"event_name", p.Data[0].EventName, "event_id", req.EventID, "error", err)
		return res, err
	}
	r.Logger.Info("conversions api event forwarded",
		"event_name", p.Data[0].EventName, "event_id", req.EventID)
	res.Response = body
	return res, nil
}

// remember records key and reports whether it was already seen within the
// window. Expired keys are dropped on the way.
func (r *Relay) remember(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]time.Time{}
	}
	for k, at := range r.seen {
		if now.Sub(at) >= r.Window {
			delete(r.seen, k)
		}
	}
	_, repeat := r.seen[key]
	r.seen[key] = now
	return repeat
}
