// Package dispatch fans one logical event out to every enabled delivery
// channel and keeps a short-lived audit log of the sends.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/idempotency"
)

// Options selects the channels and the audit window.
type Options struct {
	GTM            bool
	Server         bool
	Pixel          bool
	Window         time.Duration
	SweepInterval  time.Duration
	ChannelTimeout time.Duration
}

func (o Options) enabled(ch domain.Channel) bool {
	switch ch {
	case domain.ChannelGTM:
		return o.GTM
	case domain.ChannelServer:
		return o.Server
	case domain.ChannelPixel:
		return o.Pixel
	}
	return false
}

// RecordSink receives every finished record, e.g. the audit log writer.
type RecordSink interface {
	Enqueue(rec domain.EventRecord) bool
}

// ChannelResult is the outcome of one channel.
type ChannelResult struct {
	EventID string        `json:"event_id"`
	Status  domain.Status `json:"status"`
	Error   string        `json:"error,omitempty"`
}

// Result aggregates a send; Success means at least one channel delivered.
type Result struct {
	EventName domain.EventName                 `json:"event_name"`
	EventID   string                           `json:"event_id"`
	Success   bool                             `json:"success"`
	Repeat    bool                             `json:"repeat"`
	Channels  map[domain.Channel]ChannelResult `json:"channels"`
}

// Manager is constructed once at startup and shared by all requests.
type Manager struct {
	opts     Options
	channels []Channel
	registry *Registry
	sink     RecordSink
	logger   *slog.Logger
	Now      func() time.Time
}

func NewManager(opts Options, channels []Channel, sink RecordSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChannelTimeout <= 0 {
		opts.ChannelTimeout = 10 * time.Second
	}
	return &Manager{
		opts:     opts,
		channels: channels,
		registry: NewRegistry(opts.Window),
		sink:     sink,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// Enabled lists the channels a send would use.
func (m *Manager) Enabled() []domain.Channel {
	var out []domain.Channel
	for _, ch := range m.channels {
		if m.opts.enabled(ch.Name()) {
			out = append(out, ch.Name())
		}
	}
	return out
}

// Start runs the periodic sweep until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go m.registry.Run(ctx, m.opts.SweepInterval, m.Now, func(n int) {
		if n > 0 {
			m.logger.Debug("event registry swept", "removed", n, "remaining", m.registry.Len())
		}
	})
}

// SendEvent sends one logical event through every enabled channel
// concurrently. It never fails; per-channel failures are in the result.
func (m *Manager) SendEvent(ctx context.Context, name domain.EventName, p domain.Payload, dl *DataLayer) Result {
	now := m.Now()
	shared := idempotency.BaseEventID(name, now)
	fp := idempotency.Fingerprint(name, &p)
	res := Result{
		EventName: name,
		EventID:   shared,
		Repeat:    m.registry.Seen(fp),
		Channels:  map[domain.Channel]ChannelResult{},
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, ch := range m.channels {
		if !m.opts.enabled(ch.Name()) {
			continue
		}
		id := idempotency.ChannelEventID(shared, ch.Name())
		data := p
		m.registry.Register(domain.EventRecord{
			EventID:     id,
			EventName:   name,
			Timestamp:   now,
			Channel:     ch.Name(),
			Data:        &data,
			Status:      domain.StatusPending,
			Fingerprint: fp,
		})

		g.Go(func() error {
			err := m.sendOne(ctx, ch, Envelope{Name: name, ChannelID: id, SharedID: shared, Payload: p, DataLayer: dl})
			status, msg := domain.StatusSent, ""
			if err != nil {
				status, msg = domain.StatusFailed, err.Error()
				m.logger.Warn("channel send failed", "channel", ch.Name(), "event", name, "event_id", id, "error", err)
			}
			if rec, ok := m.registry.Update(id, status, msg); ok && m.sink != nil {
				if !m.sink.Enqueue(rec) {
					m.logger.Warn("audit queue full, record dropped", "event_id", id)
				}
			}
			mu.Lock()
			res.Channels[ch.Name()] = ChannelResult{EventID: id, Status: status, Error: msg}
			if status == domain.StatusSent {
				res.Success = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("event dispatched", "event", name, "event_id", shared, "success", res.Success, "channels", len(res.Channels))
	return res
}

// sendOne isolates a channel: its panics and timeouts stay local.
func (m *Manager) sendOne(ctx context.Context, ch Channel, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.opts.ChannelTimeout)
	defer cancel()
	return ch.Send(ctx, env)
}
