// Package engagement turns scroll positions and time on page into one-shot
// engagement signals.
package engagement

import (
	"context"
	"math"
	"sync"
	"time"

	"example.com/landingtrack/internal/domain"
)

var (
	ScrollThresholds = []int{25, 50, 75, 90}
	TimeMilestones   = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second}
)

const (
	highIntentScroll = 75
	highIntentTime   = 120 * time.Second
)

// Signal is an engagement event to report.
type Signal struct {
	Name  domain.EventName `json:"event_name"`
	Value int              `json:"value"`
	// Trigger says what caused a high-intent signal: "scroll" or "time".
	Trigger string `json:"trigger,omitempty"`
}

// Tracker holds the engagement state of one page load. Each threshold,
// milestone and the high-intent signal fire at most once.
type Tracker struct {
	mu          sync.Mutex
	scrollFired map[int]bool
	timeFired   map[time.Duration]bool
	highIntent  bool
	maxScroll   int
	elapsed     time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{scrollFired: map[int]bool{}, timeFired: map[time.Duration]bool{}}
}

// Percentage is scrollTop / (scrollHeight - clientHeight) * 100, rounded and
// clamped to [0,100]. A page that cannot scroll reports ok=false.
func Percentage(scrollTop, scrollHeight, clientHeight float64) (int, bool) {
	den := scrollHeight - clientHeight
	if den <= 0 || math.IsNaN(scrollTop) {
		return 0, false
	}
	p := math.Round(scrollTop / den * 100)
	return int(math.Max(0, math.Min(100, p))), true
}

// Scroll records a scroll position and returns the signals it crossed.
func (t *Tracker) Scroll(scrollTop, scrollHeight, clientHeight float64) []Signal {
	pct, ok := Percentage(scrollTop, scrollHeight, clientHeight)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > t.maxScroll {
		t.maxScroll = pct
	}
	var out []Signal
	for _, th := range ScrollThresholds {
		if pct >= th && !t.scrollFired[th] {
			t.scrollFired[th] = true
			out = append(out, Signal{Name: domain.EventScrollDepth, Value: th})
		}
	}
	if pct >= highIntentScroll {
		out = t.fireHighIntent(out, "scroll")
	}
	return out
}

// Elapsed records total time on page and returns the milestones reached.
// Time never moves backwards.
func (t *Tracker) Elapsed(total time.Duration) []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if total > t.elapsed {
		t.elapsed = total
	}
	return t.timeSignals()
}

// Advance adds d to the time on page.
func (t *Tracker) Advance(d time.Duration) []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed += d
	return t.timeSignals()
}

func (t *Tracker) timeSignals() []Signal {
	var out []Signal
	for _, m := range TimeMilestones {
		if t.elapsed >= m && !t.timeFired[m] {
			t.timeFired[m] = true
			out = append(out, Signal{Name: domain.EventTimeOnPage, Value: int(m / time.Second)})
		}
	}
	if t.elapsed >= highIntentTime {
		out = t.fireHighIntent(out, "time")
	}
	return out
}

func (t *Tracker) fireHighIntent(out []Signal, trigger string) []Signal {
	if t.highIntent {
		return out
	}
	t.highIntent = true
	v := t.maxScroll
	if trigger == "time" {
		v = int(t.elapsed / time.Second)
	}
	return append(out, Signal{Name: domain.EventHighIntent, Value: v, Trigger: trigger})
}

// Run advances the clock every interval and emits the signals it produces,
// until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, emit func(Signal)) {
	if interval <= 0 {
		interval = time.Second
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			for _, s := range t.Advance(interval) {
				emit(s)
			}
		}
	}
}

// Snapshot is the current engagement state.
type Snapshot struct {
	MaxScroll  int   `json:"max_scroll"`
	Seconds    int64 `json:"seconds"`
	HighIntent bool  `json:"high_intent"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{MaxScroll: t.maxScroll, Seconds: int64(t.elapsed / time.Second), HighIntent: t.highIntent}
}
