package engagement

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/landingtrack/internal/domain"
)

func count(signals []Signal, name domain.EventName, value int) int {
	n := 0
	for _, s := range signals {
		if s.Name == name && (value < 0 || s.Value == value) {
			n++
		}
	}
	return n
}

func TestScrollToEightyPercentFiresOnce(t *testing.T) {
	tr := NewTracker()
	var all []Signal
	// 80% of a 2000px page with a 1000px viewport
	all = append(all, tr.Scroll(800, 2000, 1000)...)
	all = append(all, tr.Scroll(800, 2000, 1000)...)
	all = append(all, tr.Scroll(790, 2000, 1000)...)

	if n := count(all, domain.EventScrollDepth, 75); n != 1 {
		t.Fatalf("scroll 75 fired %d times", n)
	}
	if n := count(all, domain.EventHighIntent, -1); n != 1 {
		t.Fatalf("high intent fired %d times", n)
	}
	if n := count(all, domain.EventScrollDepth, 90); n != 0 {
		t.Fatal("90 must not fire at 80%")
	}
	if n := count(all, domain.EventScrollDepth, -1); n != 3 {
		t.Fatalf("expected 25/50/75, got %d scroll signals", n)
	}
}

func TestPercentageClamp(t *testing.T) {
	cases := []struct {
		top, height, client float64
		want                int
		ok                  bool
	}{
		{0, 2000, 1000, 0, true},
		{500, 2000, 1000, 50, true},
		{1500, 2000, 1000, 100, true},
		{-20, 2000, 1000, 0, true},
		{333, 2000, 1000, 33, true},
		{0, 800, 1000, 0, false},
	}
	for _, c := range cases {
		got, ok := Percentage(c.top, c.height, c.client)
		if got != c.want || ok != c.ok {
			t.Errorf("Percentage(%v,%v,%v) = %d %v", c.top, c.height, c.client, got, ok)
		}
	}
}

func TestTimeMilestones(t *testing.T) {
	tr := NewTracker()
	var all []Signal
	for i := 0; i < 130; i++ {
		all = append(all, tr.Advance(time.Second)...)
	}
	for _, v := range []int{30, 60, 120} {
		if n := count(all, domain.EventTimeOnPage, v); n != 1 {
			t.Fatalf("milestone %d fired %d times", v, n)
		}
	}
	if count(all, domain.EventTimeOnPage, 300) != 0 {
		t.Fatal("300s must not fire yet")
	}
	if n := count(all, domain.EventHighIntent, -1); n != 1 {
		t.Fatalf("high intent fired %d times", n)
	}
	// scrolling deep afterwards must not re-fire high intent
	if n := count(tr.Scroll(1000, 2000, 1000), domain.EventHighIntent, -1); n != 0 {
		t.Fatal("high intent fired twice")
	}
	if s := tr.Elapsed(10 * time.Second); len(s) != 0 || tr.Snapshot().Seconds != 130 {
		t.Fatal("time must not move backwards")
	}
}

func TestRunDrivesTicks(t *testing.T) {
	tr := NewTracker()
	tr.Elapsed(29 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []Signal
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Millisecond, func(s Signal) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no signal emitted")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	if got[0].Name != domain.EventTimeOnPage || got[0].Value != 30 {
		t.Fatalf("first signal = %+v", got[0])
	}
}
