package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/landingtrack/internal/capi"
	"example.com/landingtrack/internal/domain"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeChannel struct {
	name  domain.Channel
	err   error
	panic bool
	mu    sync.Mutex
	got   []Envelope
}

func (f *fakeChannel) Name() domain.Channel { return f.name }

func (f *fakeChannel) Send(_ context.Context, env Envelope) error {
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	f.got = append(f.got, env)
	f.mu.Unlock()
	return f.err
}

type sinkRecorder struct {
	mu   sync.Mutex
	recs []domain.EventRecord
}

func (s *sinkRecorder) Enqueue(rec domain.EventRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func payload() domain.Payload {
	return domain.Payload{CustomData: domain.DefaultProduct.CustomData(), SourceURL: "https://x.example.com/"}
}

func TestSendEventPartialFailure(t *testing.T) {
	gtm := &fakeChannel{name: domain.ChannelGTM}
	server := &fakeChannel{name: domain.ChannelServer, err: errors.New("relay down")}
	pixel := &fakeChannel{name: domain.ChannelPixel, panic: true}
	sink := &sinkRecorder{}
	m := NewManager(Options{GTM: true, Server: true, Pixel: true}, []Channel{gtm, server, pixel}, sink, quietLogger)

	res := m.SendEvent(context.Background(), domain.EventViewContent, payload(), NewDataLayer())
	if !res.Success {
		t.Fatal("one channel succeeded, aggregate must succeed")
	}
	if res.Channels[domain.ChannelGTM].Status != domain.StatusSent ||
		res.Channels[domain.ChannelServer].Status != domain.StatusFailed ||
		res.Channels[domain.ChannelPixel].Status != domain.StatusFailed {
		t.Fatalf("channels = %+v", res.Channels)
	}
	if !strings.Contains(res.Channels[domain.ChannelPixel].Error, "panicked") {
		t.Fatalf("panic not reported: %+v", res.Channels[domain.ChannelPixel])
	}
	if len(sink.recs) != 3 {
		t.Fatalf("sink got %d records", len(sink.recs))
	}
	for _, rec := range m.Registry().Records() {
		if rec.Status == domain.StatusPending {
			t.Fatalf("record left pending: %+v", rec)
		}
		if !strings.HasSuffix(rec.EventID, "_"+string(rec.Channel)) || !strings.HasPrefix(rec.EventID, "view_content_") {
			t.Fatalf("event id shape: %s", rec.EventID)
		}
	}
	if len(gtm.got) != 1 || gtm.got[0].SharedID != res.EventID {
		t.Fatalf("shared id not passed to channel: %+v", gtm.got)
	}
}

func TestSendEventAllFail(t *testing.T) {
	bad := &fakeChannel{name: domain.ChannelServer, err: errors.New("x")}
	m := NewManager(Options{Server: true}, []Channel{bad}, nil, quietLogger)
	if res := m.SendEvent(context.Background(), domain.EventPageView, payload(), nil); res.Success {
		t.Fatal("no channel delivered")
	}
}

func TestSendEventSkipsDisabledChannels(t *testing.T) {
	gtm := &fakeChannel{name: domain.ChannelGTM}
	pixel := &fakeChannel{name: domain.ChannelPixel}
	m := NewManager(Options{GTM: true}, []Channel{gtm, pixel}, nil, quietLogger)
	res := m.SendEvent(context.Background(), domain.EventPageView, payload(), NewDataLayer())
	if len(res.Channels) != 1 || len(pixel.got) != 0 {
		t.Fatalf("disabled channel used: %+v", res.Channels)
	}
	if got := m.Enabled(); len(got) != 1 || got[0] != domain.ChannelGTM {
		t.Fatalf("Enabled = %v", got)
	}
}

func TestRepeatIsReportedNotSuppressed(t *testing.T) {
	gtm := &fakeChannel{name: domain.ChannelGTM}
	m := NewManager(Options{GTM: true}, []Channel{gtm}, nil, quietLogger)
	first := m.SendEvent(context.Background(), domain.EventViewContent, payload(), NewDataLayer())
	second := m.SendEvent(context.Background(), domain.EventViewContent, payload(), NewDataLayer())
	if first.Repeat || !second.Repeat {
		t.Fatalf("repeat flags = %v %v", first.Repeat, second.Repeat)
	}
	if len(gtm.got) != 2 || first.EventID == second.EventID {
		t.Fatal("every call must send with a fresh id")
	}
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry(5 * time.Minute)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Register(domain.EventRecord{EventID: "old", Timestamp: base, Fingerprint: "f"})
	r.Register(domain.EventRecord{EventID: "new", Timestamp: base.Add(4 * time.Minute), Fingerprint: "g"})

	if n := r.Sweep(base.Add(6 * time.Minute)); n != 1 {
		t.Fatalf("swept %d", n)
	}
	if _, ok := r.Get("old"); ok {
		t.Fatal("old record survived")
	}
	if r.Seen("f") || !r.Seen("g") {
		t.Fatal("fingerprint index out of sync")
	}
	if n := r.Sweep(base.Add(20 * time.Minute)); n != 1 || r.Len() != 0 {
		t.Fatalf("second sweep removed %d, %d left", n, r.Len())
	}
}

func TestGTMChannel(t *testing.T) {
	dl := NewDataLayer()
	env := Envelope{Name: domain.EventViewContent, SharedID: "view_content_1_abc", Payload: payload(), DataLayer: dl}
	if err := (GTMChannel{}).Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := dl.Drain()
	if len(entries) != 1 || entries[0].Event != "view_content" || entries[0].EventID != "view_content_1_abc" {
		t.Fatalf("entries = %+v", entries)
	}
	if dl.Len() != 0 {
		t.Fatal("drain must empty the queue")
	}
	env.DataLayer = nil
	if err := (GTMChannel{}).Send(context.Background(), env); !errors.Is(err, ErrNoDataLayer) {
		t.Fatalf("err = %v", err)
	}
}

func TestServerChannel(t *testing.T) {
	var got capi.RelayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.PixelID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := Envelope{Name: domain.EventInitiateCheckout, SharedID: "shared", Payload: payload()}
	if err := (ServerChannel{RelayURL: srv.URL, PixelID: "42"}).Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.EventName != "initiate_checkout" || got.EventID != "shared" || len(got.CustomData.ContentIDs) != 1 {
		t.Fatalf("relay request = %+v", got)
	}
	if err := (ServerChannel{RelayURL: srv.URL}).Send(context.Background(), env); err == nil {
		t.Fatal("non-2xx must fail the channel")
	}
}

func TestPixelParams(t *testing.T) {
	p := payload()
	p.UserData = domain.UserData{Email: "User@Example.com", FBP: "fb.1.1.x", ExternalID: "ext"}
	q := PixelParams("42", Envelope{Name: domain.EventInitiateCheckout, SharedID: "sid", Payload: p})
	if q.Get("ev") != "InitiateCheckout" || q.Get("eid") != "sid" || q.Get("id") != "42" {
		t.Fatalf("params = %v", q)
	}
	var contents []map[string]any
	if err := json.Unmarshal([]byte(q.Get("cd[contents]")), &contents); err != nil {
		t.Fatalf("contents: %v", err)
	}
	if len(contents) != 1 || contents[0]["id"] != domain.DefaultProduct.ID || contents[0]["item_price"] != domain.DefaultProduct.Price() {
		t.Fatalf("contents = %v", contents)
	}
	if _, ok := contents[0]["item_id"]; ok {
		t.Fatal("item_id must be renamed")
	}
	if q.Get("cd[content_ids]") != `["`+domain.DefaultProduct.ID+`"]` {
		t.Fatalf("content_ids = %s", q.Get("cd[content_ids]"))
	}
	if h := q.Get("ud[em]"); len(h) != 64 || strings.Contains(h, "@") {
		t.Fatalf("email not hashed: %s", h)
	}
}

func TestPixelChannel(t *testing.T) {
	var ev string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev = r.URL.Query().Get("ev")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	ch := PixelChannel{Endpoint: srv.URL, PixelID: "42"}
	if err := ch.Send(context.Background(), Envelope{Name: domain.EventViewContent, Payload: payload()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev != "ViewContent" {
		t.Fatalf("ev = %s", ev)
	}
	if err := (PixelChannel{Endpoint: srv.URL}).Send(context.Background(), Envelope{}); !errors.Is(err, capi.ErrMissingPixelID) {
		t.Fatalf("err = %v", err)
	}
}
