package transporthttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"example.com/landingtrack/internal/capi"
	"example.com/landingtrack/internal/config"
	"example.com/landingtrack/internal/diagnostics"
	"example.com/landingtrack/internal/dispatch"
	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/events"
	"example.com/landingtrack/internal/identity"
	"example.com/landingtrack/internal/session"
	"example.com/landingtrack/internal/storage"
	"example.com/landingtrack/internal/tracking"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type visitors map[string]*storage.MemoryKV

func (v visitors) Visitor(id string) storage.KV {
	if v[id] == nil {
		v[id] = storage.NewMemoryKV()
	}
	return v[id]
}

// newTestDeps wires a GTM-only service and a relay pointed at graph.
func newTestDeps(t *testing.T, graph *httptest.Server, token string) *ServerDeps {
	t.Helper()
	cfg := config.Config{
		MaxBodyBytes:           1 << 16,
		RateLimitMetricsPerMin: 2,
		APIKeys:                map[string]struct{}{},
		AllowedOrigins:         []string{"https://lp.example.com"},
		FacebookPixelID:        "123456",
	}
	base := ""
	if graph != nil {
		base = graph.URL
	}
	client := capi.NewClient(base, "v23.0", token, quiet)
	m := dispatch.NewManager(dispatch.Options{GTM: true}, []dispatch.Channel{dispatch.GTMChannel{}}, nil, quiet)
	svc := tracking.New(identity.NewCapturer(quiet), events.NewBuilder(domain.DefaultProduct, "br", quiet),
		m, session.NewRegistry(0), visitors{}, quiet)
	return &ServerDeps{
		Cfg:     cfg,
		Service: svc,
		Relay:   capi.NewRelay(client, "", quiet),
		CAPI:    client,
		Logger:  quiet,
		Now:     time.Now,
	}
}

func do(h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

const relayBody = `{"event_name":"InitiateCheckout","event_id":"ic_1","user_data":{"em":"  User@Example.COM ","ph":"+55 (11) 98765-4321","fbp":"fb.1.1700000000000.abc"},"custom_data":{"currency":"BRL","value":47,"content_ids":"[\"ebook-principal\"]","items":[{"item_id":"ebook-principal","price":47,"quantity":1}]}}`

func TestRelaySuccess(t *testing.T) {
	var got capi.Payload
	var path string
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"events_received":1,"fbtrace_id":"x"}`))
	}))
	defer graph.Close()
	h := newTestDeps(t, graph, "tok").Router()

	rr := do(h, http.MethodPost, "/api/facebook-pixel", relayBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	res := decode[relayResponse](t, rr)
	if !res.Success || !strings.Contains(string(res.FacebookResponse), "events_received") {
		t.Fatalf("response = %+v", res)
	}
	if path != "/v23.0/123456/events" {
		t.Fatalf("path = %s", path)
	}
	ev := got.Data[0]
	if ev.EventName != "InitiateCheckout" || ev.ActionSource != "website" || ev.EventID != "ic_1" {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.UserData.Em) != 64 || ev.UserData.Em != res.HashedData.Em || ev.UserData.FBP != "fb.1.1700000000000.abc" {
		t.Fatalf("user data = %+v", ev.UserData)
	}
	if len(ev.CustomData.ContentIDs) != 1 || ev.CustomData.ContentIDs[0] != "ebook-principal" {
		t.Fatalf("content_ids = %v", ev.CustomData.ContentIDs)
	}
}

func TestRelayCoercesScalarItems(t *testing.T) {
	var got capi.Payload
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"events_received":1}`))
	}))
	defer graph.Close()
	h := newTestDeps(t, graph, "tok").Router()

	for _, items := range []string{`"ebook"`, `42`} {
		body := `{"event_name":"ViewContent","event_id":"vc_1","custom_data":{"value":47,"items":` + items + `}}`
		rr := do(h, http.MethodPost, "/api/facebook-pixel", body, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("items %s: status %d: %s", items, rr.Code, rr.Body.String())
		}
		if res := decode[relayResponse](t, rr); res.Repeat != (items == `42`) {
			t.Fatalf("items %s: repeat = %v", items, res.Repeat)
		}
		cd := got.Data[0].CustomData
		want := strings.Trim(items, `"`)
		if len(cd.Items) != 1 || cd.Items[0].ItemID != want || len(cd.ContentIDs) != 1 || cd.ContentIDs[0] != want {
			t.Fatalf("items %s: custom data = %+v", items, cd)
		}
	}
}

func TestRelayErrors(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	}))
	defer graph.Close()

	h := newTestDeps(t, graph, "tok").Router()
	rr := do(h, http.MethodPost, "/api/facebook-pixel", relayBody, nil)
	res := decode[relayResponse](t, rr)
	if rr.Code != http.StatusBadRequest || res.Success || !strings.Contains(res.Message, "Invalid parameter") {
		t.Fatalf("upstream reject: %d %+v", rr.Code, res)
	}

	noToken := newTestDeps(t, graph, "").Router()
	if rr := do(noToken, http.MethodPost, "/api/facebook-pixel", relayBody, nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("missing token: %d", rr.Code)
	}

	if rr := do(h, http.MethodPost, "/api/facebook-pixel", `{"event_id":"x"}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing event_name: %d", rr.Code)
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	unreachable := newTestDeps(t, dead, "tok").Router()
	if rr := do(unreachable, http.MethodPost, "/api/facebook-pixel", relayBody, nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("network failure: %d", rr.Code)
	}
}

func TestTestToken(t *testing.T) {
	var calls atomic.Int32
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"id":"999","name":"Landing"}`))
			return
		}
		w.Write([]byte(`{"events_received":1}`))
	}))
	defer graph.Close()
	h := newTestDeps(t, graph, "").Router()

	if rr := do(h, http.MethodPost, "/api/facebook-pixel/test-token", `{"pixelId":"999"}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing token: %d", rr.Code)
	}
	rr := do(h, http.MethodPost, "/api/facebook-pixel/test-token", `{"accessToken":"t","pixelId":"999"}`, nil)
	res := decode[testTokenResp](t, rr)
	if rr.Code != http.StatusOK || !res.Success || !strings.Contains(string(res.PixelInfo), "Landing") || calls.Load() != 2 {
		t.Fatalf("test token: %d %+v", rr.Code, res)
	}
}

func TestTrackSetsCookiesAndGates(t *testing.T) {
	h := newTestDeps(t, nil, "").Router()
	body := `{"event_name":"view_content","page_url":"https://lp.example.com/?fbclid=IwAR9"}`
	rr := do(h, http.MethodPost, "/api/track", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	res := decode[tracking.TrackResult](t, rr)
	if !res.Fired || len(res.DataLayer) != 1 || !strings.HasPrefix(res.Identifiers.FBC, "fb.1.") {
		t.Fatalf("result = %+v", res)
	}

	cookies := map[string]*http.Cookie{}
	for _, c := range rr.Result().Cookies() {
		cookies[c.Name] = c
	}
	for _, name := range []string{storage.CookieFBC, storage.CookieFBP, storage.CookieVisitor, storage.CookieSession} {
		if cookies[name] == nil {
			t.Fatalf("cookie %s not set", name)
		}
	}
	if c := cookies[storage.CookieFBC]; c.SameSite != http.SameSiteLaxMode || !c.Secure {
		t.Fatalf("_fbc attributes = %+v", c)
	}

	// same session and page: gate is closed
	req := httptest.NewRequest(http.MethodPost, "/api/track",
		strings.NewReader(`{"event_name":"view_content","page_id":"`+res.PageID+`"}`))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, req)
	if again := decode[tracking.TrackResult](t, rr2); again.Fired {
		t.Fatalf("second send fired: %+v", again)
	}

	if rr := do(h, http.MethodPost, "/api/track", `{"event_name":"Purchase"}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown event: %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/api/track", `{"event_name":"page_view","bogus":1}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", rr.Code)
	}
}

func TestCheckoutValidation(t *testing.T) {
	h := newTestDeps(t, nil, "").Router()
	rr := do(h, http.MethodPost, "/api/checkout", `{"name":"Ana","email":"x@","phone":"123","cep":"1"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	p := decode[Problem](t, rr)
	for _, f := range []string{"name", "email", "phone", "cep"} {
		if len(p.Errors[f]) == 0 {
			t.Fatalf("no error for %s: %+v", f, p.Errors)
		}
	}

	ok := do(h, http.MethodPost, "/api/checkout",
		`{"name":"Ana Souza","email":"ana@example.com","phone":"11987654321","cep":"01001-000","city":"São Paulo","state":"SP"}`, nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("valid checkout: %d %s", ok.Code, ok.Body.String())
	}
	if res := decode[tracking.TrackResult](t, ok); res.DataLayer[0].Event != "initiate_checkout" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEngagementEndpoint(t *testing.T) {
	h := newTestDeps(t, nil, "").Router()
	rr := do(h, http.MethodPost, "/api/engagement", `{"scroll_top":800,"scroll_height":2000,"client_height":1000}`, nil)
	res := decode[tracking.EngageResult](t, rr)
	if rr.Code != http.StatusOK || len(res.Signals) != 4 || !res.State.HighIntent {
		t.Fatalf("engage: %d %+v", rr.Code, res)
	}
	if rr := do(h, http.MethodPost, "/api/engagement", `{"elapsed_ms":-1}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("negative elapsed: %d", rr.Code)
	}
}

func TestDiagnosticsQuickNoCookies(t *testing.T) {
	h := newTestDeps(t, nil, "").Router()
	rr := do(h, http.MethodGet, "/api/diagnostics?quick=1", "", nil)
	if got := decode[diagnostics.Quick](t, rr); got != (diagnostics.Quick{}) {
		t.Fatalf("quick = %+v", got)
	}
	full := decode[diagnostics.Report](t, do(h, http.MethodGet, "/api/diagnostics", "", nil))
	if full.Quick.ReadyForConversion || full.Score > 20 || len(full.Checks) == 0 {
		t.Fatalf("report = %+v", full)
	}
}

func TestCORS(t *testing.T) {
	h := newTestDeps(t, nil, "").Router()
	pre := map[string]string{"Origin": "https://lp.example.com", "Access-Control-Request-Method": "POST"}
	rr := do(h, http.MethodOptions, "/api/track", "", pre)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://lp.example.com" ||
		rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("preflight: %d %v", rr.Code, rr.Header())
	}
	pre["Origin"] = "https://evil.example.net"
	if rr := do(h, http.MethodOptions, "/api/track", "", pre); rr.Code != http.StatusForbidden {
		t.Fatalf("foreign preflight: %d", rr.Code)
	}
}

func TestMetricsAuthAndRateLimit(t *testing.T) {
	d := newTestDeps(t, nil, "")
	d.Cfg.APIKeys = map[string]struct{}{"k": {}}
	h := d.Router()
	if rr := do(h, http.MethodGet, "/metrics", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d", rr.Code)
	}
	key := map[string]string{"X-API-Key": "k"}
	for i := 0; i < 2; i++ {
		rr := do(h, http.MethodGet, "/metrics", "", key)
		if rr.Code != http.StatusOK {
			t.Fatalf("call %d: %d", i, rr.Code)
		}
		if m := decode[metricsResp](t, rr); m.Totals != nil {
			t.Fatal("totals without a database")
		}
	}
	if rr := do(h, http.MethodGet, "/metrics", "", key); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third call: %d", rr.Code)
	}
}

func TestRequireJSON(t *testing.T) {
	h := newTestDeps(t, nil, "").Router()
	req := httptest.NewRequest(http.MethodPost, "/api/track", strings.NewReader(`x=1`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status %d", rr.Code)
	}
}
