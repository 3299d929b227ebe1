package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/landingtrack/internal/capi"
	"example.com/landingtrack/internal/config"
	"example.com/landingtrack/internal/dispatch"
	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/identity"
	"example.com/landingtrack/internal/postal"
	"example.com/landingtrack/internal/storage"
	spg "example.com/landingtrack/internal/storage/postgres"
	"example.com/landingtrack/internal/tracking"
)

// Pinger is a dependency that can report readiness.
type Pinger interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Cfg     config.Config
	Service *tracking.Service
	Relay   *capi.Relay
	CAPI    *capi.Client
	Postal  tracking.PostalLookup
	// DB is nil when the audit log is disabled.
	DB     *spg.DB
	Local  Pinger
	Logger *slog.Logger
	Now    func() time.Time
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.Local != nil {
		if err := d.Local.Ready(r.Context()); err != nil {
			WriteProblem(w, http.StatusServiceUnavailable, "not ready", "visitor storage not reachable", nil)
			return
		}
	}
	if d.DB != nil {
		if err := d.DB.Ready(r.Context()); err != nil {
			WriteProblem(w, http.StatusServiceUnavailable, "not ready", "database not reachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// openVisit builds the visitor context of a call made by the landing page.
// Without an explicit page URL the Referer of the API call is the page.
func (d *ServerDeps) openVisit(w http.ResponseWriter, r *http.Request, pageURL, referrer, reportedIP string) *tracking.Visit {
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	client := identity.ClientInfo{
		UserAgent:  r.UserAgent(),
		RemoteIP:   identity.RemoteIP(r),
		ReportedIP: reportedIP,
	}
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	return d.Service.Open(storage.NewHTTPCookies(w, r), client, pageURL, referrer, r.Host, secure)
}

// --- Tracking ---

func (d *ServerDeps) HandleTrack(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req tracking.TrackRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	v := d.openVisit(w, r, req.PageURL, req.Referrer, req.ClientIP)
	res, err := d.Service.Track(r.Context(), v, req)
	if errors.Is(err, tracking.ErrUnknownEvent) {
		WriteProblem(w, http.StatusBadRequest, "validation failed", err.Error(),
			map[string][]string{"event_name": {"unknown event"}})
		return
	}
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "tracking error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkoutReq struct {
	domain.CheckoutForm
	PageID   string `json:"page_id,omitempty"`
	PageURL  string `json:"page_url,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
}

func (d *ServerDeps) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req checkoutReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	v := d.openVisit(w, r, req.PageURL, req.Referrer, req.ClientIP)
	res, err := d.Service.Checkout(r.Context(), v, req.PageID, req.CheckoutForm)
	var ve *tracking.ValidationError
	if errors.As(err, &ve) {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", fieldProblems(ve.Fields))
		return
	}
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "checkout error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *ServerDeps) HandleEngagement(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var obs tracking.Observation
	if err := decodeJSONStrict(r, &obs); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if obs.ElapsedMs < 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "elapsed_ms must not be negative",
			map[string][]string{"elapsed_ms": {"must not be negative"}})
		return
	}
	v := d.openVisit(w, r, obs.PageURL, "", "")
	writeJSON(w, http.StatusOK, d.Service.Engage(r.Context(), v, obs))
}

func (d *ServerDeps) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	v := d.openVisit(w, r, r.URL.Query().Get("page_url"), "", "")
	rep := d.Service.Diagnose(r.Context(), v)
	if r.URL.Query().Get("quick") == "1" {
		writeJSON(w, http.StatusOK, rep.Quick)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (d *ServerDeps) HandlePostal(w http.ResponseWriter, r *http.Request) {
	if d.Postal == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "postal lookup disabled", "", nil)
		return
	}
	addr, err := d.Postal.Lookup(r.Context(), r.PathValue("cep"))
	switch {
	case errors.Is(err, postal.ErrInvalidCEP):
		WriteProblem(w, http.StatusBadRequest, "validation failed", err.Error(), map[string][]string{"cep": {"must have 8 digits"}})
	case errors.Is(err, postal.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "not found", err.Error(), nil)
	case err != nil:
		d.Logger.Info("postal lookup failed", "error", err)
		WriteProblem(w, http.StatusBadGateway, "postal lookup failed", "address service unavailable", nil)
	default:
		writeJSON(w, http.StatusOK, addr)
	}
}

// --- Metrics ---

type metricsResp struct {
	Totals  *spg.MetricsTotals  `json:"totals,omitempty"`
	Buckets []spg.MetricsBucket `json:"buckets,omitempty"`
	Live    liveStats           `json:"live"`
}

type liveStats struct {
	Records  int            `json:"records"`
	Channels dispatch.Stats `json:"channels"`
	Sessions int            `json:"sessions"`
	Pages    int            `json:"pages"`
}

const defaultWindowSeconds = int64(24 * 60 * 60)  // last 24h default
const maxWindowSeconds = int64(90 * 24 * 60 * 60) // cap at 90 days (guardrail)

func (d *ServerDeps) HandleGetMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reg := d.Service.Manager.Registry()
	var resp metricsResp
	resp.Live = liveStats{Records: reg.Len(), Channels: reg.Stats()}
	resp.Live.Sessions, resp.Live.Pages = d.Service.Pages.Counts()

	if d.DB == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	now := d.Now().Unix()
	from, to := now-defaultWindowSeconds, now
	if s := q.Get("to"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "to must be epoch seconds", nil)
			return
		}
		to, from = v, v-defaultWindowSeconds
	}
	if s := q.Get("from"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "from must be epoch seconds", nil)
			return
		}
		from = v
	}
	// guardrail: cap excessively large ranges
	if to-from > maxWindowSeconds {
		from = to - maxWindowSeconds
	}

	f := spg.Filter{
		From:      from,
		To:        to,
		EventName: strings.TrimSpace(q.Get("event_name")),
		Channel:   strings.TrimSpace(q.Get("channel")),
		Status:    strings.TrimSpace(q.Get("status")),
	}
	ctx := r.Context()
	tot, err := d.DB.QueryTotals(ctx, f)
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "query error", err.Error(), nil)
		return
	}
	resp.Totals = &tot

	if q.Get("group_by") == "day" {
		bs, err := d.DB.QueryBucketsDaily(ctx, f)
		if err != nil {
			WriteProblem(w, http.StatusInternalServerError, "query error", err.Error(), nil)
			return
		}
		resp.Buckets = bs
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.HandleHealthz)
	mux.HandleFunc("GET /readyz", d.HandleReadyz)

	post := func(h http.HandlerFunc) http.Handler {
		var out http.Handler = h
		out = BodyLimit(d.Cfg.MaxBodyBytes)(out)
		out = RequireJSON(out)
		return out
	}
	mux.Handle("POST /api/facebook-pixel", post(d.HandleRelay))
	mux.Handle("POST /api/facebook-pixel/test-token", post(d.HandleTestToken))
	mux.Handle("POST /api/track", post(d.HandleTrack))
	mux.Handle("POST /api/checkout", post(d.HandleCheckout))
	mux.Handle("POST /api/engagement", post(d.HandleEngagement))
	mux.HandleFunc("GET /api/diagnostics", d.HandleDiagnostics)
	mux.HandleFunc("GET /api/postal/{cep}", d.HandlePostal)

	var getMetrics http.Handler = http.HandlerFunc(d.HandleGetMetrics)
	getMetrics = RateLimitPerMinute(d.Cfg.RateLimitMetricsPerMin, d.Now)(getMetrics)
	getMetrics = APIKeyAuth(d.Cfg.APIKeys)(getMetrics)
	mux.Handle("GET /metrics", getMetrics)

	var h http.Handler = mux
	h = CORS(d.Cfg.AllowedOrigins)(h)
	h = RequestLogger(d.Logger)(h)
	return h
}
