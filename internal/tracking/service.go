// Package tracking is the application service behind the landing page API:
// it opens a visit, captures identifiers and fires events through the
// dispatcher.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"example.com/landingtrack/internal/diagnostics"
	"example.com/landingtrack/internal/dispatch"
	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/engagement"
	"example.com/landingtrack/internal/events"
	"example.com/landingtrack/internal/identity"
	"example.com/landingtrack/internal/postal"
	"example.com/landingtrack/internal/retry"
	"example.com/landingtrack/internal/session"
	"example.com/landingtrack/internal/storage"
)

var ErrUnknownEvent = errors.New("tracking: unknown event name")

// ValidationError carries the field errors of a rejected form.
type ValidationError struct {
	Fields []domain.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %d invalid field(s)", domain.ErrValidation, len(e.Fields))
}

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Visitors gives each visitor id its persistent storage.
type Visitors interface {
	Visitor(id string) storage.KV
}

// PostalLookup resolves a CEP; nil disables address enrichment.
type PostalLookup interface {
	Lookup(ctx context.Context, cep string) (postal.Address, error)
}

// Service is shared by all requests.
type Service struct {
	Capturer *identity.Capturer
	Builder  *events.Builder
	Manager  *dispatch.Manager
	Pages    *session.Registry
	Visitors Visitors
	Postal   PostalLookup
	Policy   storage.CookiePolicy
	// Problems reports configuration problems for diagnostics.
	Problems func() []string
	// FBCWait bounds how long checkout waits for an fbclid captured by a
	// concurrent request; zero attempts skip the wait.
	FBCWait  retry.Policy
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(c *identity.Capturer, b *events.Builder, m *dispatch.Manager, pages *session.Registry, visitors Visitors, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Capturer: c,
		Builder:  b,
		Manager:  m,
		Pages:    pages,
		Visitors: visitors,
		Policy:   storage.DefaultCookiePolicy,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Visit is one request's view of a visitor.
type Visit struct {
	Browser   *storage.Browser
	VisitorID string
	SessionID string
	Client    identity.ClientInfo
}

// Open resolves the visitor and session cookies, creating them when absent,
// and returns the accessors for this request. pageURL and referrer describe
// the landing page, not the API call.
func (s *Service) Open(cookies storage.Cookies, client identity.ClientInfo, pageURL, referrer, host string, secure bool) *Visit {
	now := s.now()
	b := &storage.Browser{
		Cookies:  cookies,
		Referrer: referrer,
		Host:     host,
		Secure:   secure,
		Policy:   s.Policy,
	}
	if u, err := url.Parse(pageURL); err == nil && pageURL != "" {
		b.URL = u
		if u.Host != "" {
			b.Host = u.Host
			b.Secure = u.Scheme == "https"
		}
	}

	vid, ok := cookies.Get(storage.CookieVisitor)
	if _, err := uuid.Parse(vid); !ok || err != nil {
		vid = uuid.NewString()
	}
	// refresh the 90-day expiry on every visit
	b.SetCookie(storage.CookieVisitor, vid, now)
	if s.Visitors != nil {
		b.Local = s.Visitors.Visitor(vid)
	}

	sid, _ := cookies.Get(storage.CookieSession)
	sid, b.Session = s.Pages.Session(sid)
	cookies.Set(&http.Cookie{
		Name:     storage.CookieSession,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   b.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return &Visit{Browser: b, VisitorID: vid, SessionID: sid, Client: client}
}

// TrackRequest asks for one logical event on a page load.
type TrackRequest struct {
	EventName string          `json:"event_name"`
	PageID    string          `json:"page_id,omitempty"`
	PageURL   string          `json:"page_url,omitempty"`
	Referrer  string          `json:"referrer,omitempty"`
	ClientIP  string          `json:"client_ip,omitempty"`
	UserData  domain.UserData `json:"user_data"`
}

// TrackResult tells the page what happened and what to push to its dataLayer.
type TrackResult struct {
	PageID      string                     `json:"page_id"`
	Fired       bool                       `json:"fired"`
	Identifiers domain.TrackingIdentifiers `json:"identifiers"`
	Dispatch    *dispatch.Result           `json:"dispatch,omitempty"`
	DataLayer   []dispatch.DataLayerEntry  `json:"dataLayer"`
}

// Track fires a page-level event once per page load.
func (s *Service) Track(ctx context.Context, v *Visit, req TrackRequest) (TrackResult, error) {
	name, ok := domain.ParseEventName(req.EventName)
	if !ok {
		return TrackResult{}, fmt.Errorf("%w: %q", ErrUnknownEvent, req.EventName)
	}
	page, created := s.Pages.Page(v.SessionID, req.PageID)
	if created && req.PageID != "" {
		s.Logger.Debug("unknown page id, started a new page load", "page_id", req.PageID)
	}
	ids := s.Capturer.Capture(ctx, v.Browser, v.Client)
	return s.fire(ctx, v, page, name, req.UserData, ids), nil
}

// fire builds and dispatches name if the page gate is still open. A send
// that reached no channel reopens the gate.
func (s *Service) fire(ctx context.Context, v *Visit, page *session.Page, name domain.EventName, explicit domain.UserData, ids domain.TrackingIdentifiers) TrackResult {
	res := TrackResult{PageID: page.ID, Identifiers: ids}
	if !page.Gate.TryFire(name) {
		s.Logger.Debug("event already fired on this page", "event", name, "page_id", page.ID)
		res.DataLayer = drain(page.DataLayer)
		return res
	}
	cached := events.CachedUserData(ctx, v.Browser.Local)
	if merged := cached.Merge(explicit); merged.HasPII() {
		ids.ExternalID = s.Capturer.GenerateExternalID(ctx, v.Browser, merged)
		res.Identifiers.ExternalID = ids.ExternalID
	}
	p := s.Builder.Build(name, explicit, cached, ids, sourceURL(v.Browser))
	out := s.Manager.SendEvent(ctx, name, p, page.DataLayer)
	if !out.Success {
		page.Gate.Release(name)
	}
	res.Fired = out.Success
	res.Dispatch = &out
	res.DataLayer = drain(page.DataLayer)
	return res
}

// Checkout validates the form, fills city and state from the CEP when
// missing, remembers the personal data and fires initiate_checkout.
func (s *Service) Checkout(ctx context.Context, v *Visit, pageID string, form domain.CheckoutForm) (TrackResult, error) {
	if errs := domain.ValidateCheckout(&form); len(errs) > 0 {
		return TrackResult{}, &ValidationError{Fields: errs}
	}
	if s.Postal != nil && form.CEP != "" && (form.City == "" || form.State == "") {
		addr, err := s.Postal.Lookup(ctx, form.CEP)
		if err != nil {
			s.Logger.Info("postal lookup unavailable", "error", err)
		} else {
			if form.City == "" {
				form.City = addr.City
			}
			if form.State == "" {
				form.State = addr.State
			}
		}
	}
	ud := form.UserData(s.Builder.Country)
	if err := events.SaveUserData(ctx, v.Browser.Local, ud); err != nil {
		s.Logger.Warn("save personal data", "error", err)
	}

	if s.FBCWait.MaxAttempts > 0 {
		if _, err := s.Capturer.WaitForFBCReady(ctx, v.Browser, s.FBCWait); err != nil {
			s.Logger.Debug("checkout without fbc", "error", err)
		}
	}
	page, _ := s.Pages.Page(v.SessionID, pageID)
	ids := s.Capturer.Capture(ctx, v.Browser, v.Client)
	return s.fire(ctx, v, page, domain.EventInitiateCheckout, ud, ids), nil
}

// Observation is what the page reports about scrolling and time spent.
// Nil scroll fields mean no scroll sample.
type Observation struct {
	PageID       string   `json:"page_id"`
	PageURL      string   `json:"page_url,omitempty"`
	ScrollTop    *float64 `json:"scroll_top,omitempty"`
	ScrollHeight *float64 `json:"scroll_height,omitempty"`
	ClientHeight *float64 `json:"client_height,omitempty"`
	ElapsedMs    int64    `json:"elapsed_ms,omitempty"`
}

// EngageResult lists the engagement signals fired by an observation.
type EngageResult struct {
	PageID    string                    `json:"page_id"`
	Signals   []engagement.Signal       `json:"signals"`
	State     engagement.Snapshot       `json:"state"`
	DataLayer []dispatch.DataLayerEntry `json:"dataLayer"`
}

// Engage feeds an observation to the page's tracker and dispatches every
// signal it emits.
func (s *Service) Engage(ctx context.Context, v *Visit, obs Observation) EngageResult {
	page, _ := s.Pages.Page(v.SessionID, obs.PageID)
	tr := page.Engagement
	var signals []engagement.Signal
	if obs.ScrollTop != nil && obs.ScrollHeight != nil && obs.ClientHeight != nil {
		signals = append(signals, tr.Scroll(*obs.ScrollTop, *obs.ScrollHeight, *obs.ClientHeight)...)
	}
	if obs.ElapsedMs > 0 {
		signals = append(signals, tr.Elapsed(time.Duration(obs.ElapsedMs)*time.Millisecond)...)
	}

	if len(signals) > 0 {
		ids := s.Capturer.Capture(ctx, v.Browser, v.Client)
		cached := events.CachedUserData(ctx, v.Browser.Local)
		for _, sig := range signals {
			p := s.Builder.Build(sig.Name, domain.UserData{}, cached, ids, sourceURL(v.Browser))
			applySignal(&p.CustomData, sig)
			s.Manager.SendEvent(ctx, sig.Name, p, page.DataLayer)
		}
	}
	return EngageResult{
		PageID:    page.ID,
		Signals:   nonNil(signals),
		State:     tr.Snapshot(),
		DataLayer: drain(page.DataLayer),
	}
}

func applySignal(cd *domain.CustomData, sig engagement.Signal) {
	switch sig.Name {
	case domain.EventScrollDepth:
		cd.ScrollPercentage = sig.Value
	case domain.EventTimeOnPage:
		cd.TimeOnPage = sig.Value
	case domain.EventHighIntent:
		cd.IntentTrigger = sig.Trigger
		if sig.Trigger == "time" {
			cd.TimeOnPage = sig.Value
		} else {
			cd.ScrollPercentage = sig.Value
		}
	}
}

// Diagnose scores what is stored for the visitor without creating
// identifiers.
func (s *Service) Diagnose(ctx context.Context, v *Visit) diagnostics.Report {
	b := v.Browser
	var ids domain.TrackingIdentifiers
	ids.FBC, _ = b.Cookies.Get(storage.CookieFBC)
	ids.FBP, _ = b.Cookies.Get(storage.CookieFBP)
	ids.ExternalID = storage.GetString(ctx, b.Local, storage.KeyExternalID)
	ids.GAClientID = identity.GAClientID(b)
	identity.CurrentUTM(ctx, b).Apply(&ids)
	if identity.Public(v.Client.RemoteIP) {
		ids.ClientIP = v.Client.RemoteIP
	} else if identity.Public(v.Client.ReportedIP) {
		ids.ClientIP = v.Client.ReportedIP
	}
	ids.UserAgent = v.Client.UserAgent

	var problems []string
	if s.Problems != nil {
		problems = s.Problems()
	}
	if len(s.Manager.Enabled()) == 0 {
		problems = append(problems, "no delivery channel enabled")
	}
	return diagnostics.Validate(ids, problems)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func sourceURL(b *storage.Browser) string {
	if b.URL == nil {
		return ""
	}
	return b.URL.String()
}

func drain(dl *dispatch.DataLayer) []dispatch.DataLayerEntry {
	if dl == nil {
		return []dispatch.DataLayerEntry{}
	}
	return nonNil(dl.Drain())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
