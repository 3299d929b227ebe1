// Package identity captures and persists the attribution identifiers of a
// visitor: fbc, fbp, external_id, UTM parameters, GA client id and IP.
package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/idempotency"
	"example.com/landingtrack/internal/pii"
	"example.com/landingtrack/internal/retry"
	"example.com/landingtrack/internal/storage"
)

var fbclidPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,500}$`)

// Capturer derives identifiers from a Browser and writes them back.
type Capturer struct {
	Logger *slog.Logger
	Now    func() time.Time
	MaxAge time.Duration
}

func NewCapturer(logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		MaxAge: domain.IdentifierMaxAge,
	}
}

// ClientInfo is what the request itself tells about the visitor.
type ClientInfo struct {
	UserAgent  string
	RemoteIP   string
	ReportedIP string
}

// Capture runs every capture step and returns the resulting identifiers.
func (c *Capturer) Capture(ctx context.Context, b *storage.Browser, client ClientInfo) domain.TrackingIdentifiers {
	var ids domain.TrackingIdentifiers
	if fbc, ok := c.CaptureFBC(ctx, b); ok {
		ids.FBC = fbc
		_, ids.FBCLID, _ = domain.ParseFBC(fbc)
	}
	ids.FBP = c.EnsureFBP(ctx, b)
	ids.ExternalID = c.GenerateExternalID(ctx, b, domain.UserData{})
	ids.GAClientID = GAClientID(b)
	c.CaptureUTM(ctx, b).Apply(&ids)
	ids.UserAgent = client.UserAgent
	ids.ClientIP = c.resolveIP(client)
	return ids
}

// CaptureFBC returns the _fbc value, creating it from the first fbclid source
// that has one: URL, session storage, local storage, referrer.
func (c *Capturer) CaptureFBC(ctx context.Context, b *storage.Browser) (string, bool) {
	now := c.Now()
	if v, ok := b.Cookies.Get(storage.CookieFBC); ok {
		created, _, valid := domain.ParseFBC(v)
		if valid && now.Sub(created) < c.maxAge() {
			return v, true
		}
		c.Logger.Debug("stale or malformed _fbc, recapturing", "value", v)
	}

	fbclid, source := c.findFBCLID(ctx, b)
	if fbclid == "" {
		return "", false
	}
	fbc := domain.FormatFBC(now, fbclid)
	b.SetCookie(storage.CookieFBC, fbc, now)

	ts := strconv.FormatInt(now.UnixMilli(), 10)
	for _, kv := range []storage.KV{b.Session, b.Local} {
		if kv == nil {
			continue
		}
		if err := kv.Set(ctx, storage.KeyFBCLID, fbclid); err != nil {
			c.Logger.Warn("mirror fbclid", "error", err)
			continue
		}
		_ = kv.Set(ctx, storage.KeyFBCTimestamp, ts)
	}
	c.Logger.Debug("fbc captured", "source", source)
	return fbc, true
}

func (c *Capturer) findFBCLID(ctx context.Context, b *storage.Browser) (string, string) {
	candidates := []struct {
		source string
		value  func() string
	}{
		{"url", func() string { return b.Query("fbclid") }},
		{"session", func() string { return storage.GetString(ctx, b.Session, storage.KeyFBCLID) }},
		{"local", func() string { return c.storedFBCLID(ctx, b.Local) }},
		{"referrer", func() string { return b.ReferrerQuery("fbclid") }},
	}
	for _, cand := range candidates {
		if v := cand.value(); fbclidPattern.MatchString(v) {
			return v, cand.source
		}
	}
	return "", ""
}

// storedFBCLID ignores a local-storage click id older than the cookie max age.
func (c *Capturer) storedFBCLID(ctx context.Context, kv storage.KV) string {
	v := storage.GetString(ctx, kv, storage.KeyFBCLID)
	if v == "" {
		return ""
	}
	if ms, err := strconv.ParseInt(storage.GetString(ctx, kv, storage.KeyFBCTimestamp), 10, 64); err == nil {
		if c.Now().Sub(time.UnixMilli(ms)) >= c.maxAge() {
			return ""
		}
	}
	return v
}

// EnsureFBP returns the existing _fbp cookie or creates one. Never empty.
func (c *Capturer) EnsureFBP(_ context.Context, b *storage.Browser) string {
	if v, ok := b.Cookies.Get(storage.CookieFBP); ok {
		return v
	}
	now := c.Now()
	fbp := "fb.1." + strconv.FormatInt(now.UnixMilli(), 10) + "." + idempotency.RandomToken(13)
	b.SetCookie(storage.CookieFBP, fbp, now)
	return fbp
}

// GenerateExternalID derives a 32-character id from the best available seed:
// email, phone digits, first_last name, or hostname_timestamp. Without PII a
// previously stored id is reused.
func (c *Capturer) GenerateExternalID(ctx context.Context, b *storage.Browser, ud domain.UserData) string {
	seed := externalIDSeed(ud)
	if seed == "" {
		if v := storage.GetString(ctx, b.Local, storage.KeyExternalID); v != "" {
			return v
		}
		seed = storage.Hostname(b.Host) + "_" + strconv.FormatInt(c.Now().UnixMilli(), 10)
	}
	id := pii.SHA256(seed)[:32]
	if b.Local != nil {
		if err := b.Local.Set(ctx, storage.KeyExternalID, id); err != nil {
			c.Logger.Warn("persist external_id", "error", err)
		}
	}
	return id
}

// ExternalIDFor computes the PII-derived id without touching storage.
func ExternalIDFor(ud domain.UserData) (string, bool) {
	seed := externalIDSeed(ud)
	if seed == "" {
		return "", false
	}
	return pii.SHA256(seed)[:32], true
}

func externalIDSeed(ud domain.UserData) string {
	if em := pii.Normalize(pii.Email, ud.Email); em != "" {
		return em
	}
	if ph := domain.Digits(ud.Phone); ph != "" {
		return ph
	}
	fn := pii.Normalize(pii.FirstName, ud.FirstName)
	ln := pii.Normalize(pii.LastName, ud.LastName)
	if fn != "" || ln != "" {
		return fn + "_" + ln
	}
	return ""
}

// CaptureUTM reads utm_* parameters from the URL, persisting them, or falls
// back to the last stored set.
func (c *Capturer) CaptureUTM(ctx context.Context, b *storage.Browser) domain.UTM {
	u := urlUTM(b)
	if u.Empty() {
		return StoredUTM(ctx, b)
	}
	if raw, err := json.Marshal(u); err == nil && b.Local != nil {
		if err := b.Local.Set(ctx, storage.KeyUTMParameters, string(raw)); err != nil {
			c.Logger.Warn("persist utm", "error", err)
		}
	}
	return u
}

// CurrentUTM is CaptureUTM without the write.
func CurrentUTM(ctx context.Context, b *storage.Browser) domain.UTM {
	if u := urlUTM(b); !u.Empty() {
		return u
	}
	return StoredUTM(ctx, b)
}

// StoredUTM returns the last persisted set.
func StoredUTM(ctx context.Context, b *storage.Browser) domain.UTM {
	var u domain.UTM
	if raw := storage.GetString(ctx, b.Local, storage.KeyUTMParameters); raw != "" {
		_ = json.Unmarshal([]byte(raw), &u)
	}
	return u
}

func urlUTM(b *storage.Browser) domain.UTM {
	return domain.UTM{
		Source:   b.Query("utm_source"),
		Medium:   b.Query("utm_medium"),
		Campaign: b.Query("utm_campaign"),
		Content:  b.Query("utm_content"),
		Term:     b.Query("utm_term"),
	}
}

// GAClientID extracts "<random>.<timestamp>" from a GA1.x.<random>.<timestamp>
// _ga cookie.
func GAClientID(b *storage.Browser) string {
	v, ok := b.Cookies.Get(storage.CookieGA)
	if !ok {
		return ""
	}
	parts := strings.Split(v, ".")
	if len(parts) < 4 {
		return ""
	}
	return parts[len(parts)-2] + "." + parts[len(parts)-1]
}

// WaitForFBCReady polls CaptureFBC under p, tolerating cookie-write latency.
func (c *Capturer) WaitForFBCReady(ctx context.Context, b *storage.Browser, p retry.Policy) (string, error) {
	return retry.Poll(ctx, p, func(ctx context.Context) (string, bool, error) {
		v, ok := c.CaptureFBC(ctx, b)
		return v, ok, nil
	})
}

func (c *Capturer) maxAge() time.Duration {
	if c.MaxAge <= 0 {
		return domain.IdentifierMaxAge
	}
	return c.MaxAge
}
