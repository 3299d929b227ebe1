// Package storage holds the accessors for the places a visitor's identifiers
// live: cookies, per-visitor local storage and per-session storage.
package storage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Storage keys shared by local and session storage.
const (
	KeyFBCLID           = "fbclid"
	KeyFBCTimestamp     = "fbc_timestamp"
	KeyExternalID       = "external_id"
	KeyUTMParameters    = "utm_parameters"
	KeyUserEmail        = "user_email"
	KeyUserPhone        = "user_phone"
	KeyUserPersonalData = "user_personal_data"
	KeyUserLocation     = "user_location"
)

// Cookie names.
const (
	CookieFBC     = "_fbc"
	CookieFBP     = "_fbp"
	CookieGA      = "_ga"
	CookieVisitor = "_lt_vid"
	CookieSession = "_lt_sid"
)

// ErrNotFound is returned by KV.Get for missing keys.
var ErrNotFound = errors.New("storage: key not found")

// KV is a string key/value store scoped to one visitor or session.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Cookies reads and writes the visitor's cookies.
type Cookies interface {
	Get(name string) (string, bool)
	Set(c *http.Cookie)
}

// CookiePolicy controls the attributes of identifier cookies.
type CookiePolicy struct {
	MaxAge time.Duration
	// Domain overrides the request host, e.g. ".example.com".
	Domain string
}

// DefaultCookiePolicy keeps identifiers for 90 days.
var DefaultCookiePolicy = CookiePolicy{MaxAge: 90 * 24 * time.Hour}

// Cookie builds an identifier cookie: Lax, Secure on HTTPS, scoped to the
// marketing domain or the current hostname.
func (p CookiePolicy) Cookie(name, value, host string, secure bool, now time.Time) *http.Cookie {
	domain := p.Domain
	if domain == "" {
		domain = Hostname(host)
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultCookiePolicy.MaxAge
	}
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  now.Add(maxAge).UTC(),
		MaxAge:   int(maxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
	// cookies for localhost or bare IPs must not carry a Domain attribute
	if domain != "" && domain != "localhost" && strings.Contains(domain, ".") && !isIP(domain) {
		c.Domain = domain
	}
	return c
}

// Hostname removes port from host if present.
func Hostname(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i != -1 {
			return host[1:i]
		}
	}
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 && strings.Count(host, ":") == 1 {
		return host[:colonIdx]
	}
	return host
}

func isIP(s string) bool {
	if strings.Contains(s, ":") {
		return true
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// Browser bundles the accessors for a single tracked request.
type Browser struct {
	Cookies  Cookies
	Local    KV
	Session  KV
	URL      *url.URL
	Referrer string
	Host     string
	Secure   bool
	Policy   CookiePolicy
}

// SetCookie writes an identifier cookie with the browser's policy.
func (b *Browser) SetCookie(name, value string, now time.Time) {
	b.Cookies.Set(b.Policy.Cookie(name, value, b.Host, b.Secure, now))
}

// Query returns a URL query parameter, or "" when there is no URL.
func (b *Browser) Query(name string) string {
	if b.URL == nil {
		return ""
	}
	return strings.TrimSpace(b.URL.Query().Get(name))
}

// ReferrerQuery returns a query parameter of the document referrer.
func (b *Browser) ReferrerQuery(name string) string {
	if b.Referrer == "" {
		return ""
	}
	u, err := url.Parse(b.Referrer)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get(name))
}

// GetString reads key from kv, treating a nil store and missing keys as "".
func GetString(ctx context.Context, kv KV, key string) string {
	if kv == nil {
		return ""
	}
	v, err := kv.Get(ctx, key)
	if err != nil {
		return ""
	}
	return v
}

// HTTPCookies reads cookies from a request and writes Set-Cookie headers.
// Values written during the request are visible to later reads.
type HTTPCookies struct {
	r *http.Request
	w http.ResponseWriter

	mu      sync.Mutex
	written map[string]string
}

func NewHTTPCookies(w http.ResponseWriter, r *http.Request) *HTTPCookies {
	return &HTTPCookies{r: r, w: w, written: map[string]string{}}
}

func (c *HTTPCookies) Get(name string) (string, bool) {
	c.mu.Lock()
	v, ok := c.written[name]
	c.mu.Unlock()
	if ok {
		return v, v != ""
	}
	ck, err := c.r.Cookie(name)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

func (c *HTTPCookies) Set(ck *http.Cookie) {
	c.mu.Lock()
	c.written[ck.Name] = ck.Value
	c.mu.Unlock()
	if c.w != nil {
		http.SetCookie(c.w, ck)
	}
}

// MemoryCookies is an in-memory jar; Set records the last cookie per name.
type MemoryCookies struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

func NewMemoryCookies() *MemoryCookies {
	return &MemoryCookies{cookies: map[string]*http.Cookie{}}
}

func (m *MemoryCookies) Get(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cookies[name]
	if !ok || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (m *MemoryCookies) Set(c *http.Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies[c.Name] = c
}

// Cookie returns the full cookie last set under name.
func (m *MemoryCookies) Cookie(name string) *http.Cookie {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cookies[name]
}

// MemoryKV is a mutex-guarded map; it backs session storage.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryKV() *MemoryKV { return &MemoryKV{m: map[string]string{}} }

func (s *MemoryKV) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
