package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultIPServices are queried in order until one answers.
var DefaultIPServices = []string{
	"https://api.ipify.org?format=json",
	"https://ipv4.icanhazip.com",
	"https://ifconfig.me/ip",
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// IPResolver asks public IP-echo services for the public IPv4 address of the
// host it runs on.
type IPResolver struct {
	URLs    []string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewIPResolver(urls []string, timeout time.Duration, logger *slog.Logger) *IPResolver {
	if len(urls) == 0 {
		urls = DefaultIPServices
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IPResolver{URLs: urls, Timeout: timeout, Client: &http.Client{}, Logger: logger}
}

// Lookup returns the first IPv4 dotted quad any service answers with.
// Failures are logged and skipped; nothing is retried.
func (r *IPResolver) Lookup(ctx context.Context) (string, bool) {
	for _, u := range r.URLs {
		ip, err := r.query(ctx, u)
		if err != nil {
			r.Logger.Debug("ip lookup failed", "service", u, "error", err)
			if ctx.Err() != nil {
				return "", false
			}
			continue
		}
		return ip, true
	}
	return "", false
}

func (r *IPResolver) query(ctx context.Context, u string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	for _, m := range ipv4Pattern.FindAllString(string(body), -1) {
		if ip := net.ParseIP(m); ip != nil && ip.To4() != nil {
			return m, nil
		}
	}
	return "", fmt.Errorf("no ipv4 address in response")
}

// RemoteIP picks the client address from forwarding headers, then RemoteAddr.
func RemoteIP(r *http.Request) string {
	for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
		if v := strings.TrimSpace(r.Header.Get(h)); net.ParseIP(v) != nil {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if v := strings.TrimSpace(part); net.ParseIP(v) != nil {
				return v
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Public reports whether ip is a routable unicast address.
func Public(ip string) bool {
	p := net.ParseIP(ip)
	if p == nil {
		return false
	}
	return !(p.IsLoopback() || p.IsPrivate() || p.IsUnspecified() || p.IsLinkLocalUnicast())
}

// resolveIP prefers a public request address, then the address the browser
// reported. An echo service queried from here would only see the server's own
// egress address, so a visitor with neither gets no IP.
func (c *Capturer) resolveIP(client ClientInfo) string {
	if Public(client.RemoteIP) {
		return client.RemoteIP
	}
	if Public(client.ReportedIP) {
		return client.ReportedIP
	}
	c.Logger.Debug("no public client address", "remote", client.RemoteIP)
	return ""
}
