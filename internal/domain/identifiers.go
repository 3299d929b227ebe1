package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TrackingIdentifiers are the attribution identifiers captured for a visitor.
type TrackingIdentifiers struct {
	FBC         string `json:"fbc,omitempty"`
	FBP         string `json:"fbp,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	GAClientID  string `json:"ga_client_id,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	FBCLID      string `json:"fbclid,omitempty"`
	ClientIP    string `json:"client_ip_address,omitempty"`
	UserAgent   string `json:"client_user_agent,omitempty"`
}

// UTM holds the five utm_* campaign parameters.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

func (u UTM) Empty() bool { return u == UTM{} }

// Apply copies the UTM values onto ids.
func (u UTM) Apply(ids *TrackingIdentifiers) {
	ids.UTMSource = u.Source
	ids.UTMMedium = u.Medium
	ids.UTMCampaign = u.Campaign
	ids.UTMContent = u.Content
	ids.UTMTerm = u.Term
}

var (
	fbcPattern = regexp.MustCompile(`^fb\.1\.(\d{10,})\.(.+)$`)
	fbpPattern = regexp.MustCompile(`^fb\.1\.(\d{10,})\.([0-9A-Za-z]+)$`)
)

// FormatFBC renders the _fbc cookie value for a click id captured at t.
func FormatFBC(t time.Time, fbclid string) string {
	return fmt.Sprintf("fb.1.%d.%s", t.UnixMilli(), fbclid)
}

// ParseFBC splits an _fbc value into its creation time and click id.
func ParseFBC(v string) (created time.Time, fbclid string, ok bool) {
	m := fbcPattern.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return time.Time{}, "", false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.UnixMilli(ms), m[2], true
}

// ValidFBP reports whether v has the fb.1.<unix_ms>.<random> shape.
func ValidFBP(v string) bool {
	return fbpPattern.MatchString(v)
}
