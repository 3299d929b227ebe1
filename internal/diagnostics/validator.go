// Package diagnostics scores the identifiers captured for a visitor.
package diagnostics

import (
	"fmt"
	"net"
	"regexp"

	"example.com/landingtrack/internal/domain"
)

// Quick reports whether the identifiers needed for conversion are present.
type Quick struct {
	FBC                bool `json:"fbc"`
	FBP                bool `json:"fbp"`
	ExternalID         bool `json:"external_id"`
	ReadyForConversion bool `json:"readyForConversion"`
}

func QuickValidation(ids domain.TrackingIdentifiers) Quick {
	q := Quick{
		FBC:        ids.FBC != "",
		FBP:        ids.FBP != "",
		ExternalID: ids.ExternalID != "",
	}
	q.ReadyForConversion = q.FBC && q.FBP && q.ExternalID
	return q
}

// Check is one scored test.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

// Report is computed on demand and never stored.
type Report struct {
	Score    int                        `json:"score"`
	Quick    Quick                      `json:"quick"`
	Checks   []Check                    `json:"checks"`
	Problems []string                   `json:"problems"`
	Data     domain.TrackingIdentifiers `json:"data"`
}

var hexID = regexp.MustCompile(`^[0-9a-f]{32}([0-9a-f]{32})?$`)

// Validate scores presence and shape of ids. configProblems are copied into
// the report; a failed check adds its own problem.
func Validate(ids domain.TrackingIdentifiers, configProblems []string) Report {
	_, _, fbcOK := domain.ParseFBC(ids.FBC)
	checks := []Check{
		{Name: "fbc_present", Weight: 15, Passed: ids.FBC != ""},
		{Name: "fbc_format", Weight: 15, Passed: fbcOK},
		{Name: "fbp_present", Weight: 15, Passed: ids.FBP != ""},
		{Name: "fbp_format", Weight: 15, Passed: domain.ValidFBP(ids.FBP)},
		{Name: "external_id", Weight: 20, Passed: hexID.MatchString(ids.ExternalID)},
		{Name: "client_ip", Weight: 10, Passed: net.ParseIP(ids.ClientIP) != nil},
		{Name: "utm_source", Weight: 5, Passed: ids.UTMSource != ""},
		{Name: "ga_client_id", Weight: 5, Passed: ids.GAClientID != ""},
	}

	r := Report{Quick: QuickValidation(ids), Data: ids, Problems: []string{}}
	r.Problems = append(r.Problems, configProblems...)
	for i := range checks {
		c := &checks[i]
		if c.Passed {
			r.Score += c.Weight
			continue
		}
		c.Detail = detail(c.Name, ids)
		r.Problems = append(r.Problems, c.Detail)
	}
	r.Checks = checks
	return r
}

func detail(check string, ids domain.TrackingIdentifiers) string {
	switch check {
	case "fbc_present":
		return "no _fbc: visitor did not arrive from a Facebook ad click"
	case "fbc_format":
		if ids.FBC == "" {
			return "fbc format not checked: no value"
		}
		return fmt.Sprintf("fbc %q does not match fb.1.<ms>.<fbclid>", ids.FBC)
	case "fbp_present":
		return "no _fbp cookie"
	case "fbp_format":
		if ids.FBP == "" {
			return "fbp format not checked: no value"
		}
		return fmt.Sprintf("fbp %q does not match fb.1.<ms>.<random>", ids.FBP)
	case "external_id":
		if ids.ExternalID == "" {
			return "no external_id"
		}
		return "external_id is not a hex digest"
	case "client_ip":
		return "client IP unknown"
	case "utm_source":
		return "no utm_source"
	case "ga_client_id":
		return "no _ga cookie"
	}
	return check + " failed"
}
