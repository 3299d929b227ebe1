// Package capi builds and sends Facebook Conversions API events.
package capi

import (
	"strings"
	"time"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/pii"
)

// ActionWebsite is the only action source this service reports.
const ActionWebsite = "website"

// RelayRequest is the body accepted by the relay endpoint.
type RelayRequest struct {
	EventName      string            `json:"event_name"`
	EventID        string            `json:"event_id"`
	PixelID        string            `json:"pixel_id"`
	UserData       domain.UserData   `json:"user_data"`
	CustomData     domain.CustomData `json:"custom_data"`
	EventSourceURL string            `json:"event_source_url,omitempty"`
}

// Validate reports the request fields the relay cannot do without.
func (r *RelayRequest) Validate() []domain.FieldError {
	var errs []domain.FieldError
	if strings.TrimSpace(r.EventName) == "" {
		errs = append(errs, domain.FieldError{Field: "event_name", Msg: "required"})
	}
	if strings.TrimSpace(r.PixelID) == "" {
		errs = append(errs, domain.FieldError{Field: "pixel_id", Msg: "required"})
	} else if domain.Digits(r.PixelID) != r.PixelID {
		errs = append(errs, domain.FieldError{Field: "pixel_id", Msg: "must be numeric"})
	}
	if len(r.EventID) > domain.MaxEventIDLen {
		errs = append(errs, domain.FieldError{Field: "event_id", Msg: "too long"})
	}
	if len(r.EventSourceURL) > domain.MaxURLLen {
		errs = append(errs, domain.FieldError{Field: "event_source_url", Msg: "too long"})
	}
	return errs
}

// HashedUserData is user_data after hashing; tracking fields stay plain.
type HashedUserData struct {
	Em      string `json:"em,omitempty"`
	Ph      string `json:"ph,omitempty"`
	Fn      string `json:"fn,omitempty"`
	Ln      string `json:"ln,omitempty"`
	Ct      string `json:"ct,omitempty"`
	St      string `json:"st,omitempty"`
	Zp      string `json:"zp,omitempty"`
	Country string `json:"country,omitempty"`

	ExternalID      string `json:"external_id,omitempty"`
	FBC             string `json:"fbc,omitempty"`
	FBP             string `json:"fbp,omitempty"`
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
}

// HashUserData hashes every PII field and passes tracking fields through.
func HashUserData(u domain.UserData) HashedUserData {
	return HashedUserData{
		Em:      pii.Hash(pii.Email, u.Email),
		Ph:      pii.Hash(pii.Phone, u.Phone),
		Fn:      pii.Hash(pii.FirstName, u.FirstName),
		Ln:      pii.Hash(pii.LastName, u.LastName),
		Ct:      pii.Hash(pii.City, u.City),
		St:      pii.Hash(pii.State, u.State),
		Zp:      pii.Hash(pii.Zip, u.Zip),
		Country: pii.Hash(pii.Country, u.Country),

		ExternalID:      strings.TrimSpace(u.ExternalID),
		FBC:             strings.TrimSpace(u.FBC),
		FBP:             strings.TrimSpace(u.FBP),
		ClientIPAddress: strings.TrimSpace(u.ClientIPAddress),
		ClientUserAgent: u.ClientUserAgent,
	}
}

// CustomData is custom_data with the Conversions API contents list.
type CustomData struct {
	domain.CustomData
	Contents []domain.Content `json:"contents"`
}

// ServerEvent is one entry of the Conversions API data array.
type ServerEvent struct {
	EventName      string         `json:"event_name"`
	EventTime      int64          `json:"event_time"`
	EventID        string         `json:"event_id,omitempty"`
	ActionSource   string         `json:"action_source"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	UserData       HashedUserData `json:"user_data"`
	CustomData     CustomData     `json:"custom_data"`
}

// Payload is the body POSTed to /<pixel_id>/events.
type Payload struct {
	Data          []ServerEvent `json:"data"`
	TestEventCode string        `json:"test_event_code,omitempty"`
}

// BuildPayload turns a relay request into a Conversions API payload.
// content_ids and items were already coerced to arrays while decoding.
func BuildPayload(r RelayRequest, now time.Time, testCode string) Payload {
	name := r.EventName
	if n, ok := domain.ParseEventName(name); ok {
		name = n.FacebookName()
	}
	cd := r.CustomData
	if cd.ContentIDs == nil {
		cd.ContentIDs = domain.StringList{}
	}
	if cd.Items == nil {
		cd.Items = domain.ItemList{}
	}
	if len(cd.ContentIDs) == 0 {
		for _, it := range cd.Items {
			if it.ItemID != "" {
				cd.ContentIDs = append(cd.ContentIDs, it.ItemID)
			}
		}
	}
	return Payload{
		Data: []ServerEvent{{
			EventName:      name,
			EventTime:      now.Unix(),
			EventID:        r.EventID,
			ActionSource:   ActionWebsite,
			EventSourceURL: r.EventSourceURL,
			UserData:       HashUserData(r.UserData),
			CustomData:     CustomData{CustomData: cd, Contents: cd.Items.Contents()},
		}},
		TestEventCode: testCode,
	}
}
