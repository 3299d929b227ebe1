package domain

import "strings"

// UserData is the personal and matching data attached to an event.
// PII fields are plain text until the relay hashes them.
type UserData struct {
	Email     string `json:"em,omitempty"`
	Phone     string `json:"ph,omitempty"`
	FirstName string `json:"fn,omitempty"`
	LastName  string `json:"ln,omitempty"`
	City      string `json:"ct,omitempty"`
	State     string `json:"st,omitempty"`
	Zip       string `json:"zp,omitempty"`
	Country   string `json:"country,omitempty"`

	ExternalID      string `json:"external_id,omitempty"`
	FBC             string `json:"fbc,omitempty"`
	FBP             string `json:"fbp,omitempty"`
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
}

// Merge returns u with every non-empty field of override applied on top.
func (u UserData) Merge(override UserData) UserData {
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	pick(&u.Email, override.Email)
	pick(&u.Phone, override.Phone)
	pick(&u.FirstName, override.FirstName)
	pick(&u.LastName, override.LastName)
	pick(&u.City, override.City)
	pick(&u.State, override.State)
	pick(&u.Zip, override.Zip)
	pick(&u.Country, override.Country)
	pick(&u.ExternalID, override.ExternalID)
	pick(&u.FBC, override.FBC)
	pick(&u.FBP, override.FBP)
	pick(&u.ClientIPAddress, override.ClientIPAddress)
	pick(&u.ClientUserAgent, override.ClientUserAgent)
	return u
}

// HasPII reports whether any personal field is set.
func (u UserData) HasPII() bool {
	return u.Email != "" || u.Phone != "" || u.FirstName != "" || u.LastName != "" ||
		u.City != "" || u.State != "" || u.Zip != "" || u.Country != ""
}

// WithIdentifiers fills the non-PII matching fields from ids where unset.
func (u UserData) WithIdentifiers(ids TrackingIdentifiers) UserData {
	return UserData{
		ExternalID:      ids.ExternalID,
		FBC:             ids.FBC,
		FBP:             ids.FBP,
		ClientIPAddress: ids.ClientIP,
		ClientUserAgent: ids.UserAgent,
	}.Merge(u)
}

// Location is the address part of the checkout form saved for later events.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}
