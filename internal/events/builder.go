// Package events composes canonical event payloads.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/storage"
)

// Builder assembles the user and custom data of a logical event.
type Builder struct {
	Product domain.Product
	Country string
	Logger  *slog.Logger
}

func NewBuilder(p domain.Product, country string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{Product: p, Country: country, Logger: logger}
}

// Build merges explicit over cached user data, fills the tracking identifiers
// and attaches the fixed product fields.
func (b *Builder) Build(name domain.EventName, explicit, cached domain.UserData, ids domain.TrackingIdentifiers, sourceURL string) domain.Payload {
	ud := cached.Merge(explicit).WithIdentifiers(ids)
	if ud.Country == "" && ud.HasPII() {
		ud.Country = b.Country
	}
	cd := b.Product.CustomData()
	if name == domain.EventPageView || !name.Standard() {
		// page views and engagement events carry no cart
		cd = domain.CustomData{
			ContentName:     b.Product.Name,
			ContentCategory: b.Product.Category,
			ContentIDs:      domain.StringList{b.Product.ID},
			Items:           domain.ItemList{},
		}
	}
	return domain.Payload{UserData: ud, CustomData: cd, SourceURL: sourceURL}
}

// CachedUserData reads the personal data a previous checkout saved.
func CachedUserData(ctx context.Context, local storage.KV) domain.UserData {
	var ud domain.UserData
	if raw := storage.GetString(ctx, local, storage.KeyUserPersonalData); raw != "" {
		_ = json.Unmarshal([]byte(raw), &ud)
	}
	var loc domain.Location
	if raw := storage.GetString(ctx, local, storage.KeyUserLocation); raw != "" {
		_ = json.Unmarshal([]byte(raw), &loc)
	}
	return ud.Merge(domain.UserData{
		Email:   storage.GetString(ctx, local, storage.KeyUserEmail),
		Phone:   storage.GetString(ctx, local, storage.KeyUserPhone),
		City:    loc.City,
		State:   loc.State,
		Zip:     loc.Zip,
		Country: loc.Country,
	})
}

// SaveUserData persists checkout personal data for later events.
func SaveUserData(ctx context.Context, local storage.KV, ud domain.UserData) error {
	if local == nil {
		return nil
	}
	personal := domain.UserData{
		Email:     ud.Email,
		Phone:     ud.Phone,
		FirstName: ud.FirstName,
		LastName:  ud.LastName,
	}
	raw, err := json.Marshal(personal)
	if err != nil {
		return err
	}
	loc, err := json.Marshal(domain.Location{City: ud.City, State: ud.State, Zip: ud.Zip, Country: ud.Country})
	if err != nil {
		return err
	}
	for k, v := range map[string]string{
		storage.KeyUserPersonalData: string(raw),
		storage.KeyUserEmail:        ud.Email,
		storage.KeyUserPhone:        ud.Phone,
		storage.KeyUserLocation:     string(loc),
	} {
		if v == "" {
			continue
		}
		if err := local.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}
