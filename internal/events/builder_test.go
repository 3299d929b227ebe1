package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/storage"
)

func TestBuildPriority(t *testing.T) {
	b := NewBuilder(domain.DefaultProduct, "br", nil)
	ids := domain.TrackingIdentifiers{FBC: "fb.1.1.abc", FBP: "fb.1.1.xyz", ExternalID: "ext", ClientIP: "203.0.113.1", UserAgent: "ua"}
	cached := domain.UserData{Email: "cached@example.com", City: "Recife"}
	explicit := domain.UserData{Email: "form@example.com"}

	p := b.Build(domain.EventInitiateCheckout, explicit, cached, ids, "https://x.example.com/")
	ud := p.UserData
	if ud.Email != "form@example.com" || ud.City != "Recife" || ud.Country != "br" {
		t.Fatalf("user data = %+v", ud)
	}
	if ud.FBC != ids.FBC || ud.FBP != ids.FBP || ud.ExternalID != "ext" || ud.ClientIPAddress != ids.ClientIP {
		t.Fatalf("identifiers not applied: %+v", ud)
	}
	if p.CustomData.Value != domain.DefaultProduct.Price() {
		t.Fatalf("value = %v", p.CustomData.Value)
	}
}

func TestBuildEmitsNativeArrays(t *testing.T) {
	b := NewBuilder(domain.DefaultProduct, "br", nil)
	for _, name := range []domain.EventName{domain.EventPageView, domain.EventViewContent, domain.EventInitiateCheckout} {
		p := b.Build(name, domain.UserData{}, domain.UserData{}, domain.TrackingIdentifiers{}, "")
		raw, err := json.Marshal(p.CustomData)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var fields map[string]json.RawMessage
		_ = json.Unmarshal(raw, &fields)
		for _, k := range []string{"content_ids", "items"} {
			if !strings.HasPrefix(string(fields[k]), "[") {
				t.Fatalf("%s: %s is %s", name, k, fields[k])
			}
		}
	}
}

func TestSaveAndLoadUserData(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	in := domain.UserData{Email: "ana@example.com", Phone: "11987654321", FirstName: "Ana", LastName: "Souza", City: "São Paulo", State: "SP", Zip: "01310100", Country: "br"}
	if err := SaveUserData(ctx, kv, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := CachedUserData(ctx, kv)
	if got != in {
		t.Fatalf("round trip:\n got %+v\nwant %+v", got, in)
	}
	if CachedUserData(ctx, nil) != (domain.UserData{}) {
		t.Fatal("nil storage must yield empty data")
	}
}
