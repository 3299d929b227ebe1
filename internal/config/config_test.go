package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("FACEBOOK_ACCESS_TOKEN", "")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("PORT", "")
	t.Setenv("RELAY_URL", "")
	t.Setenv("PRODUCT_PRICE_CENTS", "")
	t.Setenv("FBC_WAIT_ATTEMPTS", "")
	t.Setenv("FBC_WAIT_INTERVAL_MS", "")
	c := Parse()
	if c.Port != "8080" || c.GraphAPIVersion != "v23.0" || c.DedupWindow != 5*time.Minute || c.SweepInterval != time.Minute {
		t.Fatalf("defaults = %+v", c)
	}
	if c.RelayURL != "http://127.0.0.1:8080/api/facebook-pixel" {
		t.Fatalf("relay url = %s", c.RelayURL)
	}
	if !c.ChannelGTM || !c.ChannelServer || !c.ChannelPixel {
		t.Fatal("channels default to enabled")
	}
	if c.FBCWaitAttempts != 3 || c.FBCWaitInterval != 50*time.Millisecond {
		t.Fatalf("fbc wait = %d x %s", c.FBCWaitAttempts, c.FBCWaitInterval)
	}
	if c.Product.ID != "ebook-principal" || c.Product.PriceCents != 4700 {
		t.Fatalf("product = %+v", c.Product)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("CHANNEL_PIXEL", "false")
	t.Setenv("API_KEYS", " a, ,b ")
	t.Setenv("ALLOWED_ORIGINS", "https://lp.example.com,https://www.example.com")
	t.Setenv("DEDUP_WINDOW_SECONDS", "60")
	t.Setenv("BATCH_MAX_WAIT_MS", "not-a-number")
	t.Setenv("PRODUCT_PRICE_CENTS", "9700")
	c := Parse()
	if c.ChannelPixel {
		t.Fatal("CHANNEL_PIXEL=false ignored")
	}
	if _, ok := c.APIKeys["b"]; !ok || len(c.APIKeys) != 2 {
		t.Fatalf("keys = %v", c.APIKeys)
	}
	if len(c.AllowedOrigins) != 2 || c.DedupWindow != time.Minute || c.BatchMaxWait != 50*time.Millisecond {
		t.Fatalf("config = %+v", c)
	}
	if c.Product.PriceCents != 9700 {
		t.Fatalf("price cents = %d", c.Product.PriceCents)
	}
}

func TestProblems(t *testing.T) {
	c := Config{ChannelServer: true}
	p := strings.Join(c.Problems(), "\n")
	for _, want := range []string{"FACEBOOK_ACCESS_TOKEN", "FACEBOOK_PIXEL_ID"} {
		if !strings.Contains(p, want) {
			t.Fatalf("missing %s in %q", want, p)
		}
	}
	ok := Config{FacebookAccessToken: "t", FacebookPixelID: "123", ChannelGTM: true}
	if got := ok.Problems(); len(got) != 0 {
		t.Fatalf("problems = %v", got)
	}
	if got := (Config{FacebookAccessToken: "t", FacebookPixelID: "12a", ChannelGTM: true}).Problems(); len(got) != 1 {
		t.Fatalf("problems = %v", got)
	}
}
