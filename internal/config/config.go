package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"example.com/landingtrack/internal/domain"
)

type Config struct {
	Port                   string
	PostgresDSN            string
	SQLitePath             string
	QueueMaxSize           int
	BatchMaxSize           int
	BatchMaxWait           time.Duration
	MaxBodyBytes           int64
	RateLimitMetricsPerMin int
	APIKeys                map[string]struct{}
	AllowedOrigins         []string
	LogLevel               string

	FacebookAccessToken string
	FacebookPixelID     string
	GraphAPIVersion     string
	GraphBaseURL        string
	PixelEndpoint       string
	TestEventCode       string
	RelayURL            string

	ChannelGTM    bool
	ChannelServer bool
	ChannelPixel  bool

	CookieDomain    string
	IPLookupURLs    []string
	IPLookupTimeout time.Duration
	PostalLookupURL string
	Country         string
	// checkout waits this long for an fbclid still being captured
	FBCWaitAttempts int
	FBCWaitInterval time.Duration

	Product       domain.Product
	DedupWindow   time.Duration
	SweepInterval time.Duration
	SessionTTL    time.Duration
}

func Parse() Config {
	def := domain.DefaultProduct
	c := Config{
		Port:                   getString("PORT", "8080"),
		PostgresDSN:            getString("POSTGRES_DSN", ""),
		SQLitePath:             getString("SQLITE_PATH", "data/visitors.db"),
		QueueMaxSize:           getInt("QUEUE_MAX_SIZE", 10_000),
		BatchMaxSize:           getInt("BATCH_MAX_SIZE", 500),
		BatchMaxWait:           time.Duration(getInt("BATCH_MAX_WAIT_MS", 50)) * time.Millisecond,
		MaxBodyBytes:           int64(getInt("MAX_BODY_BYTES", 65_536)),
		RateLimitMetricsPerMin: getInt("RATE_LIMIT_METRICS_PER_MIN", 20),
		APIKeys:                parseKeys(getString("API_KEYS", "")),
		AllowedOrigins:         parseList(getString("ALLOWED_ORIGINS", "")),
		LogLevel:               getString("LOG_LEVEL", "info"),

		FacebookAccessToken: getString("FACEBOOK_ACCESS_TOKEN", ""),
		FacebookPixelID:     getString("FACEBOOK_PIXEL_ID", ""),
		GraphAPIVersion:     getString("GRAPH_API_VERSION", "v23.0"),
		GraphBaseURL:        getString("GRAPH_BASE_URL", "https://graph.facebook.com"),
		PixelEndpoint:       getString("PIXEL_ENDPOINT", "https://www.facebook.com/tr"),
		TestEventCode:       getString("FACEBOOK_TEST_EVENT_CODE", ""),
		RelayURL:            getString("RELAY_URL", ""),

		ChannelGTM:    getBool("CHANNEL_GTM", true),
		ChannelServer: getBool("CHANNEL_SERVER", true),
		ChannelPixel:  getBool("CHANNEL_PIXEL", true),

		CookieDomain:    getString("COOKIE_DOMAIN", ""),
		IPLookupURLs:    parseList(getString("IP_LOOKUP_URLS", "")),
		IPLookupTimeout: time.Duration(getInt("IP_LOOKUP_TIMEOUT_MS", 2_000)) * time.Millisecond,
		PostalLookupURL: getString("POSTAL_LOOKUP_URL", "https://viacep.com.br/ws"),
		Country:         getString("COUNTRY", "br"),
		FBCWaitAttempts: getInt("FBC_WAIT_ATTEMPTS", 3),
		FBCWaitInterval: time.Duration(getInt("FBC_WAIT_INTERVAL_MS", 50)) * time.Millisecond,

		Product: domain.Product{
			ID:         getString("PRODUCT_ID", def.ID),
			Name:       getString("PRODUCT_NAME", def.Name),
			Category:   getString("PRODUCT_CATEGORY", def.Category),
			PriceCents: getInt64("PRODUCT_PRICE_CENTS", def.PriceCents),
			Currency:   getString("PRODUCT_CURRENCY", def.Currency),
		},
		DedupWindow:   getDuration("DEDUP_WINDOW_SECONDS", domain.DefaultWindow),
		SweepInterval: getDuration("SWEEP_INTERVAL_SECONDS", domain.DefaultSweep),
		SessionTTL:    getDuration("SESSION_TTL_SECONDS", 30*time.Minute),
	}
	if c.RelayURL == "" {
		// the server channel posts to this process's own relay endpoint
		c.RelayURL = "http://127.0.0.1:" + c.Port + "/api/facebook-pixel"
	}
	return c
}

// Problems lists misconfigurations that make a channel fail on every call.
// None of them stops the server.
func (c Config) Problems() []string {
	var out []string
	if c.FacebookAccessToken == "" {
		out = append(out, "FACEBOOK_ACCESS_TOKEN is not set: server relay calls will fail")
	}
	if c.FacebookPixelID == "" {
		out = append(out, "FACEBOOK_PIXEL_ID is not set: server and pixel channels cannot send")
	} else if _, err := strconv.ParseUint(c.FacebookPixelID, 10, 64); err != nil {
		out = append(out, "FACEBOOK_PIXEL_ID must be numeric")
	}
	if !c.ChannelGTM && !c.ChannelServer && !c.ChannelPixel {
		out = append(out, "all delivery channels are disabled")
	}
	if c.Product.PriceCents < 0 {
		out = append(out, "PRODUCT_PRICE_CENTS must not be negative")
	}
	return out
}

func parseKeys(csv string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, k := range parseList(csv) {
		m[k] = struct{}{}
	}
	return m
}

func parseList(csv string) []string {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil
	}
	var out []string
	for _, k := range strings.Split(csv, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getDuration reads whole seconds.
func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
