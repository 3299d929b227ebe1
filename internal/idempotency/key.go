package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"example.com/landingtrack/internal/domain"
)

type KeySource string

const (
	KeyFromEventID   KeySource = "event_id"
	KeyFromComposite KeySource = "composite"
)

// Fingerprint returns a stable key for an (event name, payload) combination.
// encoding/json writes struct fields in declaration order, so equal payloads
// hash equally.
func Fingerprint(name domain.EventName, data *domain.Payload) string {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte(fmt.Sprintf("%+v", data))
	}
	sum := sha256.Sum256(append([]byte(string(name)+"|"), b...))
	return hex.EncodeToString(sum[:])
}

// DeriveKey returns the key used to deduplicate an inbound event.
// - Prefer an explicit event id when the caller provided one.
// - Fall back to the payload fingerprint.
func DeriveKey(eventID string, name domain.EventName, data *domain.Payload) (key string, src KeySource) {
	if eventID != "" {
		return eventID, KeyFromEventID
	}
	return Fingerprint(name, data), KeyFromComposite
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomToken returns n base-36 characters.
func RandomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}

// BaseEventID builds "<name>_<ts>_<rand>". Facebook-bound channels send the
// base id so the browser and server copies of an event deduplicate upstream.
func BaseEventID(name domain.EventName, at time.Time) string {
	return string(name) + "_" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + RandomToken(9)
}

// ChannelEventID builds "<name>_<ts>_<rand>_<channel>" from a base id.
func ChannelEventID(base string, ch domain.Channel) string {
	return base + "_" + string(ch)
}

// BaseOf strips the channel suffix from a channel-scoped id.
func BaseOf(channelID string, ch domain.Channel) string {
	return strings.TrimSuffix(channelID, "_"+string(ch))
}
