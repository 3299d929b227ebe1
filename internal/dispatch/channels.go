package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"example.com/landingtrack/internal/capi"
	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/pii"
)

// Envelope is what a channel receives for one send.
type Envelope struct {
	Name domain.EventName
	// ChannelID is the channel-scoped id: <name>_<ts>_<rand>_<channel>.
	ChannelID string
	// SharedID is the id Facebook deduplicates on across channels.
	SharedID  string
	Payload   domain.Payload
	DataLayer *DataLayer
}

// Channel delivers an event through one route.
type Channel interface {
	Name() domain.Channel
	Send(ctx context.Context, env Envelope) error
}

// ErrNoDataLayer means the page has no GTM queue to push onto.
var ErrNoDataLayer = errors.New("dispatch: no dataLayer for this page")

// GTMChannel pushes onto the page's dataLayer.
type GTMChannel struct{}

func (GTMChannel) Name() domain.Channel { return domain.ChannelGTM }

func (GTMChannel) Send(_ context.Context, env Envelope) error {
	if env.DataLayer == nil {
		return ErrNoDataLayer
	}
	env.DataLayer.Push(DataLayerEntry{
		Event:      string(env.Name),
		EventID:    env.SharedID,
		UserData:   env.Payload.UserData,
		CustomData: env.Payload.CustomData,
	})
	return nil
}

// ServerChannel posts the event to the relay endpoint.
type ServerChannel struct {
	RelayURL string
	PixelID  string
	HTTP     *http.Client
}

func (ServerChannel) Name() domain.Channel { return domain.ChannelServer }

func (s ServerChannel) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(capi.RelayRequest{
		EventName:      string(env.Name),
		EventID:        env.SharedID,
		PixelID:        s.PixelID,
		UserData:       env.Payload.UserData,
		CustomData:     env.Payload.CustomData,
		EventSourceURL: env.Payload.SourceURL,
	})
	if err != nil {
		return fmt.Errorf("encode relay request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.RelayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return expectOK(httpClient(s.HTTP).Do(req))
}

// PixelChannel reports the event to the Pixel's HTTP endpoint, the same
// request the Pixel SDK issues from the browser.
type PixelChannel struct {
	Endpoint string
	PixelID  string
	HTTP     *http.Client
}

func (PixelChannel) Name() domain.Channel { return domain.ChannelPixel }

func (p PixelChannel) Send(ctx context.Context, env Envelope) error {
	if p.PixelID == "" {
		return capi.ErrMissingPixelID
	}
	q := PixelParams(p.PixelID, env)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build pixel request: %w", err)
	}
	if ua := env.Payload.UserData.ClientUserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	return expectOK(httpClient(p.HTTP).Do(req))
}

// PixelParams flattens an event into the Pixel query string: items become
// contents, item_id becomes id and price becomes item_price.
func PixelParams(pixelID string, env Envelope) url.Values {
	cd := env.Payload.CustomData
	ud := env.Payload.UserData
	q := url.Values{}
	q.Set("id", pixelID)
	q.Set("ev", env.Name.FacebookName())
	q.Set("eid", env.SharedID)
	if env.Payload.SourceURL != "" {
		q.Set("dl", env.Payload.SourceURL)
	}
	if ud.FBP != "" {
		q.Set("fbp", ud.FBP)
	}
	if ud.FBC != "" {
		q.Set("fbc", ud.FBC)
	}
	if cd.Currency != "" {
		q.Set("cd[currency]", cd.Currency)
		q.Set("cd[value]", strconv.FormatFloat(cd.Value, 'f', 2, 64))
	}
	if cd.ContentName != "" {
		q.Set("cd[content_name]", cd.ContentName)
	}
	if cd.ContentCategory != "" {
		q.Set("cd[content_category]", cd.ContentCategory)
	}
	if cd.ContentType != "" {
		q.Set("cd[content_type]", cd.ContentType)
	}
	if ids, err := json.Marshal(cd.ContentIDs); err == nil {
		q.Set("cd[content_ids]", string(ids))
	}
	if len(cd.Items) > 0 {
		if contents, err := json.Marshal(cd.Items.Contents()); err == nil {
			q.Set("cd[contents]", string(contents))
		}
		q.Set("cd[num_items]", strconv.Itoa(len(cd.Items)))
	}
	if cd.ScrollPercentage > 0 {
		q.Set("cd[scroll_percentage]", strconv.Itoa(cd.ScrollPercentage))
	}
	if cd.TimeOnPage > 0 {
		q.Set("cd[time_on_page]", strconv.Itoa(cd.TimeOnPage))
	}
	if cd.IntentTrigger != "" {
		q.Set("cd[intent_trigger]", cd.IntentTrigger)
	}
	for field, v := range map[string]string{
		pii.Email: ud.Email, pii.Phone: ud.Phone, pii.FirstName: ud.FirstName, pii.LastName: ud.LastName,
		pii.City: ud.City, pii.State: ud.State, pii.Zip: ud.Zip, pii.Country: ud.Country,
	} {
		if h := pii.Hash(field, v); h != "" {
			q.Set("ud["+field+"]", h)
		}
	}
	if ud.ExternalID != "" {
		q.Set("ud[external_id]", ud.ExternalID)
	}
	return q
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func expectOK(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
