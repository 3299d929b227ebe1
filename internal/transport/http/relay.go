package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"example.com/landingtrack/internal/capi"
)

// relayResponse is the envelope the landing page scripts expect from the
// Facebook endpoints; it is not a problem document.
type relayResponse struct {
	Success          bool                 `json:"success"`
	Message          string               `json:"message"`
	FacebookResponse json.RawMessage      `json:"facebookResponse,omitempty"`
	Error            any                  `json:"error,omitempty"`
	HashedData       *capi.HashedUserData `json:"hashedData,omitempty"`
	Repeat           bool                 `json:"repeat,omitempty"`
}

// HandleRelay hashes an event and forwards it to the Conversions API.
// Bad input and upstream rejections answer 400; a missing token or a
// network failure answers 500.
func (d *ServerDeps) HandleRelay(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req capi.RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, relayResponse{Message: "Invalid JSON body", Error: err.Error()})
		return
	}
	if req.PixelID == "" {
		req.PixelID = d.Cfg.FacebookPixelID
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, relayResponse{Message: "Invalid event", Error: fieldProblems(errs)})
		return
	}

	res, err := d.Relay.Forward(r.Context(), req)
	var hashed *capi.HashedUserData
	if len(res.Payload.Data) > 0 {
		hashed = &res.Payload.Data[0].UserData
	}
	var upstream *capi.UpstreamError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, relayResponse{
			Success:          true,
			Message:          "Event sent to Facebook",
			FacebookResponse: res.Response,
			HashedData:       hashed,
			Repeat:           res.Repeat,
		})
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadRequest, relayResponse{
			Message:    "Facebook rejected the event: " + upstream.Message(),
			Error:      upstream.Body,
			HashedData: hashed,
		})
	case errors.Is(err, capi.ErrMissingToken):
		writeJSON(w, http.StatusInternalServerError, relayResponse{Message: "Server misconfigured", Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, relayResponse{Message: "Could not reach Facebook", Error: err.Error()})
	}
}

type testTokenReq struct {
	AccessToken   string `json:"accessToken"`
	PixelID       string `json:"pixelId"`
	TestEventCode string `json:"testEventCode,omitempty"`
}

type testTokenResp struct {
	Success   bool            `json:"success"`
	PixelInfo json.RawMessage `json:"pixelInfo,omitempty"`
	EventTest json.RawMessage `json:"eventTest,omitempty"`
	Error     string          `json:"error,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// HandleTestToken checks a token against a pixel with a read and a test event.
func (d *ServerDeps) HandleTestToken(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req testTokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, testTokenResp{Error: "invalid JSON body"})
		return
	}
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	req.PixelID = strings.TrimSpace(req.PixelID)
	if req.AccessToken == "" || req.PixelID == "" {
		writeJSON(w, http.StatusBadRequest, testTokenResp{Error: "accessToken and pixelId are required"})
		return
	}
	res, err := d.CAPI.TestToken(r.Context(), req.AccessToken, req.PixelID, req.TestEventCode, d.Now())
	if err != nil {
		out := testTokenResp{PixelInfo: res.PixelInfo, Error: err.Error()}
		var upstream *capi.UpstreamError
		if errors.As(err, &upstream) {
			out.Error = upstream.Message()
			out.Details = upstream.Body
			writeJSON(w, http.StatusBadRequest, out)
			return
		}
		writeJSON(w, http.StatusInternalServerError, out)
		return
	}
	writeJSON(w, http.StatusOK, testTokenResp{Success: true, PixelInfo: res.PixelInfo, EventTest: res.EventTest})
}
