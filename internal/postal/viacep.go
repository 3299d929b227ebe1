// Package postal resolves Brazilian postal codes (CEP) to addresses.
package postal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"example.com/landingtrack/internal/domain"
)

const DefaultBaseURL = "https://viacep.com.br/ws"

var (
	ErrInvalidCEP = errors.New("postal: CEP must have 8 digits")
	ErrNotFound   = errors.New("postal: CEP not found")
)

// Address is the part of a ViaCEP answer used to fill checkout fields.
type Address struct {
	CEP          string `json:"cep"`
	Street       string `json:"logradouro"`
	Neighborhood string `json:"bairro"`
	City         string `json:"localidade"`
	State        string `json:"uf"`
}

// Location converts the address to stored user location.
func (a Address) Location(country string) domain.Location {
	return domain.Location{City: a.City, State: a.State, Zip: domain.Digits(a.CEP), Country: country}
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}, Logger: logger}
}

// Lookup fetches the address of cep. Any punctuation in cep is ignored.
func (c *Client) Lookup(ctx context.Context, cep string) (Address, error) {
	cep = domain.Digits(cep)
	if len(cep) != 8 {
		return Address{}, ErrInvalidCEP
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+cep+"/json/", nil)
	if err != nil {
		return Address{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Address{}, fmt.Errorf("postal lookup: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Address{}, fmt.Errorf("postal lookup: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		return Address{}, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return Address{}, fmt.Errorf("postal lookup: status %d", resp.StatusCode)
	}
	var out struct {
		Address
		Erro json.RawMessage `json:"erro"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Address{}, fmt.Errorf("postal lookup: decode: %w", err)
	}
	// ViaCEP answers 200 with {"erro": true} (or "true") for unknown codes
	if e := strings.Trim(string(out.Erro), `"`); e == "true" {
		return Address{}, ErrNotFound
	}
	return out.Address, nil
}
