package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CustomData is the product part of an event.
// ContentIDs and Items always encode as native JSON arrays; Facebook rejects
// the JSON-string form.
type CustomData struct {
	Currency        string     `json:"currency,omitempty"`
	Value           float64    `json:"value"`
	ContentName     string     `json:"content_name,omitempty"`
	ContentCategory string     `json:"content_category,omitempty"`
	ContentType     string     `json:"content_type,omitempty"`
	ContentIDs      StringList `json:"content_ids"`
	Items           ItemList   `json:"items"`
	NumItems        int        `json:"num_items,omitempty"`

	// engagement events only
	ScrollPercentage int    `json:"scroll_percentage,omitempty"`
	TimeOnPage       int    `json:"time_on_page,omitempty"`
	IntentTrigger    string `json:"intent_trigger,omitempty"`
}

// Item is one line of the cart.
type Item struct {
	ItemID       string  `json:"item_id"`
	ItemName     string  `json:"item_name,omitempty"`
	ItemCategory string  `json:"item_category,omitempty"`
	Price        float64 `json:"price"`
	Quantity     int     `json:"quantity"`
}

// StringList decodes from an array, a JSON-encoded array string, or a scalar.
type StringList []string

func (l StringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*l = nil
		return nil
	case b[0] == '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("content_ids: %w", err)
		}
		out := make(StringList, 0, len(raw))
		for _, r := range raw {
			s, err := scalarString(r)
			if errors.Is(err, errNotScalar) {
				continue
			}
			if err != nil {
				return fmt.Errorf("content_ids: %w", err)
			}
			if s != "" {
				out = append(out, s)
			}
		}
		*l = out
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("content_ids: %w", err)
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "[") && json.Valid([]byte(s)) {
			return l.UnmarshalJSON([]byte(s))
		}
		if s == "" {
			*l = StringList{}
			return nil
		}
		*l = StringList{s}
		return nil
	default:
		s, err := scalarString(b)
		if errors.Is(err, errNotScalar) {
			// objects carry no usable id
			*l = StringList{}
			return nil
		}
		if err != nil {
			return fmt.Errorf("content_ids: %w", err)
		}
		*l = StringList{s}
		return nil
	}
}

var errNotScalar = errors.New("not a scalar")

func scalarString(b json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %T", errNotScalar, v)
	}
}

// ItemList decodes from an array, a JSON-encoded string, a single object or
// a bare scalar naming the item id.
type ItemList []Item

func (l ItemList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Item(l))
}

func (l *ItemList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*l = nil
		return nil
	case b[0] == '[':
		var items []Item
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("items: %w", err)
		}
		*l = items
		return nil
	case b[0] == '{':
		var it Item
		if err := json.Unmarshal(b, &it); err != nil {
			return fmt.Errorf("items: %w", err)
		}
		*l = ItemList{it}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("items: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*l = ItemList{}
			return nil
		}
		if (s[0] == '[' || s[0] == '{') && json.Valid([]byte(s)) {
			return l.UnmarshalJSON([]byte(s))
		}
		*l = ItemList{{ItemID: s, Quantity: 1}}
		return nil
	default:
		// a bare number or bool is taken as the item id
		s, err := scalarString(b)
		if err != nil {
			return fmt.Errorf("items: %w", err)
		}
		*l = ItemList{{ItemID: s, Quantity: 1}}
		return nil
	}
}

// UnmarshalJSON tolerates prices and quantities sent as strings.
func (it *Item) UnmarshalJSON(b []byte) error {
	var raw struct {
		ItemID       json.RawMessage `json:"item_id"`
		ID           json.RawMessage `json:"id"`
		ItemName     string          `json:"item_name"`
		ItemCategory string          `json:"item_category"`
		Price        json.RawMessage `json:"price"`
		ItemPrice    json.RawMessage `json:"item_price"`
		Quantity     json.RawMessage `json:"quantity"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id := raw.ItemID
	if len(id) == 0 {
		id = raw.ID
	}
	price := raw.Price
	if len(price) == 0 {
		price = raw.ItemPrice
	}
	var err error
	if it.ItemID, err = optionalString(id); err != nil {
		return fmt.Errorf("item_id: %w", err)
	}
	it.ItemName = raw.ItemName
	it.ItemCategory = raw.ItemCategory
	if it.Price, err = optionalFloat(price); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	q, err := optionalFloat(raw.Quantity)
	if err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	it.Quantity = int(q)
	if it.Quantity == 0 {
		it.Quantity = 1
	}
	return nil
}

func optionalString(b json.RawMessage) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	return scalarString(b)
}

func optionalFloat(b json.RawMessage) (float64, error) {
	s, err := optionalString(b)
	if err != nil || s == "" {
		return 0, err
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

// Content is the Pixel/Conversions API shape of a cart line.
type Content struct {
	ID        string  `json:"id"`
	Quantity  int     `json:"quantity"`
	ItemPrice float64 `json:"item_price"`
}

// Contents renames item_id to id and price to item_price.
func (l ItemList) Contents() []Content {
	out := make([]Content, 0, len(l))
	for _, it := range l {
		q := it.Quantity
		if q == 0 {
			q = 1
		}
		out = append(out, Content{ID: it.ItemID, Quantity: q, ItemPrice: it.Price})
	}
	return out
}
