package domain

// Product describes the single item sold on the landing page.
type Product struct {
	ID         string
	Name       string
	Category   string
	PriceCents int64
	Currency   string
}

// DefaultProduct is used when no PRODUCT_* overrides are configured.
var DefaultProduct = Product{
	ID:         "ebook-principal",
	Name:       "E-book",
	Category:   "ebook",
	PriceCents: 4700,
	Currency:   "BRL",
}

func (p Product) Price() float64 { return float64(p.PriceCents) / 100 }

func (p Product) Item() Item {
	return Item{
		ItemID:       p.ID,
		ItemName:     p.Name,
		ItemCategory: p.Category,
		Price:        p.Price(),
		Quantity:     1,
	}
}

// CustomData returns the fixed product fields of every conversion event.
func (p Product) CustomData() CustomData {
	return CustomData{
		Currency:        p.Currency,
		Value:           p.Price(),
		ContentName:     p.Name,
		ContentCategory: p.Category,
		ContentType:     "product",
		ContentIDs:      StringList{p.ID},
		Items:           ItemList{p.Item()},
		NumItems:        1,
	}
}
