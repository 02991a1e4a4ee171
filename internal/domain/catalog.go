package domain

// Product — товар из внешнего каталога.
type Product struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PriceMinor int64  `json:"price_minor"`
	Active     bool   `json:"active"`
}

// CartLine — строка корзины.
type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Cart — корзина пользователя или гостевой сессии.
type Cart struct {
	Owner string     `json:"owner"`
	Lines []CartLine `json:"lines"`
}
