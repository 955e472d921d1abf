package model

import "time"

// Expense is a recorded business expense.
type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Vendor      string    `json:"vendor"`
	Category    string    `json:"category,omitempty"`
	Date        time.Time `json:"date"`
}

// Label is the grouping key used for statistics: the category when known,
// otherwise the vendor.
func (e Expense) Label() string {
	if e.Category != "" {
		return e.Category
	}
	return e.Vendor
}

// Product is an inventory item.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	SKU           string  `json:"sku,omitempty"`
	Category      string  `json:"category,omitempty"`
	CurrentStock  float64 `json:"current_stock"`
	MinStockLevel float64 `json:"min_stock_level"`
	MaxStockLevel float64 `json:"max_stock_level"`
	ReorderPoint  float64 `json:"reorder_point"`
	UnitCost      float64 `json:"unit_cost,omitempty"`
}

// Stock movement directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// StockMovement is a single inbound or outbound quantity change.
type StockMovement struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  float64   `json:"quantity"`
	Direction string    `json:"direction"`
	Date      time.Time `json:"date"`
}

// TenderStatus is the lifecycle state of a tender.
type TenderStatus string

const (
	TenderDraft      TenderStatus = "draft"
	TenderInProgress TenderStatus = "in_progress"
	TenderSubmitted  TenderStatus = "submitted"
	TenderWon        TenderStatus = "won"
	TenderLost       TenderStatus = "lost"
	TenderCancelled  TenderStatus = "cancelled"
)

// Decided reports whether the tender reached a won or lost outcome.
func (s TenderStatus) Decided() bool {
	return s == TenderWon || s == TenderLost
}

// Tender is a public procurement opportunity.
type Tender struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Category       string       `json:"category"`
	Authority      string       `json:"authority,omitempty"`
	Description    string       `json:"description,omitempty"`
	EstimatedValue float64      `json:"estimated_value"`
	SubmittedPrice float64      `json:"submitted_price,omitempty"`
	Status         TenderStatus `json:"status"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Price returns the submitted price when known, else the estimated value.
func (t Tender) Price() float64 {
	if t.SubmittedPrice > 0 {
		return t.SubmittedPrice
	}
	return t.EstimatedValue
}
