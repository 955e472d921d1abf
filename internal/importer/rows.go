package importer

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/advisor/internal/model"
)

// row maps normalized column names to raw cell text.
type row map[string]string

// aliases maps alternative column names onto canonical ones.
var aliases = map[string]string{
	"expense_id":     "id",
	"product":        "product_id",
	"tender_id":      "id",
	"stock":          "current_stock",
	"on_hand":        "current_stock",
	"min_stock":      "min_stock_level",
	"max_stock":      "max_stock_level",
	"reorder":        "reorder_point",
	"cost":           "unit_cost",
	"qty":            "quantity",
	"type":           "direction",
	"supplier":       "vendor",
	"merchant":       "vendor",
	"value":          "estimated_value",
	"price":          "submitted_price",
	"buyer":          "authority",
	"created":        "created_at",
	"due_date":       "deadline",
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	if canon, ok := aliases[k]; ok {
		return canon
	}
	return k
}

func normalizeHeader(rec []string) []string {
	out := make([]string, len(rec))
	for i, h := range rec {
		out[i] = normalizeKey(strings.TrimPrefix(h, "\ufeff"))
	}
	return out
}

func mapRow(header, rec []string) row {
	r := make(row, len(header))
	for i, h := range header {
		if h == "" || i >= len(rec) {
			continue
		}
		r[h] = rec[i]
	}
	return r
}

func (r row) required(key string) (string, error) {
	v := r[key]
	if v == "" {
		return "", eris.Errorf("missing %s", key)
	}
	return v, nil
}

func (r row) number(key string, required bool) (float64, error) {
	v := r[key]
	if v == "" {
		if required {
			return 0, eris.Errorf("missing %s", key)
		}
		return 0, nil
	}
	f, err := parseNumber(v)
	if err != nil {
		return 0, eris.Errorf("%s: %q is not a number", key, v)
	}
	return f, nil
}

func (r row) date(key string, required bool) (time.Time, error) {
	v := r[key]
	if v == "" {
		if required {
			return time.Time{}, eris.Errorf("missing %s", key)
		}
		return time.Time{}, nil
	}
	t, err := parseDate(v)
	if err != nil {
		return time.Time{}, eris.Errorf("%s: %q is not a date", key, v)
	}
	return t, nil
}

// parseNumber accepts currency symbols, thousands separators and
// accounting-style negatives.
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	s = strings.Trim(s, "()")
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		f = -f
	}
	return f, nil
}

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"01-02-06",
	"2006/01/02",
}

// parseDate accepts common spreadsheet layouts and Excel serial dates.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		t := xlsx.TimeFromExcelTime(serial, false)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

func (im *Importer) id(r row) string {
	if v := r["id"]; v != "" {
		return v
	}
	return im.newID()
}

func (im *Importer) expense(r row) (model.Expense, error) {
	var e model.Expense
	var err error
	if e.Vendor, err = r.required("vendor"); err != nil {
		return e, err
	}
	if e.Amount, err = r.number("amount", true); err != nil {
		return e, err
	}
	if e.Amount < 0 {
		return e, eris.New("amount must not be negative")
	}
	if e.Date, err = r.date("date", true); err != nil {
		return e, err
	}
	e.ID = im.id(r)
	e.Description = r["description"]
	e.Category = strings.ToLower(r["category"])
	return e, nil
}

func (im *Importer) product(r row) (model.Product, error) {
	var p model.Product
	var err error
	if p.Name, err = r.required("name"); err != nil {
		return p, err
	}
	fields := []struct {
		key string
		dst *float64
	}{
		{"current_stock", &p.CurrentStock},
		{"min_stock_level", &p.MinStockLevel},
		{"max_stock_level", &p.MaxStockLevel},
		{"reorder_point", &p.ReorderPoint},
		{"unit_cost", &p.UnitCost},
	}
	for _, f := range fields {
		if *f.dst, err = r.number(f.key, false); err != nil {
			return p, err
		}
		if *f.dst < 0 {
			return p, eris.Errorf("%s must not be negative", f.key)
		}
	}
	if p.MaxStockLevel > 0 && p.MinStockLevel > p.MaxStockLevel {
		return p, eris.New("min_stock_level exceeds max_stock_level")
	}
	p.ID = im.id(r)
	p.SKU = r["sku"]
	p.Category = r["category"]
	return p, nil
}

func (im *Importer) movement(r row) (model.StockMovement, error) {
	var m model.StockMovement
	var err error
	if m.ProductID, err = r.required("product_id"); err != nil {
		return m, err
	}
	if m.Quantity, err = r.number("quantity", true); err != nil {
		return m, err
	}
	if m.Date, err = r.date("date", true); err != nil {
		return m, err
	}

	switch dir := strings.ToLower(r["direction"]); dir {
	case "", "in", "out":
		m.Direction = dir
	case "inbound", "receipt", "purchase":
		m.Direction = model.DirectionIn
	case "outbound", "issue", "sale":
		m.Direction = model.DirectionOut
	default:
		return m, eris.Errorf("unknown direction %q", dir)
	}
	// A signed quantity without a direction encodes the direction.
	if m.Quantity < 0 {
		if m.Direction == model.DirectionIn {
			return m, eris.New("inbound quantity must not be negative")
		}
		m.Quantity = -m.Quantity
		m.Direction = model.DirectionOut
	}
	if m.Direction == "" {
		m.Direction = model.DirectionIn
	}
	m.ID = im.id(r)
	return m, nil
}

func (im *Importer) tender(r row) (model.Tender, error) {
	var t model.Tender
	var err error
	if t.Title, err = r.required("title"); err != nil {
		return t, err
	}
	if t.Category, err = r.required("category"); err != nil {
		return t, err
	}
	if t.EstimatedValue, err = r.number("estimated_value", false); err != nil {
		return t, err
	}
	if t.SubmittedPrice, err = r.number("submitted_price", false); err != nil {
		return t, err
	}
	if t.EstimatedValue < 0 || t.SubmittedPrice < 0 {
		return t, eris.New("prices must not be negative")
	}

	t.Status = model.TenderStatus(strings.ToLower(strings.ReplaceAll(r["status"], " ", "_")))
	switch t.Status {
	case "":
		t.Status = model.TenderDraft
	case model.TenderDraft, model.TenderInProgress, model.TenderSubmitted,
		model.TenderWon, model.TenderLost, model.TenderCancelled:
	default:
		return t, eris.Errorf("unknown status %q", r["status"])
	}

	if r["deadline"] != "" {
		d, err := r.date("deadline", false)
		if err != nil {
			return t, err
		}
		t.Deadline = &d
	}
	if t.CreatedAt, err = r.date("created_at", false); err != nil {
		return t, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = im.now().UTC()
	}
	t.ID = im.id(r)
	t.Authority = r["authority"]
	t.Description = r["description"]
	return t, nil
}
