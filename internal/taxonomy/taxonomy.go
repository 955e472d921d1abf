// Package taxonomy holds the expense category set used to constrain both
// prompts and parsed responses.
package taxonomy

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Other is the catch-all category.
const Other = "other"

// Category is one expense category.
type Category struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// Taxonomy is an ordered set of categories.
type Taxonomy struct {
	Categories []Category `yaml:"categories"`

	index map[string]string
}

var fold = cases.Fold()

// New builds a taxonomy and its lookup index. The catch-all category is
// appended when missing.
func New(categories []Category) (*Taxonomy, error) {
	t := &Taxonomy{index: make(map[string]string, len(categories)+1)}
	for _, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, eris.New("taxonomy: category with empty name")
		}
		key := fold.String(name)
		if _, dup := t.index[key]; dup {
			return nil, eris.Errorf("taxonomy: duplicate category %q", name)
		}
		c.Name = name
		t.index[key] = name
		t.Categories = append(t.Categories, c)
	}
	if _, ok := t.index[Other]; !ok {
		t.index[Other] = Other
		t.Categories = append(t.Categories, Category{Name: Other, Description: "Anything not covered above"})
	}
	return t, nil
}

// Load reads a taxonomy from a YAML file with a top-level "categories" list.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	var doc struct {
		Categories []Category `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse yaml")
	}
	if len(doc.Categories) == 0 {
		return nil, eris.Errorf("taxonomy: %s defines no categories", path)
	}
	return New(doc.Categories)
}

// Names returns the category names in declaration order.
func (t *Taxonomy) Names() []string {
	out := make([]string, len(t.Categories))
	for i, c := range t.Categories {
		out[i] = c.Name
	}
	return out
}

// Canonical resolves name case-insensitively to its declared spelling.
func (t *Taxonomy) Canonical(name string) (string, bool) {
	c, ok := t.index[fold.String(strings.TrimSpace(name))]
	return c, ok
}

// Contains reports whether name is a known category.
func (t *Taxonomy) Contains(name string) bool {
	_, ok := t.Canonical(name)
	return ok
}

// KeywordMatch scores each category by keyword hits in text and returns the
// categories with at least one hit, best first. Ties keep declaration order.
func (t *Taxonomy) KeywordMatch(text string) []Match {
	folded := fold.String(text)
	var out []Match
	for i, c := range t.Categories {
		hits := 0
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(folded, fold.String(kw)) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, Match{Category: c.Name, Hits: hits, order: i})
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Hits != out[b].Hits {
			return out[a].Hits > out[b].Hits
		}
		return out[a].order < out[b].order
	})
	return out
}

// Match is a keyword hit count for one category.
type Match struct {
	Category string
	Hits     int
	order    int
}

// Default returns the built-in category set.
func Default() *Taxonomy {
	t, err := New(defaultCategories)
	if err != nil {
		panic(err) // static data
	}
	return t
}

var defaultCategories = []Category{
	{Name: "office_supplies", Description: "Stationery, furniture and consumables for the office",
		Keywords: []string{"paper", "toner", "chair", "desk", "stationery", "pens", "office"}},
	{Name: "hardware", Description: "Computers, peripherals and equipment",
		Keywords: []string{"laptop", "monitor", "printer", "server", "keyboard", "hardware"}},
	{Name: "software", Description: "Licenses, subscriptions and SaaS",
		Keywords: []string{"license", "subscription", "saas", "software", "cloud"}},
	{Name: "travel", Description: "Flights, hotels and mileage",
		Keywords: []string{"flight", "hotel", "airfare", "train", "mileage", "taxi"}},
	{Name: "meals", Description: "Client and team meals",
		Keywords: []string{"lunch", "dinner", "restaurant", "catering", "coffee"}},
	{Name: "utilities", Description: "Electricity, water and gas",
		Keywords: []string{"electricity", "water", "gas bill", "utility", "power"}},
	{Name: "rent", Description: "Premises and storage rent",
		Keywords: []string{"rent", "lease", "premises"}},
	{Name: "telecommunications", Description: "Phone and internet",
		Keywords: []string{"phone", "mobile", "internet", "broadband", "telecom"}},
	{Name: "marketing", Description: "Advertising and promotion",
		Keywords: []string{"advertising", "ads", "campaign", "marketing", "print ad"}},
	{Name: "professional_services", Description: "Legal, accounting and consulting fees",
		Keywords: []string{"legal", "accounting", "audit", "consulting", "lawyer"}},
	{Name: "maintenance", Description: "Repairs and servicing",
		Keywords: []string{"repair", "maintenance", "service call", "cleaning"}},
	{Name: "transport", Description: "Fuel, freight and vehicle costs",
		Keywords: []string{"fuel", "diesel", "freight", "shipping", "courier"}},
	{Name: "insurance", Description: "Insurance premiums",
		Keywords: []string{"insurance", "premium", "policy"}},
	{Name: "taxes_fees", Description: "Taxes, duties and bank fees",
		Keywords: []string{"tax", "duty", "bank fee", "stamp"}},
}
