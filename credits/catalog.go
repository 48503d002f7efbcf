/*
catalog.go - Credit packs and task pricing

PURPOSE:
  Resolves purchasable credit packs (id -> credits) and computes a task's
  credit cost from its category and complexity. The catalog is read once at
  startup from a TOML file; when no file is configured the embedded
  catalog.toml is used.

FILE FORMAT:
  [[packs]]
  id = "starter"
  name = "Starter"
  credits = 50
  price_cents = 4900

  [pricing]
  default_base = 10

  [pricing.categories]
  logo = 30

  [pricing.complexity]   # percent of the category base
  simple = 100
  complex = 200
*/
package credits

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

//go:embed catalog.toml
var defaultCatalogTOML string

// Pack is a purchasable bundle of credits.
type Pack struct {
	ID         string `toml:"id" json:"id"`
	Name       string `toml:"name" json:"name"`
	Credits    Amount `toml:"credits" json:"credits"`
	PriceCents int64  `toml:"price_cents" json:"price_cents"`
}

// Pricing maps a task's category and complexity to a credit cost.
type Pricing struct {
	DefaultBase Amount            `toml:"default_base" json:"default_base"`
	Categories  map[string]Amount `toml:"categories" json:"categories"`
	Complexity  map[string]int64  `toml:"complexity" json:"complexity"`
}

// DefaultComplexity is used when a task does not name one.
const DefaultComplexity = "standard"

type Catalog struct {
	Packs   []Pack  `toml:"packs" json:"packs"`
	Pricing Pricing `toml:"pricing" json:"pricing"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogTOML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &c, nil
}

// ParseCatalog decodes catalog TOML from a string.
func ParseCatalog(data string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Packs))
	for _, p := range c.Packs {
		if p.ID == "" {
			return &ValidationError{Field: "packs.id", Reason: "must not be empty"}
		}
		if seen[p.ID] {
			return &ValidationError{Field: "packs.id", Reason: fmt.Sprintf("duplicate pack %q", p.ID)}
		}
		seen[p.ID] = true
		if !p.Credits.IsPositive() {
			return &ValidationError{Field: "packs.credits", Reason: fmt.Sprintf("pack %q must grant credits", p.ID)}
		}
	}
	for name, pct := range c.Pricing.Complexity {
		if pct <= 0 {
			return &ValidationError{Field: "pricing.complexity", Reason: fmt.Sprintf("%q must be positive", name)}
		}
	}
	return nil
}

// Pack resolves a pack by id.
func (c *Catalog) Pack(id string) (Pack, error) {
	for _, p := range c.Packs {
		if p.ID == id {
			return p, nil
		}
	}
	return Pack{}, fmt.Errorf("%w: %s", ErrPackNotFound, id)
}

// SortedPacks returns the packs ordered by credits, smallest first.
func (c *Catalog) SortedPacks() []Pack {
	packs := append([]Pack(nil), c.Packs...)
	sort.Slice(packs, func(i, j int) bool { return packs[i].Credits < packs[j].Credits })
	return packs
}

// Price returns the credit cost for a task of the given category and complexity.
// Unknown categories fall back to the default base; unknown complexities are rejected.
func (c *Catalog) Price(category, complexity string) (Amount, error) {
	base, ok := c.Pricing.Categories[category]
	if !ok {
		base = c.Pricing.DefaultBase
	}
	if complexity == "" {
		complexity = DefaultComplexity
	}
	pct, ok := c.Pricing.Complexity[complexity]
	if !ok {
		return 0, &ValidationError{Field: "complexity", Reason: fmt.Sprintf("unknown complexity %q", complexity)}
	}
	cost := Amount(int64(base) * pct / 100)
	if !cost.IsPositive() {
		return 0, &ValidationError{Field: "category", Reason: fmt.Sprintf("no price configured for %q", category)}
	}
	return cost, nil
}
