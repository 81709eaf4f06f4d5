// Package catalog maps external price identifiers to credit quantities.
// The mapping is static configuration, keyed by exact identifier; it is the
// replacement for matching credit quantities out of product-id substrings.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quizforge/billing/internal/ledger"
)

// Errors returned by catalog lookups and loading.
var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Catalog is a read-only priceRef -> credit quantity mapping.
type Catalog struct {
	credits map[string]ledger.CreditAmount
}

// New builds a catalog from an explicit mapping.
func New(prices map[string]int64) (*Catalog, error) {
	credits := make(map[string]ledger.CreditAmount, len(prices))
	for priceRef, quantity := range prices {
		trimmed := strings.TrimSpace(priceRef)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty price ref", ErrInvalidCatalog)
		}
		if quantity <= 0 {
			return nil, fmt.Errorf("%w: price %q must grant a positive quantity", ErrInvalidCatalog, trimmed)
		}
		credits[trimmed] = ledger.CreditAmount(quantity)
	}
	return &Catalog{credits: credits}, nil
}

type catalogFile struct {
	Prices map[string]int64 `yaml:"prices"`
}

// Load reads a YAML catalog file of the form:
//
//	prices:
//	  price_starter: 1000
//	  price_team: 5000
//
// Provider price refs are case-sensitive, so the file is decoded directly
// rather than through a config layer that folds key case.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(file.Prices) == 0 {
		return nil, fmt.Errorf("%w: no prices configured in %s", ErrInvalidCatalog, path)
	}
	return New(file.Prices)
}

// Credits resolves a price ref to its credit quantity.
func (catalog *Catalog) Credits(priceRef string) (ledger.CreditAmount, error) {
	quantity, ok := catalog.credits[strings.TrimSpace(priceRef)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, priceRef)
	}
	return quantity, nil
}

// Size reports how many prices are configured.
func (catalog *Catalog) Size() int {
	return len(catalog.credits)
}
