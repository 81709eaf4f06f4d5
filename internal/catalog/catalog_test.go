package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRejectsInvalidEntries(test *testing.T) {
	test.Parallel()
	if _, err := New(map[string]int64{"": 100}); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected ErrInvalidCatalog for empty ref, got %v", err)
	}
	if _, err := New(map[string]int64{"price_free": 0}); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected ErrInvalidCatalog for zero quantity, got %v", err)
	}
	if _, err := New(map[string]int64{"price_neg": -5}); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected ErrInvalidCatalog for negative quantity, got %v", err)
	}
}

func TestCreditsLookup(test *testing.T) {
	test.Parallel()
	priceCatalog, err := New(map[string]int64{"price_starter": 1000, "price_team": 5000})
	if err != nil {
		test.Fatalf("new: %v", err)
	}

	credits, err := priceCatalog.Credits("price_starter")
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	if credits != 1000 {
		test.Fatalf("expected 1000, got %d", credits)
	}
	if _, err := priceCatalog.Credits("price_unknown"); !errors.Is(err, ErrUnknownProduct) {
		test.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if priceCatalog.Size() != 2 {
		test.Fatalf("expected size 2, got %d", priceCatalog.Size())
	}
}

func TestLoadYAMLFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.yaml")
	contents := "prices:\n  price_starter: 1000\n  price_team: 5000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}

	priceCatalog, err := Load(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	credits, err := priceCatalog.Credits("price_team")
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	if credits != 5000 {
		test.Fatalf("expected 5000, got %d", credits)
	}
}

func TestLoadPreservesPriceRefCase(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.yaml")
	contents := "prices:\n  price_1AbCdE: 100\n  price_1FgHiJ: 2500\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}

	priceCatalog, err := Load(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	credits, err := priceCatalog.Credits("price_1AbCdE")
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	if credits != 100 {
		test.Fatalf("expected 100, got %d", credits)
	}
	if _, err := priceCatalog.Credits("price_1abcde"); !errors.Is(err, ErrUnknownProduct) {
		test.Fatalf("expected ErrUnknownProduct for folded ref, got %v", err)
	}
}

func TestLoadRejectsEmptyCatalog(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("prices: {}\n"), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected ErrInvalidCatalog, got %v", err)
	}
}
