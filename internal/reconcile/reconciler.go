// Package reconcile cross-checks the local ledger against the payment
// provider's authoritative records and derives usage analytics from the
// entry log. Nothing here mutates the ledger; divergence is reported for
// operator review, never auto-corrected.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quizforge/billing/internal/catalog"
	"github.com/quizforge/billing/internal/ledger"
)

// ProviderOrder is one authoritative order from the payment provider.
type ProviderOrder struct {
	OrderID        string
	AccountRef     string
	PriceRef       string
	CreatedUnixUTC int64
}

// ProviderClient lists the provider's orders for a time window.
type ProviderClient interface {
	ListOrders(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]ProviderOrder, error)
}

// Window bounds a reconciliation or analytics pass: [From, To).
type Window struct {
	FromUnixUTC int64 `json:"from_unix_utc"`
	ToUnixUTC   int64 `json:"to_unix_utc"`
}

// LastHours builds a window covering the n hours before now. The exclusive
// upper bound sits one second past now so the current second is included.
func LastHours(n int, nowUnixUTC int64) Window {
	return Window{FromUnixUTC: nowUnixUTC - int64(n)*3600, ToUnixUTC: nowUnixUTC + 1}
}

// DiscrepancyKind classifies a reconciliation mismatch.
type DiscrepancyKind string

const (
	DiscrepancyMissingEntry   DiscrepancyKind = "missing_entry"
	DiscrepancyAmountMismatch DiscrepancyKind = "amount_mismatch"
	DiscrepancyOrphanEntry    DiscrepancyKind = "orphan_entry"
	DiscrepancyUnknownProduct DiscrepancyKind = "unknown_product"
)

// Discrepancy is one divergence between provider records and the ledger.
type Discrepancy struct {
	ExternalRef     string              `json:"external_ref"`
	Kind            DiscrepancyKind     `json:"kind"`
	ExpectedCredits ledger.CreditAmount `json:"expected_credits"`
	ActualCredits   ledger.CreditAmount `json:"actual_credits"`
	Detail          string              `json:"detail,omitempty"`
}

// Report is the reconciliation output for one window.
type Report struct {
	Window           Window              `json:"window"`
	ExpectedTotal    ledger.CreditAmount `json:"expected_total"`
	ActualTotal      ledger.CreditAmount `json:"actual_total"`
	Discrepancies    []Discrepancy       `json:"discrepancies"`
	GeneratedUnixUTC int64               `json:"generated_unix_utc"`
}

// Clean reports whether the window reconciled without divergence.
func (report Report) Clean() bool {
	return len(report.Discrepancies) == 0
}

// Reconciler compares ledger purchase totals against provider orders.
type Reconciler struct {
	provider ProviderClient
	store    ledger.Store
	catalog  *catalog.Catalog
	logger   *zap.Logger
	nowFn    func() int64

	mu     sync.Mutex
	latest *Report
}

// NewReconciler wires a Reconciler.
func NewReconciler(provider ProviderClient, store ledger.Store, priceCatalog *catalog.Catalog, logger *zap.Logger, now func() int64) (*Reconciler, error) {
	if provider == nil || store == nil || priceCatalog == nil {
		return nil, fmt.Errorf("reconciler dependencies are incomplete")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	return &Reconciler{provider: provider, store: store, catalog: priceCatalog, logger: logger, nowFn: now}, nil
}

// Reconcile fetches provider orders for the window, recomputes the expected
// purchase totals through the catalog, and compares against the ledger's
// purchase entries keyed by external ref.
func (reconciler *Reconciler) Reconcile(ctx context.Context, window Window) (Report, error) {
	orders, err := reconciler.provider.ListOrders(ctx, window.FromUnixUTC, window.ToUnixUTC)
	if err != nil {
		return Report{}, fmt.Errorf("list provider orders: %w", err)
	}
	entries, err := reconciler.store.ListEntriesByKind(ctx, ledger.EntryPurchase, window.FromUnixUTC, window.ToUnixUTC)
	if err != nil {
		return Report{}, fmt.Errorf("list purchase entries: %w", err)
	}

	report := Report{Window: window, GeneratedUnixUTC: reconciler.nowFn()}
	expectedByRef := make(map[string]ledger.CreditAmount, len(orders))
	for _, order := range orders {
		credits, lookupErr := reconciler.catalog.Credits(order.PriceRef)
		if lookupErr != nil {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				ExternalRef: order.OrderID,
				Kind:        DiscrepancyUnknownProduct,
				Detail:      fmt.Sprintf("price ref %q is not in the catalog", order.PriceRef),
			})
			continue
		}
		expectedByRef[order.OrderID] = credits
		report.ExpectedTotal += credits
	}

	actualByRef := make(map[string]ledger.CreditAmount, len(entries))
	for _, entry := range entries {
		actualByRef[entry.ExternalRef] = entry.AmountCredits
		report.ActualTotal += entry.AmountCredits
	}

	for ref, expected := range expectedByRef {
		actual, ok := actualByRef[ref]
		if !ok {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				ExternalRef:     ref,
				Kind:            DiscrepancyMissingEntry,
				ExpectedCredits: expected,
			})
			continue
		}
		if actual != expected {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				ExternalRef:     ref,
				Kind:            DiscrepancyAmountMismatch,
				ExpectedCredits: expected,
				ActualCredits:   actual,
			})
		}
	}
	for ref, actual := range actualByRef {
		if _, ok := expectedByRef[ref]; !ok {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				ExternalRef:   ref,
				Kind:          DiscrepancyOrphanEntry,
				ActualCredits: actual,
			})
		}
	}
	sort.Slice(report.Discrepancies, func(i, j int) bool {
		return report.Discrepancies[i].ExternalRef < report.Discrepancies[j].ExternalRef
	})

	if !report.Clean() {
		reconciler.logger.Error("provider mismatch detected",
			zap.Int64("expected_total", report.ExpectedTotal.Int64()),
			zap.Int64("actual_total", report.ActualTotal.Int64()),
			zap.Int("discrepancies", len(report.Discrepancies)))
	}

	reconciler.mu.Lock()
	reconciler.latest = &report
	reconciler.mu.Unlock()
	return report, nil
}

// LatestReport returns the most recent report, if a pass has completed.
func (reconciler *Reconciler) LatestReport() (Report, bool) {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	if reconciler.latest == nil {
		return Report{}, false
	}
	return *reconciler.latest, true
}

// Run reconciles a trailing window on a ticker until the context is
// cancelled.
func (reconciler *Reconciler) Run(ctx context.Context, interval time.Duration, windowHours int) error {
	if interval <= 0 {
		interval = time.Hour
	}
	if windowHours <= 0 {
		windowHours = 24
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			window := LastHours(windowHours, reconciler.nowFn())
			if _, err := reconciler.Reconcile(ctx, window); err != nil {
				reconciler.logger.Warn("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}
