package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/quizforge/billing/internal/ledger"
)

const (
	metadataFeatureKey = "feature"
	featureUnknown     = "unknown"
	dayFormat          = "2006-01-02"
)

// UsageRollup aggregates consumed credits for one day and feature. Rollups
// are pure derived state, always recomputable from the ledger, and safe to
// serve stale.
type UsageRollup struct {
	Day          string              `json:"day"`
	Feature      string              `json:"feature"`
	CreditsSpent ledger.CreditAmount `json:"credits_spent"`
	EntryCount   int                 `json:"entry_count"`
}

// Aggregator derives usage rollups from the entry log.
type Aggregator struct {
	store ledger.Store
}

// NewAggregator wires an Aggregator.
func NewAggregator(store ledger.Store) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("store dependency is nil")
	}
	return &Aggregator{store: store}, nil
}

// UsageRollups scans usage entries in the window and groups consumed credits
// per day and feature. The feature name comes from the entry metadata's
// "feature" key; entries without one land in "unknown".
func (aggregator *Aggregator) UsageRollups(ctx context.Context, window Window) ([]UsageRollup, error) {
	entries, err := aggregator.store.ListEntriesByKind(ctx, ledger.EntryUsage, window.FromUnixUTC, window.ToUnixUTC)
	if err != nil {
		return nil, fmt.Errorf("list usage entries: %w", err)
	}
	type bucketKey struct {
		day     string
		feature string
	}
	buckets := make(map[bucketKey]*UsageRollup)
	for _, entry := range entries {
		key := bucketKey{
			day:     time.Unix(entry.CreatedUnixUTC, 0).UTC().Format(dayFormat),
			feature: entryFeature(entry),
		}
		rollup, ok := buckets[key]
		if !ok {
			rollup = &UsageRollup{Day: key.day, Feature: key.feature}
			buckets[key] = rollup
		}
		// Usage entries are negative deltas; rollups report credits consumed.
		rollup.CreditsSpent += -entry.AmountCredits
		rollup.EntryCount++
	}
	rollups := make([]UsageRollup, 0, len(buckets))
	for _, rollup := range buckets {
		rollups = append(rollups, *rollup)
	}
	sort.Slice(rollups, func(i, j int) bool {
		if rollups[i].Day != rollups[j].Day {
			return rollups[i].Day < rollups[j].Day
		}
		return rollups[i].Feature < rollups[j].Feature
	})
	return rollups, nil
}

func entryFeature(entry ledger.Entry) string {
	var metadata map[string]any
	if err := json.Unmarshal([]byte(entry.MetadataJSON), &metadata); err != nil {
		return featureUnknown
	}
	feature, ok := metadata[metadataFeatureKey].(string)
	if !ok || feature == "" {
		return featureUnknown
	}
	return feature
}
