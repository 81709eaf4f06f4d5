package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quizforge/billing/internal/ledger"
)

// ErrInvalidInterval reports an unknown billing interval.
var ErrInvalidInterval = errors.New("invalid billing interval")

// Interval enumerates supported billing cycles.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// String returns the interval as stored.
func (interval Interval) String() string {
	return string(interval)
}

// ParseInterval validates a raw interval value.
func ParseInterval(raw string) (Interval, error) {
	switch Interval(raw) {
	case IntervalMonthly, IntervalAnnual:
		return Interval(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, raw)
}

// Plan describes a recurring grant for one account.
type Plan struct {
	PlanID          string
	AccountID       string
	CreditsPerCycle ledger.CreditAmount
	Interval        Interval
	AnchorUnixUTC   int64
	Active          bool
}

// PlanStore is the persistence contract for subscription plans.
type PlanStore interface {
	ListActivePlans(ctx context.Context) ([]Plan, error)
	SavePlan(ctx context.Context, plan Plan) error
}

// CycleKey identifies the billing period containing now for a plan anchored
// at anchorUnixUTC. Monthly plans yield keys like "2025-11", annual plans
// "2025"; the key names the period's start so repeated scheduler runs inside
// one cycle compute the same key.
func CycleKey(interval Interval, anchorUnixUTC int64, nowUnixUTC int64) string {
	anchor := time.Unix(anchorUnixUTC, 0).UTC()
	now := time.Unix(nowUnixUTC, 0).UTC()
	switch interval {
	case IntervalAnnual:
		start := anchor
		for !start.AddDate(1, 0, 0).After(now) {
			start = start.AddDate(1, 0, 0)
		}
		return start.Format("2006")
	default:
		start := anchor
		for !start.AddDate(0, 1, 0).After(now) {
			start = start.AddDate(0, 1, 0)
		}
		return start.Format("2006-01")
	}
}
