package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quizforge/billing/internal/ledger"
)

const defaultGrantInterval = time.Hour

// Scheduler grants recurring plan credits once per billing cycle. The unique
// (account_id, kind, cycle_key) constraint on the ledger makes repeated or
// concurrent runs within a cycle a no-op after the first success.
type Scheduler struct {
	plans    PlanStore
	ledger   *ledger.Service
	logger   *zap.Logger
	nowFn    func() int64
	interval time.Duration
}

// NewScheduler wires a Scheduler.
func NewScheduler(plans PlanStore, ledgerService *ledger.Service, logger *zap.Logger, now func() int64, interval time.Duration) (*Scheduler, error) {
	if plans == nil {
		return nil, fmt.Errorf("plan store dependency is nil")
	}
	if ledgerService == nil {
		return nil, fmt.Errorf("ledger service dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	if interval <= 0 {
		interval = defaultGrantInterval
	}
	return &Scheduler{plans: plans, ledger: ledgerService, logger: logger, nowFn: now, interval: interval}, nil
}

// RunOnce walks every active plan and appends the current cycle's grant.
// Already-granted cycles are skipped; per-plan failures are logged and do not
// stop the pass.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (int, error) {
	plans, err := scheduler.plans.ListActivePlans(ctx)
	if err != nil {
		return 0, err
	}
	granted := 0
	now := scheduler.nowFn()
	for _, plan := range plans {
		cycleKey := CycleKey(plan.Interval, plan.AnchorUnixUTC, now)
		_, appendErr := scheduler.ledger.Append(ctx, ledger.EntryInput{
			AccountID:     plan.AccountID,
			Kind:          ledger.EntrySubscriptionGrant,
			AmountCredits: plan.CreditsPerCycle,
			CycleKey:      cycleKey,
			MetadataJSON:  fmt.Sprintf(`{"plan_id":%q}`, plan.PlanID),
		})
		if appendErr != nil {
			if errors.Is(appendErr, ledger.ErrDuplicateEntry) {
				continue
			}
			scheduler.logger.Warn("subscription grant failed",
				zap.String("plan_id", plan.PlanID),
				zap.String("account_id", plan.AccountID),
				zap.String("cycle_key", cycleKey),
				zap.Error(appendErr))
			continue
		}
		granted++
		scheduler.logger.Info("subscription grant applied",
			zap.String("plan_id", plan.PlanID),
			zap.String("account_id", plan.AccountID),
			zap.String("cycle_key", cycleKey),
			zap.Int64("credits", plan.CreditsPerCycle.Int64()))
	}
	return granted, nil
}

// Run executes RunOnce on a ticker until the context is cancelled.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := scheduler.RunOnce(ctx); err != nil {
				scheduler.logger.Warn("subscription grant pass failed", zap.Error(err))
			}
		}
	}
}
