package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quizforge/billing/internal/catalog"
	"github.com/quizforge/billing/internal/ledger"
)

// Processor converts verified provider events into ledger entries through the
// idempotency guard. It never applies an event id twice: the guard insert and
// the ledger append share one transaction inside AppendEvent.
type Processor struct {
	store   ledger.Store
	service *ledger.Service
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(store ledger.Store, service *ledger.Service, priceCatalog *catalog.Catalog, logger *zap.Logger) (*Processor, error) {
	if store == nil || service == nil || priceCatalog == nil {
		return nil, fmt.Errorf("processor dependencies are incomplete")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, service: service, catalog: priceCatalog, logger: logger}, nil
}

// Process applies one parsed event. Credit-granting and refund events resolve
// the account and the price, then go through AppendEvent; unrecognized types
// return ErrIgnoredEventType so the boundary can acknowledge them.
func (processor *Processor) Process(ctx context.Context, event Event) (ledger.Entry, error) {
	switch event.Type {
	case EventOrderCreated:
		return processor.applyOrder(ctx, event, ledger.EntryPurchase)
	case EventOrderRefunded:
		return processor.applyOrder(ctx, event, ledger.EntryRefund)
	default:
		return ledger.Entry{}, fmt.Errorf("%w: %q", ErrIgnoredEventType, event.Type)
	}
}

func (processor *Processor) applyOrder(ctx context.Context, event Event, kind ledger.EntryKind) (ledger.Entry, error) {
	account, err := processor.store.FindAccount(ctx, event.Data.AccountRef)
	if err != nil {
		processor.logger.Warn("webhook account unresolvable",
			zap.String("event_id", event.Data.ID),
			zap.String("account_ref", event.Data.AccountRef),
			zap.Error(err))
		return ledger.Entry{}, err
	}
	credits, err := processor.catalog.Credits(event.Data.PriceRef)
	if err != nil {
		processor.logger.Warn("webhook price unresolvable",
			zap.String("event_id", event.Data.ID),
			zap.String("price_ref", event.Data.PriceRef),
			zap.Error(err))
		return ledger.Entry{}, err
	}
	amount := credits
	if kind == ledger.EntryRefund {
		amount = -credits
	}
	metadata := fmt.Sprintf(`{"price_ref":%q,"provider_amount":%d}`, event.Data.PriceRef, event.Data.Amount)
	return processor.service.AppendEvent(ctx, event.Data.ID, ledger.EntryInput{
		AccountID:     account.AccountID,
		Kind:          kind,
		AmountCredits: amount,
		ExternalRef:   event.Data.ID,
		MetadataJSON:  metadata,
	})
}
