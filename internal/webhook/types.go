package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types the engine acts on. Anything else is acknowledged and ignored
// so new provider event types never bounce.
const (
	EventOrderCreated  = "order.created"
	EventOrderRefunded = "order.refunded"
)

// Event is the provider's webhook envelope.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the order fields the ledger needs.
type EventData struct {
	ID         string          `json:"id"`
	AccountRef string          `json:"accountRef"`
	PriceRef   string          `json:"priceRef"`
	Amount     int64           `json:"amount"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ParseEvent decodes and structurally validates a raw webhook body.
func ParseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(event.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}
	if strings.TrimSpace(event.Data.ID) == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	return event, nil
}
