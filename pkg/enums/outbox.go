package enums

import "fmt"

// OutboxAggregateType names the entity an outbox event is about.
type OutboxAggregateType string

const (
	AggregateCheckout      OutboxAggregateType = "checkout"
	AggregatePaymentIntent OutboxAggregateType = "payment_intent"
	AggregateStockCounter  OutboxAggregateType = "stock_counter"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateCheckout,
	AggregatePaymentIntent,
	AggregateStockCounter,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names the domain event stored in outbox_events.event_type.
type OutboxEventType string

const (
	EventPaymentIntentCreated OutboxEventType = "payment_intent_created"
	EventPaymentCompleted     OutboxEventType = "payment_completed"
	EventPaymentCancelled     OutboxEventType = "payment_cancelled"
	EventStockRestored        OutboxEventType = "stock_restored"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPaymentIntentCreated,
	EventPaymentCompleted,
	EventPaymentCancelled,
	EventStockRestored,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxDLQErrorReason records why a row stopped being retried.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
