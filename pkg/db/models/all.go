package models

// All lists the tables owned by the payments service, in dependency order.
// Used for sqlite schemas where the Postgres migrations do not apply.
func All() []any {
	return []any{
		&Checkout{},
		&CheckoutItem{},
		&PaymentIntent{},
		&StockCounter{},
		&StockRestoration{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
