package order

import "errors"

var (
	// ErrInvalidTransition signals a transition attempted from a disallowed
	// source state. It indicates a logic bug or an unexpected race and must
	// never be swallowed.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrAlreadyProcessed is the idempotency guard: the requested transition
	// already happened. Callers treat it as success.
	ErrAlreadyProcessed = errors.New("order already processed")

	// ErrTokenSpaceExhausted is returned when memo allocation runs out of
	// attempts. Order creation fails and the buyer is asked to retry.
	ErrTokenSpaceExhausted = errors.New("memo token space exhausted")

	// ErrNotFound is returned when an order id is unknown to the store.
	ErrNotFound = errors.New("order not found")
)
