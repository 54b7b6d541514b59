package cdc

import "context"

// Sink delivers change stream messages to one downstream consumer.
type Sink interface {
	// Send writes the messages in order. A transaction is always handed over
	// in a single call so it either goes out whole or the call fails.
	Send(ctx context.Context, msgs []Message) error
}
