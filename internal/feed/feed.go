// Package feed abstracts the classifier that labels one symbol per poll.
package feed

import "context"

// Symbol is a single recognised unit, usually one letter.
type Symbol string

// Feed is polled once per ingestion tick. An empty Symbol with a nil error
// means nothing was recognised; errors are transport or decoding failures.
// Callers treat both the same way and skip the tick.
type Feed interface {
	Poll(ctx context.Context) (Symbol, error)
}

// Func adapts a function to Feed.
type Func func(ctx context.Context) (Symbol, error)

func (f Func) Poll(ctx context.Context) (Symbol, error) { return f(ctx) }
