package provider

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchResult splits a batch into the symbols that resolved and the ones
// that did not. A symbol appears in exactly one of the two maps.
type BatchResult[T any] struct {
	Data   map[string]T
	Errors map[string]error
}

// Batch runs fn for every symbol with at most concurrency calls in flight.
// A failing symbol never cancels the others.
func Batch[T any](ctx context.Context, symbols []string, concurrency int, fn func(ctx context.Context, symbol string) (T, error)) BatchResult[T] {
	result := BatchResult[T]{
		Data:   make(map[string]T, len(symbols)),
		Errors: make(map[string]error),
	}

	if concurrency <= 0 {
		concurrency = len(symbols)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(concurrency, 1))

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			value, err := fn(ctx, symbol)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Errors[symbol] = err
				return nil
			}
			result.Data[symbol] = value
			return nil
		})
	}

	_ = g.Wait()

	return result
}
