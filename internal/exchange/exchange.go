// Package exchange holds the read-only adapters to the third-party markets
// whose outcomes the resolver settles against. Each adapter fetches one
// market's current state; deciding whether it has concluded is done by the
// state value itself so malformed payloads degrade to "no winner".
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrUnsupportedSource is returned by the registry for unknown sources.
	ErrUnsupportedSource = errors.New("exchange: unsupported market source")

	// ErrNotFound is returned by the HTTP layer for 404 responses. Adapters
	// translate it into a nil MarketState.
	ErrNotFound = errors.New("exchange: market not found")

	// ErrRateLimited is returned for 429 responses.
	ErrRateLimited = errors.New("exchange: rate limited")
)

// Resolution is the settlement determination derived from a market state.
// Winner is only meaningful when Concluded is true; an empty Winner on a
// concluded market means the winner could not be determined this time.
type Resolution struct {
	Concluded bool
	Winner    string
}

// HasWinner reports whether the market concluded with a usable winner.
func (r Resolution) HasWinner() bool {
	return r.Concluded && strings.TrimSpace(r.Winner) != ""
}

// MarketState is the tagged variant of exchange payloads:
// *PriceContinuousMarket or *TickerMarket.
type MarketState interface {
	Source() model.MarketSource
	Resolve() Resolution
}

// Adapter fetches the current state of one market. A nil state with a nil
// error means the exchange does not know the market.
type Adapter interface {
	GetMarket(ctx context.Context, id string) (MarketState, error)
}

// Registry maps each market source to its adapter.
type Registry map[model.MarketSource]Adapter

// For returns the adapter registered for source.
func (r Registry) For(source model.MarketSource) (Adapter, error) {
	a, ok := r[source]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	return a, nil
}
