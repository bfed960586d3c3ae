package provider

import (
	"context"

	"tokenfeed/internal/token"
)

// Provider is one upstream market-data source normalized to canonical
// token records. Implementations own unit conversion and field defaults;
// the aggregation engine treats every field it receives as already in
// canonical units.
//
// Adapters absorb partial upstream failures into partial results with a
// logged warning. They return an error only when the call produced
// nothing at all, and callers are expected to treat that as "this
// provider yielded nothing this cycle" rather than aborting.
type Provider interface {
	Name() string
	// ListCandidates returns the provider's current candidate set.
	ListCandidates(ctx context.Context) ([]token.Token, error)
	// ByAddress returns the provider's observations of a single token,
	// one record per trading venue it knows about. An empty slice with a
	// nil error means the provider has no data for the address.
	ByAddress(ctx context.Context, address string) ([]token.Token, error)
}
