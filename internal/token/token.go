package token

// Token is the reconciled, provider-agnostic view of one Solana token.
// All monetary fields are denominated in SOL; adapters convert before
// handing records over. A zero change-percentage means "not observed",
// not "0%".
type Token struct {
	Address        string  `json:"address"`
	Name           string  `json:"name"`
	Ticker         string  `json:"ticker"`
	Price          float64 `json:"price_sol"`
	MarketCap      float64 `json:"market_cap_sol"`
	Volume         float64 `json:"volume_sol"`
	Liquidity      float64 `json:"liquidity_sol"`
	TxCount        int64   `json:"transaction_count"`
	PriceChange1h  float64 `json:"price_change_1h"`
	PriceChange24h float64 `json:"price_change_24h,omitempty"`
	PriceChange7d  float64 `json:"price_change_7d,omitempty"`
	Protocol       string  `json:"protocol"`
	Source         string  `json:"source"`
	UpdatedAt      int64   `json:"last_updated"` // unix milliseconds
}

// SourceAggregated marks a record produced by merging observations from
// more than one provider.
const SourceAggregated = "aggregated"

// Period selects which change-percentage field a filter compares.
type Period string

const (
	Period1h  Period = "1h"
	Period24h Period = "24h"
	Period7d  Period = "7d"
)

// Change returns the change field for the period. Unknown periods fall
// back to the 1h field.
func (t Token) Change(p Period) float64 {
	switch p {
	case Period24h:
		return t.PriceChange24h
	case Period7d:
		return t.PriceChange7d
	default:
		return t.PriceChange1h
	}
}

// Filter narrows a token collection. Zero values mean "unset".
type Filter struct {
	MinVolume      float64 `json:"min_volume,omitempty"`
	MaxVolume      float64 `json:"max_volume,omitempty"`
	Protocol       string  `json:"protocol,omitempty"`
	MinPriceChange float64 `json:"min_price_change,omitempty"`
	Period         Period  `json:"time_period,omitempty"`
}

// SortField names a numeric field tokens can be ordered by.
type SortField string

const (
	SortVolume      SortField = "volume"
	SortPriceChange SortField = "price_change"
	SortMarketCap   SortField = "market_cap"
	SortLiquidity   SortField = "liquidity"
	SortTxCount     SortField = "transaction_count"
)

type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Sort describes the requested ordering. The zero value means the
// default ordering (volume descending).
type Sort struct {
	Field SortField `json:"field"`
	Order SortOrder `json:"order"`
}

// Page is one slice of the filtered/sorted token sequence. NextCursor is
// an opaque offset recomputed on every request; it does not survive a
// refresh that reorders ties.
type Page struct {
	Records    []Token `json:"data"`
	Limit      int     `json:"limit"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
	Total      int     `json:"total"`
}
