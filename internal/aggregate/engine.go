// Package aggregate reconciles token observations from every configured
// provider into one canonical record per address and serves the result
// through a cache-aside policy.
package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"tokenfeed/internal/cache"
	"tokenfeed/internal/provider"
	"tokenfeed/internal/token"
)

const (
	// KeyPrefix namespaces every cache key this engine writes.
	KeyPrefix = "tokens:"
	// aggregatedKey holds the full merged token set.
	aggregatedKey = KeyPrefix + "aggregated"
	// primarySource is the provider whose venue labels win a merge.
	primarySource = "dexscreener"
)

// Merge reduces records to one entry per address. Activity fields
// (market cap, volume, liquidity, tx count) take the max of all
// contributors; providers under-report rather than over-report, so max
// is the more complete estimate. Price, name, ticker and the change
// percentages are first-non-empty-wins: an incoming value fills a slot
// only when the running entry's value is still zero. A record that was
// merged from more than one observation carries the aggregated
// provenance sentinel.
//
// Output preserves first-seen address order; callers needing a
// particular order sort explicitly.
func Merge(records []token.Token) []token.Token {
	byAddr := make(map[string]int, len(records))
	out := make([]token.Token, 0, len(records))

	for _, rec := range records {
		i, seen := byAddr[rec.Address]
		if !seen {
			byAddr[rec.Address] = len(out)
			out = append(out, rec)
			continue
		}
		out[i] = mergeInto(out[i], rec)
	}
	return out
}

func mergeInto(cur, in token.Token) token.Token {
	if cur.Name == "" {
		cur.Name = in.Name
	}
	if cur.Ticker == "" {
		cur.Ticker = in.Ticker
	}
	if cur.Price == 0 {
		cur.Price = in.Price
	}
	cur.MarketCap = max(cur.MarketCap, in.MarketCap)
	cur.Volume = max(cur.Volume, in.Volume)
	cur.Liquidity = max(cur.Liquidity, in.Liquidity)
	cur.TxCount = max(cur.TxCount, in.TxCount)
	if cur.PriceChange1h == 0 {
		cur.PriceChange1h = in.PriceChange1h
	}
	if cur.PriceChange24h == 0 {
		cur.PriceChange24h = in.PriceChange24h
	}
	if cur.PriceChange7d == 0 {
		cur.PriceChange7d = in.PriceChange7d
	}
	if in.Source == primarySource {
		cur.Protocol = in.Protocol
	}
	cur.UpdatedAt = max(cur.UpdatedAt, in.UpdatedAt)
	cur.Source = token.SourceAggregated
	return cur
}

// ApplyFilters keeps records passing every set predicate. A
// MinPriceChange filter fails records whose selected change field was
// never observed (zero) rather than comparing it as 0%.
func ApplyFilters(records []token.Token, f *token.Filter) []token.Token {
	if f == nil {
		return records
	}
	out := make([]token.Token, 0, len(records))
	for _, rec := range records {
		if f.MinVolume != 0 && rec.Volume < f.MinVolume {
			continue
		}
		if f.MaxVolume != 0 && rec.Volume > f.MaxVolume {
			continue
		}
		if f.Protocol != "" && rec.Protocol != f.Protocol {
			continue
		}
		if f.MinPriceChange != 0 {
			change := rec.Change(f.Period)
			if change == 0 || change < f.MinPriceChange {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

// ApplySort orders records by the requested field. A nil or zero Sort
// means volume descending. The sort is stable so ties keep input order.
func ApplySort(records []token.Token, s *token.Sort) []token.Token {
	field := token.SortVolume
	order := token.OrderDesc
	if s != nil && s.Field != "" {
		field = s.Field
		order = s.Order
	}

	key := func(t token.Token) float64 {
		switch field {
		case token.SortPriceChange:
			return t.PriceChange1h
		case token.SortMarketCap:
			return t.MarketCap
		case token.SortLiquidity:
			return t.Liquidity
		case token.SortTxCount:
			return float64(t.TxCount)
		default:
			return t.Volume
		}
	}

	out := make([]token.Token, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		if order == token.OrderAsc {
			return key(out[i]) < key(out[j])
		}
		return key(out[i]) > key(out[j])
	})
	return out
}

// Paginate slices [start, start+limit) out of the already filtered and
// sorted sequence. The cursor is a decimal offset; anything unparseable
// starts from the beginning.
func Paginate(records []token.Token, limit int, cursor string) token.Page {
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			start = n
		}
	}
	if start > len(records) {
		start = len(records)
	}
	end := start + limit
	if end > len(records) {
		end = len(records)
	}

	page := token.Page{
		Records: records[start:end],
		Limit:   limit,
		HasMore: start+limit < len(records),
		Total:   len(records),
	}
	if page.HasMore {
		page.NextCursor = strconv.Itoa(start + limit)
	}
	return page
}

// Engine orchestrates provider fan-out, merging and the cache-aside
// policy. It owns every key under KeyPrefix; nothing else writes them.
type Engine struct {
	providers []provider.Provider
	store     cache.Store
	ttl       time.Duration
	pageSize  int
	log       *slog.Logger
}

func NewEngine(providers []provider.Provider, store cache.Store, ttl time.Duration, pageSize int, log *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{providers: providers, store: store, ttl: ttl, pageSize: pageSize, log: log}
}

// Aggregate returns the merged token set, serving from cache unless
// force is set. Provider failures are logged and contribute nothing; a
// cold cache with every provider down yields an empty set, not an error.
func (e *Engine) Aggregate(ctx context.Context, force bool) ([]token.Token, error) {
	if !force {
		var cached []token.Token
		hit, err := e.store.Get(ctx, aggregatedKey, &cached)
		if err != nil {
			e.log.Error("cache read failed, falling through to upstream", "key", aggregatedKey, "err", err.Error())
		}
		if hit {
			return cached, nil
		}
	}

	type result struct {
		name   string
		tokens []token.Token
		err    error
	}
	ch := make(chan result, len(e.providers))
	for _, p := range e.providers {
		go func() {
			ts, err := p.ListCandidates(ctx)
			ch <- result{name: p.Name(), tokens: ts, err: err}
		}()
	}

	var all []token.Token
	for range e.providers {
		r := <-ch
		if r.err != nil {
			e.log.Warn("provider yielded nothing this cycle", "provider", r.name, "err", r.err.Error())
			continue
		}
		all = append(all, r.tokens...)
	}

	merged := Merge(all)
	e.log.Info("aggregated tokens", "fetched", len(all), "merged", len(merged))

	if err := e.store.Set(ctx, aggregatedKey, merged, e.ttl); err != nil {
		e.log.Error("cache write failed", "key", aggregatedKey, "err", err.Error())
	}
	return merged, nil
}

// GetTokens aggregates, filters, sorts and paginates, in that order, so
// the cursor always indexes into the post-filter post-sort sequence.
func (e *Engine) GetTokens(ctx context.Context, limit int, cursor string, f *token.Filter, s *token.Sort) (token.Page, error) {
	if limit <= 0 {
		limit = e.pageSize
	}
	records, err := e.Aggregate(ctx, false)
	if err != nil {
		return token.Page{}, err
	}
	records = ApplyFilters(records, f)
	records = ApplySort(records, s)
	return Paginate(records, limit, cursor), nil
}

// GetByAddress resolves one token through its own cache key, falling
// back to a best-effort parallel lookup across all providers. A nil
// record with a nil error means no provider knows the address.
func (e *Engine) GetByAddress(ctx context.Context, address string) (*token.Token, error) {
	key := KeyPrefix + address
	var cached token.Token
	hit, err := e.store.Get(ctx, key, &cached)
	if err != nil {
		e.log.Error("cache read failed, falling through to upstream", "key", key, "err", err.Error())
	}
	if hit {
		return &cached, nil
	}

	ch := make(chan []token.Token, len(e.providers))
	for _, p := range e.providers {
		go func() {
			obs, err := p.ByAddress(ctx, address)
			if err != nil {
				e.log.Warn("provider lookup failed", "provider", p.Name(), "address", address, "err", err.Error())
				obs = nil
			}
			ch <- obs
		}()
	}

	var all []token.Token
	for range e.providers {
		all = append(all, <-ch...)
	}
	if len(all) == 0 {
		return nil, nil
	}

	merged := Merge(all)
	var rec token.Token
	found := false
	for _, m := range merged {
		if m.Address == address {
			rec = m
			found = true
			break
		}
	}
	// observations keyed to another base token must not be cached under
	// this address
	if !found {
		return nil, nil
	}

	if err := e.store.Set(ctx, key, rec, e.ttl); err != nil {
		e.log.Error("cache write failed", "key", key, "err", err.Error())
	}
	return &rec, nil
}

// RefreshCache drops every key under the engine's prefix and rebuilds
// the aggregate entry from upstream.
func (e *Engine) RefreshCache(ctx context.Context) error {
	e.log.Info("forcing cache refresh")
	if err := e.store.DelPattern(ctx, KeyPrefix+"*"); err != nil {
		e.log.Error("cache purge failed", "pattern", KeyPrefix+"*", "err", err.Error())
	}
	_, err := e.Aggregate(ctx, true)
	return err
}
