// Package dexscreener adapts the DexScreener pair API to canonical token
// records. It is the primary provider: its venue (dex) labels win during
// merging.
package dexscreener

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tokenfeed/internal/httpx"
	"tokenfeed/internal/token"
)

// Source is the provenance identifier stamped on every record.
const Source = "dexscreener"

type Config struct {
	Name string
	// WatchAddresses are fetched individually on every candidate listing.
	WatchAddresses []string
	// SearchQueries widen the candidate set via the search endpoint.
	SearchQueries []string
	// MaxSearchResults caps how many pairs a single search contributes.
	MaxSearchResults int
	// MaxConcurrency limits parallel requests during a candidate listing.
	MaxConcurrency int
	// ChainID filters pairs to one chain.
	ChainID string
}

type Client struct {
	cfg  Config
	http *httpx.Client
	log  *slog.Logger
}

func New(cfg Config, hc *httpx.Client, log *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "DexScreener"
	}
	if cfg.ChainID == "" {
		cfg.ChainID = "solana"
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 50
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, http: hc, log: log}
}

func (c *Client) Name() string { return c.cfg.Name }

// ListCandidates fans out one request per watched address plus one per
// search query, in parallel. A failed request costs only its own
// contribution.
func (c *Client) ListCandidates(ctx context.Context) ([]token.Token, error) {
	var (
		mu     sync.Mutex
		out    []token.Token
		failed int
	)
	total := len(c.cfg.WatchAddresses) + len(c.cfg.SearchQueries)
	if total == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)

	collect := func(fetch func() ([]token.Token, error), what string) {
		g.Go(func() error {
			ts, err := fetch()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				c.log.Warn("dexscreener fetch failed", "what", what, "err", err.Error())
				return nil // partial failure never aborts the batch
			}
			out = append(out, ts...)
			return nil
		})
	}

	for _, addr := range c.cfg.WatchAddresses {
		collect(func() ([]token.Token, error) { return c.fetchPairs(gctx, addr) }, "tokens/"+addr)
	}
	for _, q := range c.cfg.SearchQueries {
		collect(func() ([]token.Token, error) { return c.search(gctx, q) }, "search "+q)
	}
	_ = g.Wait()

	if len(out) == 0 && failed == total {
		return nil, fmt.Errorf("dexscreener: all %d requests failed", total)
	}
	return out, nil
}

// ByAddress returns one record per trading pair for the address.
func (c *Client) ByAddress(ctx context.Context, address string) ([]token.Token, error) {
	return c.fetchPairs(ctx, address)
}

func (c *Client) fetchPairs(ctx context.Context, address string) ([]token.Token, error) {
	var resp pairsResponse
	if err := c.http.GetJSON(ctx, "/tokens/"+url.PathEscape(address), nil, &resp); err != nil {
		return nil, err
	}
	return c.mapPairs(resp.Pairs, 0), nil
}

func (c *Client) search(ctx context.Context, query string) ([]token.Token, error) {
	var resp pairsResponse
	params := url.Values{"q": []string{query}}
	if err := c.http.GetJSON(ctx, "/search", params, &resp); err != nil {
		return nil, err
	}
	return c.mapPairs(resp.Pairs, c.cfg.MaxSearchResults), nil
}

func (c *Client) mapPairs(pairs []pair, limit int) []token.Token {
	now := time.Now().UnixMilli()
	out := make([]token.Token, 0, len(pairs))
	for _, p := range pairs {
		if p.ChainID != c.cfg.ChainID {
			continue
		}
		out = append(out, p.toToken(now))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

type pairsResponse struct {
	SchemaVersion string `json:"schemaVersion"`
	Pairs         []pair `json:"pairs"`
}

type pair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceNative string `json:"priceNative"`
	PriceUsd    string `json:"priceUsd"`
	Volume      struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H1  float64 `json:"h1"`
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	Liquidity struct {
		Quote float64 `json:"quote"`
	} `json:"liquidity"`
	MarketCap float64 `json:"marketCap"`
	Txns      struct {
		H24 struct {
			Buys  int64 `json:"buys"`
			Sells int64 `json:"sells"`
		} `json:"h24"`
	} `json:"txns"`
}

// toToken converts USD-denominated figures to SOL using the pair's own
// USD price as the exchange rate; pairs without a USD price pass through
// unconverted.
func (p pair) toToken(nowMillis int64) token.Token {
	priceUsd := parseFloat(p.PriceUsd)
	rate := 1.0
	if priceUsd > 0 {
		rate = priceUsd
	}
	marketCap := 0.0
	if p.MarketCap > 0 {
		marketCap = p.MarketCap / rate
	}
	return token.Token{
		Address:        p.BaseToken.Address,
		Name:           p.BaseToken.Name,
		Ticker:         p.BaseToken.Symbol,
		Price:          parseFloat(p.PriceNative),
		MarketCap:      marketCap,
		Volume:         p.Volume.H24 / rate,
		Liquidity:      p.Liquidity.Quote,
		TxCount:        p.Txns.H24.Buys + p.Txns.H24.Sells,
		PriceChange1h:  p.PriceChange.H1,
		PriceChange24h: p.PriceChange.H24,
		Protocol:       p.DexID,
		Source:         Source,
		UpdatedAt:      nowMillis,
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
