// Package geckoterminal adapts the GeckoTerminal network token API to
// canonical records. GeckoTerminal reports USD figures; conversion to SOL
// uses a fixed placeholder rate, a known approximation carried over from
// the system this replaces rather than something to fix silently.
package geckoterminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tokenfeed/internal/httpx"
	"tokenfeed/internal/token"
)

// Source is the provenance identifier stamped on every record.
const Source = "geckoterminal"

// solPriceUsd is the placeholder SOL/USD conversion rate.
const solPriceUsd = 100.0

type Config struct {
	Name string
	// Network is the GeckoTerminal network path segment.
	Network string
	// TrendingPages is how many pages of the network token list a
	// candidate listing walks.
	TrendingPages int
}

type Client struct {
	cfg  Config
	http *httpx.Client
	log  *slog.Logger
}

func New(cfg Config, hc *httpx.Client, log *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "GeckoTerminal"
	}
	if cfg.Network == "" {
		cfg.Network = "solana"
	}
	if cfg.TrendingPages <= 0 {
		cfg.TrendingPages = 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, http: hc, log: log}
}

func (c *Client) Name() string { return c.cfg.Name }

// ListCandidates walks the configured number of trending pages. Pages are
// fetched sequentially; the API paginates and rate-limits aggressively
// enough that parallel page fetches buy nothing.
func (c *Client) ListCandidates(ctx context.Context) ([]token.Token, error) {
	var (
		out    []token.Token
		failed int
	)
	for page := 1; page <= c.cfg.TrendingPages; page++ {
		var resp listResponse
		params := url.Values{"page": []string{strconv.Itoa(page)}}
		path := "/networks/" + c.cfg.Network + "/tokens"
		if err := c.http.GetJSON(ctx, path, params, &resp); err != nil {
			failed++
			c.log.Warn("geckoterminal page fetch failed", "page", page, "err", err.Error())
			continue
		}
		now := time.Now().UnixMilli()
		for _, t := range resp.Data {
			out = append(out, t.toToken(now))
		}
	}
	if len(out) == 0 && failed == c.cfg.TrendingPages {
		return nil, fmt.Errorf("geckoterminal: all %d pages failed", failed)
	}
	return out, nil
}

// ByAddress looks up a single token; an empty slice means the network has
// no data for the address.
func (c *Client) ByAddress(ctx context.Context, address string) ([]token.Token, error) {
	var resp singleResponse
	path := "/networks/" + c.cfg.Network + "/tokens/" + url.PathEscape(address)
	err := c.http.GetJSON(ctx, path, nil, &resp)
	if err != nil {
		var uerr *httpx.UpstreamError
		if errors.As(err, &uerr) && uerr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if resp.Data.Attributes.Address == "" {
		return nil, nil
	}
	return []token.Token{resp.Data.toToken(time.Now().UnixMilli())}, nil
}

type apiToken struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Address           string `json:"address"`
		Name              string `json:"name"`
		Symbol            string `json:"symbol"`
		PriceUsd          string `json:"price_usd"`
		TotalReserveInUsd string `json:"total_reserve_in_usd"`
		VolumeUsd         struct {
			H24 string `json:"h24"`
		} `json:"volume_usd"`
		MarketCapUsd string `json:"market_cap_usd"`
	} `json:"attributes"`
}

type listResponse struct {
	Data []apiToken `json:"data"`
}

type singleResponse struct {
	Data apiToken `json:"data"`
}

func (t apiToken) toToken(nowMillis int64) token.Token {
	a := t.Attributes
	return token.Token{
		Address:   a.Address,
		Name:      a.Name,
		Ticker:    a.Symbol,
		Price:     parseFloat(a.PriceUsd) / solPriceUsd,
		MarketCap: parseFloat(a.MarketCapUsd) / solPriceUsd,
		Volume:    parseFloat(a.VolumeUsd.H24) / solPriceUsd,
		Liquidity: parseFloat(a.TotalReserveInUsd) / solPriceUsd,
		// Transaction counts and change percentages are not exposed by
		// this endpoint; the merge fills them in from other providers.
		Protocol:  "Multiple",
		Source:    Source,
		UpdatedAt: nowMillis,
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
