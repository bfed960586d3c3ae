package geckoterminal

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokenfeed/internal/httpx"
)

const tokenAttrs = `{
  "address": "Bonk111",
  "name": "Bonk",
  "symbol": "BONK",
  "decimals": 5,
  "price_usd": "0.00002",
  "total_reserve_in_usd": "900000",
  "volume_usd": {"h24": "150000"},
  "market_cap_usd": "1500000"
}`

func newTestClient(t *testing.T, handler http.Handler, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc := httpx.New(srv.URL, 5*time.Second,
		httpx.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 2},
		slog.New(slog.DiscardHandler))
	return New(cfg, hc, slog.New(slog.DiscardHandler))
}

func TestListCandidates_WalksPagesAndConverts(t *testing.T) {
	t.Parallel()

	var pages []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/networks/solana/tokens", r.URL.Path)
		pages = append(pages, r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"data":[{"id":"solana_Bonk111","type":"token","attributes":` + tokenAttrs + `}]}`))
	}), Config{TrendingPages: 2})

	got, err := c.ListCandidates(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, pages)
	require.Len(t, got, 2)

	tok := got[0]
	require.Equal(t, "Bonk111", tok.Address)
	// USD figures divided by the fixed placeholder SOL rate.
	require.InDelta(t, 0.00002/solPriceUsd, tok.Price, 1e-12)
	require.InDelta(t, 1500000/solPriceUsd, tok.MarketCap, 1e-6)
	require.InDelta(t, 150000/solPriceUsd, tok.Volume, 1e-6)
	require.InDelta(t, 900000/solPriceUsd, tok.Liquidity, 1e-6)
	require.Zero(t, tok.TxCount)
	require.Zero(t, tok.PriceChange1h)
	require.Equal(t, "Multiple", tok.Protocol)
	require.Equal(t, Source, tok.Source)
}

func TestListCandidates_PartialPageFailure(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"x","type":"token","attributes":` + tokenAttrs + `}]}`))
	}), Config{TrendingPages: 2})

	got, err := c.ListCandidates(t.Context())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestByAddress_Found(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/networks/solana/tokens/Bonk111", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"id":"solana_Bonk111","type":"token","attributes":` + tokenAttrs + `}}`))
	}), Config{})

	got, err := c.ByAddress(t.Context(), "Bonk111")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "BONK", got[0].Ticker)
}

func TestByAddress_NotFoundIsNil(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), Config{})

	got, err := c.ByAddress(t.Context(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}
