package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokenfeed/internal/token"
)

type fakeAPI struct {
	page       token.Page
	record     *token.Token
	err        error
	refreshErr error

	gotLimit  int
	gotCursor string
	gotFilter *token.Filter
	gotSort   *token.Sort
}

func (f *fakeAPI) GetTokens(_ context.Context, limit int, cursor string, filter *token.Filter, s *token.Sort) (token.Page, error) {
	f.gotLimit, f.gotCursor, f.gotFilter, f.gotSort = limit, cursor, filter, s
	return f.page, f.err
}

func (f *fakeAPI) GetByAddress(_ context.Context, _ string) (*token.Token, error) {
	return f.record, f.err
}

func (f *fakeAPI) RefreshCache(_ context.Context) error {
	return f.refreshErr
}

func TestGetTokens_ReturnsPage(t *testing.T) {
	api := &fakeAPI{page: token.Page{
		Records: []token.Token{{Address: "So1", Volume: 100}},
		Limit:   20,
		Total:   1,
	}}
	rr := httptest.NewRecorder()
	handleGetTokens(api)(rr, httptest.NewRequest(http.MethodGet, "/api/tokens", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var page token.Page
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Records, 1)
	require.Equal(t, "So1", page.Records[0].Address)
}

func TestGetTokens_ForwardsQueryParams(t *testing.T) {
	api := &fakeAPI{}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/api/tokens?limit=5&cursor=10&min_volume=100&protocol=Raydium&min_price_change=2.5&period=24h&sort_by=market_cap&sort_order=asc", nil)
	handleGetTokens(api)(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 5, api.gotLimit)
	require.Equal(t, "10", api.gotCursor)
	require.NotNil(t, api.gotFilter)
	require.InDelta(t, 100.0, api.gotFilter.MinVolume, 1e-9)
	require.Equal(t, "Raydium", api.gotFilter.Protocol)
	require.InDelta(t, 2.5, api.gotFilter.MinPriceChange, 1e-9)
	require.Equal(t, token.Period24h, api.gotFilter.Period)
	require.NotNil(t, api.gotSort)
	require.Equal(t, token.SortMarketCap, api.gotSort.Field)
	require.Equal(t, token.OrderAsc, api.gotSort.Order)
}

func TestGetTokens_MalformedInputRejected(t *testing.T) {
	cases := map[string]string{
		"bad limit":        "/api/tokens?limit=abc",
		"zero limit":       "/api/tokens?limit=0",
		"bad cursor":       "/api/tokens?cursor=xyz",
		"negative cursor":  "/api/tokens?cursor=-1",
		"bad min_volume":   "/api/tokens?min_volume=lots",
		"bad period":       "/api/tokens?period=3d",
		"unknown sort_by":  "/api/tokens?sort_by=name",
		"bad sort_order":   "/api/tokens?sort_order=sideways",
		"bad price change": "/api/tokens?min_price_change=big",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{}
			rr := httptest.NewRecorder()
			handleGetTokens(api)(rr, httptest.NewRequest(http.MethodGet, target, nil))
			require.Equal(t, http.StatusBadRequest, rr.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetTokens_SortOrderAloneDefaultsToVolume(t *testing.T) {
	api := &fakeAPI{}
	rr := httptest.NewRecorder()
	handleGetTokens(api)(rr, httptest.NewRequest(http.MethodGet, "/api/tokens?sort_order=asc", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, api.gotSort)
	require.Equal(t, token.SortVolume, api.gotSort.Field)
	require.Equal(t, token.OrderAsc, api.gotSort.Order)
}

func TestGetTokens_LimitCapped(t *testing.T) {
	api := &fakeAPI{}
	rr := httptest.NewRecorder()
	handleGetTokens(api)(rr, httptest.NewRequest(http.MethodGet, "/api/tokens?limit=5000", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, maxPageLimit, api.gotLimit)
}

func TestGetTokens_EngineFailure(t *testing.T) {
	api := &fakeAPI{err: errors.New("boom")}
	rr := httptest.NewRecorder()
	handleGetTokens(api)(rr, httptest.NewRequest(http.MethodGet, "/api/tokens", nil))
	require.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestGetToken_Found(t *testing.T) {
	api := &fakeAPI{record: &token.Token{Address: "So1", Price: 0.5}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/So1", nil)
	req.SetPathValue("address", "So1")
	handleGetToken(api)(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var rec token.Token
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, "So1", rec.Address)
}

func TestGetToken_NotFound(t *testing.T) {
	api := &fakeAPI{}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/unknown", nil)
	req.SetPathValue("address", "unknown")
	handleGetToken(api)(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRefresh(t *testing.T) {
	api := &fakeAPI{}
	rr := httptest.NewRecorder()
	handleRefresh(api)(rr, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	api = &fakeAPI{refreshErr: errors.New("every provider down")}
	rr = httptest.NewRecorder()
	handleRefresh(api)(rr, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	require.Equal(t, http.StatusBadGateway, rr.Code)
}

type fakeCounter int

func (f fakeCounter) ClientCount() int { return int(f) }

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	handleHealth(fakeCounter(3), time.Now().Add(-time.Minute))(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.EqualValues(t, 3, resp["clients"])
	require.GreaterOrEqual(t, resp["uptime_sec"].(float64), 59.0)
}
