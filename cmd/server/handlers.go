package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tokenfeed/internal/token"
)

// tokenAPI is the engine surface the handlers need.
type tokenAPI interface {
	GetTokens(ctx context.Context, limit int, cursor string, f *token.Filter, s *token.Sort) (token.Page, error)
	GetByAddress(ctx context.Context, address string) (*token.Token, error)
	RefreshCache(ctx context.Context) error
}

const maxPageLimit = 100

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// parseTokensQuery validates the full query surface of GET /api/tokens.
// Anything malformed is rejected here so the engine only ever sees
// well-formed input.
func parseTokensQuery(r *http.Request) (limit int, cursor string, f *token.Filter, s *token.Sort, err error) {
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, "", nil, nil, fmt.Errorf("limit must be a positive integer")
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}

	cursor = q.Get("cursor")
	if cursor != "" {
		if n, cerr := strconv.Atoi(cursor); cerr != nil || n < 0 {
			return 0, "", nil, nil, fmt.Errorf("cursor must be a non-negative integer")
		}
	}

	var filter token.Filter
	var hasFilter bool
	if v := q.Get("min_volume"); v != "" {
		filter.MinVolume, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, "", nil, nil, fmt.Errorf("min_volume must be numeric")
		}
		hasFilter = true
	}
	if v := q.Get("max_volume"); v != "" {
		filter.MaxVolume, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, "", nil, nil, fmt.Errorf("max_volume must be numeric")
		}
		hasFilter = true
	}
	if v := q.Get("protocol"); v != "" {
		filter.Protocol = v
		hasFilter = true
	}
	if v := q.Get("min_price_change"); v != "" {
		filter.MinPriceChange, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, "", nil, nil, fmt.Errorf("min_price_change must be numeric")
		}
		hasFilter = true
	}
	if v := q.Get("period"); v != "" {
		switch token.Period(v) {
		case token.Period1h, token.Period24h, token.Period7d:
			filter.Period = token.Period(v)
		default:
			return 0, "", nil, nil, fmt.Errorf("period must be one of 1h, 24h, 7d")
		}
		hasFilter = true
	}
	if hasFilter {
		f = &filter
	}

	var srt token.Sort
	var hasSort bool
	if v := q.Get("sort_by"); v != "" {
		switch token.SortField(v) {
		case token.SortVolume, token.SortPriceChange, token.SortMarketCap, token.SortLiquidity, token.SortTxCount:
			srt.Field = token.SortField(v)
		default:
			return 0, "", nil, nil, fmt.Errorf("unknown sort_by field %q", v)
		}
		hasSort = true
	}
	if v := q.Get("sort_order"); v != "" {
		switch token.SortOrder(v) {
		case token.OrderAsc, token.OrderDesc:
			srt.Order = token.SortOrder(v)
		default:
			return 0, "", nil, nil, fmt.Errorf("sort_order must be asc or desc")
		}
		hasSort = true
	}
	if hasSort {
		if srt.Field == "" {
			srt.Field = token.SortVolume
		}
		if srt.Order == "" {
			srt.Order = token.OrderDesc
		}
		s = &srt
	}

	return limit, cursor, f, s, nil
}

func handleGetTokens(api tokenAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, cursor, f, s, err := parseTokensQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		page, err := api.GetTokens(r.Context(), limit, cursor, f, s)
		if err != nil {
			writeError(w, http.StatusBadGateway, "failed to aggregate tokens")
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleGetToken(api tokenAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if address == "" {
			writeError(w, http.StatusBadRequest, "missing token address")
			return
		}
		rec, err := api.GetByAddress(r.Context(), address)
		if err != nil {
			writeError(w, http.StatusBadGateway, "failed to look up token")
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "token not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleRefresh(api tokenAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := api.RefreshCache(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, "refresh failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "refreshed",
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

type clientCounter interface {
	ClientCount() int
}

func handleHealth(hub clientCounter, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"uptime_sec": int64(time.Since(started).Seconds()),
			"clients":    hub.ClientCount(),
		})
	}
}
