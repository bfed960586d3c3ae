package main

import (
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"tokenfeed/internal/aggregate"
	"tokenfeed/internal/cache"
	"tokenfeed/internal/config"
	"tokenfeed/internal/httpx"
	"tokenfeed/internal/provider"
	"tokenfeed/internal/provider/dexscreener"
	"tokenfeed/internal/provider/geckoterminal"
	"tokenfeed/internal/provider/ratelimit"
	"tokenfeed/internal/scheduler"
	"tokenfeed/internal/stream"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Error("config load failed", "err", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := newStore(ctx, cfg, log)

	retry := httpx.RetryPolicy{
		MaxRetries: cfg.Fetch.MaxRetries,
		BaseDelay:  time.Duration(cfg.Fetch.RetryDelayMS) * time.Millisecond,
		Multiplier: cfg.Fetch.BackoffMultiplier,
	}
	fetchTimeout := time.Duration(cfg.Fetch.TimeoutSec) * time.Second

	dex := dexscreener.New(dexscreener.Config{
		Name:           "DexScreener",
		WatchAddresses: cfg.Providers.WatchAddresses,
		SearchQueries:  cfg.Providers.SearchQueries,
	}, httpx.New(cfg.Providers.DexScreenerBaseURL, fetchTimeout, retry, log), log)

	gecko := geckoterminal.New(geckoterminal.Config{
		Name: "GeckoTerminal",
	}, httpx.New(cfg.Providers.GeckoTerminalBaseURL, fetchTimeout, retry, log), log)

	providers := []provider.Provider{limitRPM(dex, cfg.Fetch.MaxRequestsPerMin), limitRPM(gecko, cfg.Fetch.MaxRequestsPerMin)}

	engine := aggregate.NewEngine(providers, store,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Server.DefaultPageSize, log)

	hub := stream.NewHub(engine, 30, cfg.Jobs.WSUpdateInterval, log)
	go hub.Run(ctx)

	sched := scheduler.New(engine, hub, cfg.Jobs.FullRefreshInterval, cfg.Jobs.LightRefreshInterval, log)
	stopSched, err := sched.Start(ctx)
	if err != nil {
		log.Error("scheduler start failed", "err", err.Error())
		os.Exit(1)
	}

	started := time.Now()
	api := http.NewServeMux()
	api.HandleFunc("GET /api/tokens", handleGetTokens(engine))
	api.HandleFunc("GET /api/tokens/{address}", handleGetToken(engine))
	api.HandleFunc("POST /api/refresh", handleRefresh(engine))
	api.HandleFunc("GET /api/health", handleHealth(hub, started))

	// the websocket endpoint bypasses the JSON/gzip middleware; wrapping
	// the upgrade response breaks the handshake
	root := http.NewServeMux()
	root.HandleFunc("GET /ws", hub.Handler())
	root.Handle("/", withJSONHeaders(withGzip(recoverPanic(api))))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	stopSched()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if closer, ok := store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// newStore connects to Redis, falling back to the in-process store so a
// missing Redis never blocks startup.
func newStore(ctx context.Context, cfg config.Config, log *slog.Logger) cache.Store {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := cache.NewRedis(connectCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("redis unavailable, using in-memory cache", "addr", cfg.Redis.Addr, "err", err.Error())
		return cache.NewMemory()
	}
	log.Info("connected to redis", "addr", cfg.Redis.Addr)
	return r
}

func limitRPM(p provider.Provider, rpm int) provider.Provider {
	if rpm <= 0 {
		return p
	}
	return &ratelimit.Provider{P: p, TB: ratelimit.NewTokenBucket(float64(rpm)/60.0, 1)}
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses responses when the client supports gzip.
func withGzip(next http.Handler) http.Handler {
	var gzPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		next.ServeHTTP(gzipResponseWriter{ResponseWriter: w, Writer: gz}, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
