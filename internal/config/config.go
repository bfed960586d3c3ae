package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Port            string `json:"port"`
	DefaultPageSize int    `json:"default_page_size"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Cache struct {
	TTLSeconds int `json:"ttl_sec"`
}

type Fetch struct {
	TimeoutSec        int     `json:"timeout_sec"`
	MaxRetries        int     `json:"max_retries"`
	RetryDelayMS      int     `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxRequestsPerMin int     `json:"max_requests_per_minute"`
}

type Providers struct {
	DexScreenerBaseURL   string   `json:"dexscreener_base_url"`
	GeckoTerminalBaseURL string   `json:"geckoterminal_base_url"`
	WatchAddresses       []string `json:"watch_addresses"`
	SearchQueries        []string `json:"search_queries"`
}

type Jobs struct {
	FullRefreshInterval  time.Duration `json:"-"`
	LightRefreshInterval time.Duration `json:"-"`
	WSUpdateInterval     time.Duration `json:"-"`
}

type Config struct {
	Server    Server    `json:"server"`
	Redis     Redis     `json:"redis"`
	Cache     Cache     `json:"cache"`
	Fetch     Fetch     `json:"fetch"`
	Providers Providers `json:"providers"`
	Jobs      Jobs      `json:"jobs"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "3000", DefaultPageSize: 20},
		Redis:  Redis{Addr: "localhost:6379"},
		Cache:  Cache{TTLSeconds: 30},
		Fetch: Fetch{
			TimeoutSec:        10,
			MaxRetries:        3,
			RetryDelayMS:      1000,
			BackoffMultiplier: 2,
		},
		Providers: Providers{
			DexScreenerBaseURL:   "https://api.dexscreener.com",
			GeckoTerminalBaseURL: "https://api.geckoterminal.com/api/v2",
			SearchQueries:        []string{"SOL"},
		},
		Jobs: Jobs{
			FullRefreshInterval:  2 * time.Minute,
			LightRefreshInterval: 30 * time.Second,
			WSUpdateInterval:     5 * time.Second,
		},
	}
}

// Load reads JSON config from path, falling back to config.json when the
// path is empty, then applies environment overrides. A .env file in the
// working directory is folded into the environment first. Missing files
// are not errors; defaults cover everything.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("PORT", &cfg.Server.Port)
	envInt("DEFAULT_PAGE_SIZE", &cfg.Server.DefaultPageSize)

	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envInt("CACHE_TTL_SEC", &cfg.Cache.TTLSeconds)

	envInt("FETCH_TIMEOUT_SEC", &cfg.Fetch.TimeoutSec)
	envInt("MAX_RETRIES", &cfg.Fetch.MaxRetries)
	envInt("RETRY_DELAY_MS", &cfg.Fetch.RetryDelayMS)
	envFloat("BACKOFF_MULTIPLIER", &cfg.Fetch.BackoffMultiplier)
	envInt("PROVIDER_MAX_RPM", &cfg.Fetch.MaxRequestsPerMin)

	envStr("DEXSCREENER_BASE_URL", &cfg.Providers.DexScreenerBaseURL)
	envStr("GECKOTERMINAL_BASE_URL", &cfg.Providers.GeckoTerminalBaseURL)
	envCSV("WATCH_ADDRESSES", &cfg.Providers.WatchAddresses)
	envCSV("SEARCH_QUERIES", &cfg.Providers.SearchQueries)

	envDur("FULL_REFRESH_INTERVAL", &cfg.Jobs.FullRefreshInterval)
	envDur("LIGHT_REFRESH_INTERVAL", &cfg.Jobs.LightRefreshInterval)
	envDur("WS_UPDATE_INTERVAL", &cfg.Jobs.WSUpdateInterval)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x >= 0 {
			*dst = x
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.ParseFloat(v, 64); err == nil && x > 0 {
			*dst = x
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func envCSV(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		*dst = splitCSV(v)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
