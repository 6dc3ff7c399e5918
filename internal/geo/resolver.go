// Package geo resolves an IP address to a country name for sign-in
// attribution. Lookups go to an external HTTP service behind a Postgres
// cache; any failure resolves to an unknown country rather than an error,
// since attribution must never block authentication.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Cache is the persistence layer for resolved lookups.
type Cache interface {
	Get(ctx context.Context, ip string, maxAge time.Duration, now time.Time) (*string, error)
	Put(ctx context.Context, ip string, country *string, now time.Time) error
}

type Config struct {
	ServiceURL string
	CacheTTL   time.Duration
	Timeout    time.Duration
}

type Resolver struct {
	cache  Cache
	config Config
	client *http.Client
	logger *slog.Logger
}

func NewResolver(cache Cache, config Config, logger *slog.Logger) *Resolver {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 7 * 24 * time.Hour
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}

	return &Resolver{
		cache:  cache,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Lookup resolves ip to a country name. Returns nil for private addresses,
// malformed input, cache errors, and upstream failures.
func (r *Resolver) Lookup(ctx context.Context, ip string) *string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() {
		return nil
	}

	if cached, err := r.cache.Get(ctx, ip, r.config.CacheTTL, time.Now()); err == nil && cached != nil {
		return cached
	} else if err != nil {
		r.logger.Warn("geo cache read failed", slog.String("error", err.Error()))
	}

	country, err := r.fetch(ctx, ip)
	if err != nil {
		r.logger.Warn("geo lookup failed",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := r.cache.Put(ctx, ip, country, time.Now()); err != nil {
		r.logger.Warn("geo cache write failed", slog.String("error", err.Error()))
	}

	return country
}

func (r *Resolver) fetch(ctx context.Context, ip string) (*string, error) {
	endpoint := strings.TrimRight(r.config.ServiceURL, "/") + "/" + url.PathEscape(ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geo request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read geo response: %w", err)
	}

	var payload struct {
		Country string `json:"country"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode geo response: %w", err)
	}

	if payload.Country == "" {
		return nil, nil
	}
	return &payload.Country, nil
}
