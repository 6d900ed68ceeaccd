// Package ranking is the HTTP client for the KOL ranking feed.
package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/kolcycle/internal/domain"
	"github.com/alanyoungcy/kolcycle/internal/retry"
)

// Config holds the feed connection parameters.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSec and Burst bound the client's own request rate.
	RatePerSec float64
	Burst      int
	Retry      retry.Policy
}

// Client implements domain.RankingFeed.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a feed client. Zero rate settings mean 10 req/s with a burst
// of 10.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		retry:      cfg.Retry,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "ranking")),
	}
}

type apiEntity struct {
	ID             string  `json:"id"`
	MindshareScore float64 `json:"mindshareScore"`
	DisplayName    string  `json:"displayName"`
}

func (e apiEntity) toDomain() domain.RankedEntity {
	return domain.RankedEntity{ID: e.ID, MindshareScore: e.MindshareScore, DisplayName: e.DisplayName}
}

type rankingsResponse struct {
	Data *[]apiEntity `json:"data"`
}

// FetchSnapshot pulls the current ranking, in feed order. Every failure,
// including a response without a data list, wraps ErrFeedUnavailable.
func (c *Client) FetchSnapshot(ctx context.Context) (domain.Snapshot, error) {
	body, err := retry.Value(ctx, c.retry, domain.IsTransient, func(ctx context.Context, _ int) ([]byte, error) {
		return c.doGet(ctx, "/v1/rankings")
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("ranking: fetch snapshot: %w: %w", domain.ErrFeedUnavailable, err)
	}

	var resp rankingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Snapshot{}, fmt.Errorf("ranking: decode snapshot: %w: %w", domain.ErrFeedUnavailable, err)
	}
	if resp.Data == nil {
		return domain.Snapshot{}, fmt.Errorf("ranking: snapshot has no data: %w", domain.ErrFeedUnavailable)
	}

	snap := domain.Snapshot{
		Entities:  make([]domain.RankedEntity, 0, len(*resp.Data)),
		FetchedAt: c.now().UTC(),
	}
	for _, e := range *resp.Data {
		if e.ID == "" {
			c.logger.Warn("dropping ranking row without id", slog.String("display_name", e.DisplayName))
			continue
		}
		snap.Entities = append(snap.Entities, e.toDomain())
	}
	return snap, nil
}

// FetchEntity fetches one entity's current standing.
func (c *Client) FetchEntity(ctx context.Context, id string) (domain.RankedEntity, error) {
	body, err := retry.Value(ctx, c.retry, domain.IsTransient, func(ctx context.Context, _ int) ([]byte, error) {
		return c.doGet(ctx, "/v1/entities/"+url.PathEscape(id))
	})
	if err != nil {
		return domain.RankedEntity{}, fmt.Errorf("ranking: fetch entity %s: %w", id, err)
	}

	var e apiEntity
	if err := json.Unmarshal(body, &e); err != nil {
		return domain.RankedEntity{}, fmt.Errorf("ranking: decode entity %s: %w", id, err)
	}
	if e.ID == "" {
		e.ID = id
	}
	return e.toDomain(), nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrTransient, err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("status %d: %w", code, domain.ErrNotFound)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", code, domain.ErrRateLimited)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", code, domain.ErrUnauthorized)
	case code >= 500:
		return fmt.Errorf("status %d: %w: %s", code, domain.ErrTransient, snippet)
	default:
		return fmt.Errorf("unexpected status %d: %s", code, snippet)
	}
}

// Compile-time interface check.
var _ domain.RankingFeed = (*Client)(nil)
