// Package healthfeed polls an external HTTP health-check endpoint on a
// ticker and feeds the observed per-system failure probabilities into the
// Health-Aware Router's UpdateSystemHealth. It carries a rate-limit-aware
// poll loop (ETag-free here: health-check snapshots are small enough to
// refetch in full every cycle).
package healthfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jacklau/eventbus/internal/router"
	"go.uber.org/zap"
)

// SystemHealth is one system's reported health in a feed response.
type SystemHealth struct {
	FailureProbability float64 `json:"failure_probability"`
}

// FeedResponse is the expected shape of the health-check endpoint's body:
// a map of system id to its current observed health.
type FeedResponse struct {
	Systems map[string]SystemHealth `json:"systems"`
}

// Poller watches a health-check endpoint and pushes updates into a Router.
type Poller struct {
	client   *http.Client
	router   *router.Router
	endpoint string
	logger   *zap.Logger
}

// NewPoller creates a Poller that reports into r.
func NewPoller(client *http.Client, r *router.Router, endpoint string, logger *zap.Logger) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{client: client, router: r, endpoint: endpoint, logger: logger}
}

// Run starts the continuous poll loop, polling at interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	p.logf("starting health poll loop with interval %s", interval)

	if err := p.Poll(ctx); err != nil {
		p.logf("initial poll error: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logf("shutting down: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logf("poll error: %v", err)
			}
		}
	}
}

// Poll performs a single poll cycle: fetch the feed, apply rate-limit
// backoff if the response says to, and push every reported system's
// health into the router.
func (p *Poller) Poll(ctx context.Context) error {
	feed, err := p.fetchWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("fetching health feed: %w", err)
	}
	if feed == nil {
		return nil
	}

	for system, health := range feed.Systems {
		p.router.UpdateSystemHealth(system, router.HealthUpdate{
			FailureProbability: health.FailureProbability,
		})
	}
	return nil
}

func (p *Poller) fetchWithRetry(ctx context.Context) (*FeedResponse, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := BackoffDuration(attempt - 1)
			p.logf("retrying health feed (attempt %d/%d) after %s", attempt, maxRetries, wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		feed, resp, err := p.fetchOnce(ctx)

		if resp != nil && IsRateLimitError(resp) {
			wait, _ := HandleRateLimitError(resp)
			p.logf("health feed rate limited, waiting %s", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if resp != nil && IsServerError(resp) {
			if attempt < maxRetries {
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %d", maxRetries, resp.StatusCode)
		}

		if resp != nil {
			if rl := ParseRateLimit(resp); rl != nil && rl.ShouldThrottle() {
				if wait := rl.WaitDuration(); wait > 0 {
					p.logf("health feed quota low (remaining=%d), waiting %s", rl.Remaining, wait)
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(wait):
					}
				}
			}
		}

		if err != nil {
			return nil, err
		}
		return feed, nil
	}

	return nil, fmt.Errorf("exhausted retries")
}

func (p *Poller) fetchOnce(ctx context.Context) (*FeedResponse, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp, nil
	}

	var feed FeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, resp, fmt.Errorf("decoding health feed response: %w", err)
	}
	return &feed, resp, nil
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Sugar().Debugf(format, args...)
}
