package notification

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cardwatch/cardwatch/service/metrics"
)

// Fetcher fetches one batch of raw notification items from the feed. The
// after parameter is an optional epoch lower bound passed through to the
// endpoint.
type Fetcher interface {
	FetchUndelivered(ctx context.Context, after *int64) ([]any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, after *int64) ([]any, error)

func (f FetcherFunc) FetchUndelivered(ctx context.Context, after *int64) ([]any, error) {
	return f(ctx, after)
}

// PollParams controls one poll cycle.
type PollParams struct {
	// CardReference, when set, switches the poller to single-target mode:
	// polling stops early once a fetched item's extracted card reference
	// equals it. When empty the poller runs all attempts and simply
	// collects (bulk mode).
	CardReference string
	After         *int64
	MaxAttempts   int
	Backoff       time.Duration
}

// PollResult is the outcome of a poll cycle.
type PollResult struct {
	Items    []any
	Attempts int
	Found    bool
	Matched  any
	Message  string
}

// Poller repeatedly fetches the undelivered-notifications feed with
// exponential backoff until a target card reference is matched or attempts
// are exhausted. Backoff here is deterministic (backoff * 2^(n-1), no
// jitter); jitter belongs to the client's own transport retry, a separate
// concern.
type Poller struct {
	fetcher Fetcher
	sleep   func(time.Duration)
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPoller creates a poller. If sleep is nil, time.Sleep is used; tests
// inject a recorder. If logger is nil, logging is discarded.
func NewPoller(fetcher Fetcher, sleep func(time.Duration), logger *slog.Logger, m *metrics.Metrics) *Poller {
	if sleep == nil {
		sleep = time.Sleep
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Poller{fetcher: fetcher, sleep: sleep, logger: logger, metrics: m}
}

// Poll runs up to MaxAttempts fetches, accumulating all returned items.
// Between attempts (never after the last) it sleeps backoff * 2^(n-1).
func (p *Poller) Poll(ctx context.Context, params PollParams) (*PollResult, error) {
	maxAttempts := params.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	result := &PollResult{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		items, err := p.fetcher.FetchUndelivered(ctx, params.After)
		result.Attempts = attempt
		if err != nil {
			p.metrics.RecordPollAttempt("error")
			p.metrics.RecordPollDuration("error", time.Since(start).Seconds())
			return nil, fmt.Errorf("poll attempt %d failed: %w", attempt, err)
		}

		result.Items = append(result.Items, items...)
		p.metrics.RecordNotificationsFetched("poll", len(items))
		p.logger.DebugContext(ctx, "fetched undelivered notifications",
			"attempt", attempt,
			"count", len(items),
			"card_reference", params.CardReference,
		)

		if params.CardReference != "" {
			for _, item := range items {
				if ExtractCardReference(item) == params.CardReference {
					result.Matched = item
					result.Found = true
					break
				}
			}
			if result.Found {
				break
			}
		}

		if attempt < maxAttempts {
			p.sleep(params.Backoff * (1 << (attempt - 1)))
		}
	}

	outcome := "collected"
	switch {
	case params.CardReference == "":
		result.Message = fmt.Sprintf("Fetched %d undelivered notifications", len(result.Items))
	case result.Found:
		result.Message = fmt.Sprintf("Found undelivered notification for card reference %s", params.CardReference)
		outcome = "matched"
	default:
		result.Message = fmt.Sprintf("No undelivered notifications found for card reference %s after %d attempts",
			params.CardReference, maxAttempts)
		outcome = "exhausted"
	}

	p.metrics.RecordPollAttempt(outcome)
	p.metrics.RecordPollDuration(outcome, time.Since(start).Seconds())
	return result, nil
}
