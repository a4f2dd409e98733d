package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher returns one batch per attempt, in order.
type scriptedFetcher struct {
	batches [][]any
	errs    []error
	calls   int
	afters  []*int64
}

func (f *scriptedFetcher) FetchUndelivered(ctx context.Context, after *int64) ([]any, error) {
	idx := f.calls
	f.calls++
	f.afters = append(f.afters, after)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.batches) {
		return f.batches[idx], nil
	}
	return nil, nil
}

func newTestPoller(fetcher Fetcher, sleeps *[]time.Duration) *Poller {
	return NewPoller(fetcher, func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}, nil, nil)
}

func TestPoll_MatchStopsEarly(t *testing.T) {
	target := map[string]any{"cardReference": "ref-1", "merchantName": "Shop"}
	fetcher := &scriptedFetcher{batches: [][]any{
		{},
		{map[string]any{"cardReference": "other"}},
		{target},
		{map[string]any{"cardReference": "never-reached"}},
	}}

	var sleeps []time.Duration
	poller := newTestPoller(fetcher, &sleeps)

	result, err := poller.Poll(context.Background(), PollParams{
		CardReference: "ref-1",
		MaxAttempts:   5,
		Backoff:       100 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, result.Found)
	assert.Equal(t, 3, result.Attempts, "stops on the matching attempt")
	assert.Equal(t, 3, fetcher.calls)
	assert.Equal(t, target, result.Matched)
	assert.Len(t, result.Items, 2, "all fetched items accumulate")
	assert.Contains(t, result.Message, "ref-1")

	// exponential: backoff, then backoff*2; no sleep after the match
	require.Len(t, sleeps, 2)
	assert.Equal(t, 100*time.Millisecond, sleeps[0])
	assert.Equal(t, 200*time.Millisecond, sleeps[1])
}

func TestPoll_ExhaustsAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{batches: [][]any{
		{map[string]any{"cardReference": "other"}},
		{},
		{},
	}}

	var sleeps []time.Duration
	poller := newTestPoller(fetcher, &sleeps)

	result, err := poller.Poll(context.Background(), PollParams{
		CardReference: "wanted",
		MaxAttempts:   3,
		Backoff:       50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.False(t, result.Found)
	assert.Equal(t, 3, result.Attempts)
	assert.Contains(t, result.Message, "after 3 attempts")
	require.Len(t, sleeps, 2, "no sleep after the final attempt")
	assert.Equal(t, 50*time.Millisecond, sleeps[0])
	assert.Equal(t, 100*time.Millisecond, sleeps[1])
}

func TestPoll_BulkModeRunsAllAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{batches: [][]any{
		{map[string]any{"id": "a"}},
		{map[string]any{"id": "b"}, map[string]any{"id": "c"}},
	}}

	var sleeps []time.Duration
	poller := newTestPoller(fetcher, &sleeps)

	result, err := poller.Poll(context.Background(), PollParams{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	})
	require.NoError(t, err)

	assert.False(t, result.Found, "bulk mode never reports a match")
	assert.Len(t, result.Items, 3)
	assert.Equal(t, 2, result.Attempts)
	assert.Contains(t, result.Message, "Fetched 3 undelivered notifications")
}

func TestPoll_FetchErrorAborts(t *testing.T) {
	fetchErr := errors.New("boom")
	fetcher := &scriptedFetcher{
		batches: [][]any{{map[string]any{"id": "a"}}},
		errs:    []error{nil, fetchErr},
	}

	var sleeps []time.Duration
	poller := newTestPoller(fetcher, &sleeps)

	_, err := poller.Poll(context.Background(), PollParams{
		CardReference: "wanted",
		MaxAttempts:   4,
		Backoff:       time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, 2, fetcher.calls, "the failing attempt is the last")
}

func TestPoll_AfterPassedThrough(t *testing.T) {
	fetcher := &scriptedFetcher{}
	var sleeps []time.Duration
	poller := newTestPoller(fetcher, &sleeps)

	after := int64(1700000000)
	_, err := poller.Poll(context.Background(), PollParams{
		After:       &after,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	require.Len(t, fetcher.afters, 2)
	for _, got := range fetcher.afters {
		require.NotNil(t, got)
		assert.Equal(t, after, *got)
	}
}

func TestPoll_ZeroAttemptsClampedToOne(t *testing.T) {
	fetcher := &scriptedFetcher{}
	var sleeps []time.Duration
	poller := newTestPoller(fetcher, &sleeps)

	result, err := poller.Poll(context.Background(), PollParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, sleeps)
}
