package notification

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/cardwatch/cardwatch/service/cardnet"
	"github.com/cardwatch/cardwatch/service/metrics"
	"github.com/cardwatch/cardwatch/service/nats"
	"github.com/cardwatch/cardwatch/service/store"
)

// undeliveredPath is the feed endpoint for notifications the network could
// not deliver to the registered webhook.
const undeliveredPath = "/notifications/undelivered-notifications"

// Sender is the slice of the signed client the service needs.
type Sender interface {
	Send(ctx context.Context, req cardnet.Request) (*cardnet.Response, error)
}

// Service ties the signed client, extractor, poller, record store and event
// publisher together: poll -> build records -> merge -> save -> publish.
type Service struct {
	client    Sender
	store     *store.Store
	publisher nats.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewService creates the notification service. publisher may be nil when
// event publishing is not configured; m may be nil.
func NewService(client Sender, st *store.Store, publisher nats.Publisher, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{
		client:    client,
		store:     st,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
	}
}

// FetchUndelivered fetches one batch of raw notification items. A body that
// does not decode as JSON degrades to an empty batch rather than failing the
// poll cycle.
func (s *Service) FetchUndelivered(ctx context.Context, after *int64) ([]any, error) {
	query := url.Values{}
	if after != nil {
		query.Set("after", strconv.FormatInt(*after, 10))
	}

	resp, err := s.client.Send(ctx, cardnet.Request{
		Method:  "GET",
		Path:    undeliveredPath,
		Headers: map[string]string{"Content-Type": "application/json"},
		Query:   query,
	})
	if err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		s.logger.WarnContext(ctx, "undelivered-notifications body is not JSON", "error", err)
		return nil, nil
	}
	return ExtractItems(payload), nil
}

// PollOutcome reports a full poll-and-store cycle.
type PollOutcome struct {
	Poll       *PollResult
	Added      int
	Duplicates int
}

// PollAndStore polls the feed, converts the fetched items to notification
// records, merges them into the stored snapshot and persists the result.
// Newly added records are published as events when a publisher is
// configured. The merge is computed against the most recently loaded
// snapshot; there is no optimistic-concurrency check before the final
// atomic write.
func (s *Service) PollAndStore(ctx context.Context, params PollParams) (*PollOutcome, error) {
	poller := NewPoller(FetcherFunc(s.FetchUndelivered), nil, s.logger, s.metrics)
	result, err := poller.Poll(ctx, params)
	if err != nil {
		return nil, err
	}

	incoming := make([]store.Record, 0, len(result.Items))
	for _, item := range result.Items {
		incoming = append(incoming, BuildRecord(item))
	}

	existing, err := s.store.Load(store.KindNotifications)
	if err != nil {
		return nil, err
	}

	merge := MergeRecords(existing, incoming)
	if err := s.store.Save(store.KindNotifications, merge.Records); err != nil {
		return nil, err
	}
	s.metrics.RecordNotificationsMerged("poll", len(merge.Added), merge.Duplicates)

	s.publishAdded(ctx, merge.Added)

	s.logger.InfoContext(ctx, "poll cycle complete",
		"attempts", result.Attempts,
		"fetched", len(result.Items),
		"added", len(merge.Added),
		"duplicates", merge.Duplicates,
		"found", result.Found,
	)

	return &PollOutcome{
		Poll:       result,
		Added:      len(merge.Added),
		Duplicates: merge.Duplicates,
	}, nil
}

// EnrichStored re-extracts fields for every stored notification record and
// persists the result when anything changed. Returns the number of records
// that changed.
func (s *Service) EnrichStored(ctx context.Context) (int, error) {
	records, err := s.store.Load(store.KindNotifications)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, record := range records {
		if EnrichRecord(record) {
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}

	if err := s.store.Save(store.KindNotifications, records); err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "enriched stored notifications", "changed", changed)
	return changed, nil
}

// Reconciled returns the stored notifications correlated with locally
// posted transactions, deduplicated by fingerprint.
func (s *Service) Reconciled(ctx context.Context) ([]store.Record, bool, error) {
	notifications, err := s.store.Load(store.KindNotifications)
	if err != nil {
		return nil, false, err
	}
	transactions, err := s.store.Load(store.KindTransactions)
	if err != nil {
		return nil, false, err
	}

	deduped, _ := DedupeByFingerprint(notifications)
	filtered, applied := FilterByTransactions(deduped, transactions)
	return filtered, applied, nil
}

func (s *Service) publishAdded(ctx context.Context, added []store.Record) {
	if s.publisher == nil || len(added) == 0 {
		return
	}

	events := make([]*nats.NotificationEvent, 0, len(added))
	for _, record := range added {
		events = append(events, eventFromRecord(record))
	}
	if err := s.publisher.PublishNotificationBatch(ctx, events); err != nil {
		s.metrics.RecordNATSPublish("error")
		s.logger.ErrorContext(ctx, "failed to publish notification events", "error", err)
		return
	}
	s.metrics.RecordNATSPublish("success")
}

func eventFromRecord(record store.Record) *nats.NotificationEvent {
	return &nats.NotificationEvent{
		ID:            stringField(record, "id"),
		CardReference: stringField(record, "card_reference"),
		Fingerprint:   stringField(record, "fingerprint"),
		Merchant:      stringify(record["merchant"]),
		Amount:        stringify(record["amount"]),
		Currency:      stringify(record["currency"]),
		Status:        stringField(record, "status"),
		ReceivedAt:    stringField(record, "received_at"),
	}
}
