package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "notifications.ref-1", subjectFor(&NotificationEvent{CardReference: "ref-1"}))
	assert.Equal(t, "notifications.unmatched", subjectFor(&NotificationEvent{}))
}

func TestNotificationEvent_JSONShape(t *testing.T) {
	event := &NotificationEvent{
		ID:            "n-1",
		CardReference: "ref-1",
		Fingerprint:   "trans_uid:t-1",
		Merchant:      "Shop",
		Amount:        "12.34",
		Currency:      "USD",
		Status:        "UNDELIVERED",
		ReceivedAt:    "2026-08-30T10:00:00Z",
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "n-1", decoded["id"])
	assert.Equal(t, "ref-1", decoded["card_reference"])
	assert.Equal(t, "trans_uid:t-1", decoded["fingerprint"])
	assert.Equal(t, "UNDELIVERED", decoded["status"])
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	mock := NewMockPublisher()

	require.NoError(t, mock.PublishNotification(ctx, &NotificationEvent{ID: "a"}))
	require.NoError(t, mock.PublishNotificationBatch(ctx, []*NotificationEvent{{ID: "b"}, {ID: "c"}}))
	assert.Equal(t, 3, mock.GetPublishedEventCount())

	mock.SetPublishError(errors.New("down"))
	assert.Error(t, mock.PublishNotification(ctx, &NotificationEvent{ID: "d"}))
	assert.Equal(t, 3, mock.GetPublishedEventCount())

	require.NoError(t, mock.Close())
	assert.True(t, mock.IsClosed())
}
