package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cardwatch/cardwatch/service/notification"
	"github.com/cardwatch/cardwatch/service/store"
)

func TestRecordKinds(t *testing.T) {
	assert.Equal(t, store.KindEnrollments, recordKinds["enrollments"])
	assert.Equal(t, store.KindPendingAuthentications, recordKinds["pending-authentications"])
	assert.Len(t, recordKindNames(), len(recordKinds))
}

func TestPrintFiltered_InvalidExpression(t *testing.T) {
	assert.Error(t, printFiltered(nil, ".foo["))
}

func TestPollDeadline(t *testing.T) {
	short := pollDeadline(notification.PollParams{MaxAttempts: 3, Backoff: time.Second})
	assert.Equal(t, 2*time.Minute, short, "small polls get the floor deadline")

	long := pollDeadline(notification.PollParams{MaxAttempts: 10, Backoff: time.Minute})
	assert.Greater(t, long, 2*time.Minute)
}
