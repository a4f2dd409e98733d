package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/cardwatch/service/store"
)

func TestFilterByTransactions(t *testing.T) {
	notifications := []store.Record{
		{"id": "n1", "reference_number": "123456789"},
		{"id": "n2", "system_trace_audit_number": "654321"},
		{
			"id":             "n3",
			"card_reference": "ref-1",
			"amount":         "12.340",
			"currency":       "usd",
			"merchant":       "coffee shop",
		},
		{"id": "n4", "reference_number": "000000000"},
	}

	t.Run("matches by reference number", func(t *testing.T) {
		transactions := []store.Record{{"reference_number": "123456789"}}
		filtered, applied := FilterByTransactions(notifications, transactions)
		require.True(t, applied)
		require.Len(t, filtered, 1)
		assert.Equal(t, "n1", filtered[0]["id"])
	})

	t.Run("matches by system trace audit number", func(t *testing.T) {
		transactions := []store.Record{{"system_trace_audit_number": "654321"}}
		filtered, applied := FilterByTransactions(notifications, transactions)
		require.True(t, applied)
		require.Len(t, filtered, 1)
		assert.Equal(t, "n2", filtered[0]["id"])
	})

	t.Run("matches by fallback composite key", func(t *testing.T) {
		transactions := []store.Record{{
			"card_reference": "ref-1",
			"amount":         12.34,
			"currency":       "USD",
			"merchant":       "Coffee Shop",
		}}
		filtered, applied := FilterByTransactions(notifications, transactions)
		require.True(t, applied)
		require.Len(t, filtered, 1)
		assert.Equal(t, "n3", filtered[0]["id"])
	})

	t.Run("no transactions passes everything through", func(t *testing.T) {
		filtered, applied := FilterByTransactions(notifications, nil)
		assert.False(t, applied)
		assert.Len(t, filtered, len(notifications))
	})

	t.Run("transactions without identifiers pass everything through", func(t *testing.T) {
		transactions := []store.Record{{"status": "FAILED"}}
		filtered, applied := FilterByTransactions(notifications, transactions)
		assert.False(t, applied)
		assert.Len(t, filtered, len(notifications))
	})

	t.Run("numeric reference numbers still match", func(t *testing.T) {
		transactions := []store.Record{{"reference_number": 123456789.0}}
		filtered, applied := FilterByTransactions(notifications, transactions)
		require.True(t, applied)
		require.Len(t, filtered, 1)
		assert.Equal(t, "n1", filtered[0]["id"])
	})
}

func TestDedupeByFingerprint(t *testing.T) {
	t.Run("drops repeated fingerprints", func(t *testing.T) {
		notifications := []store.Record{
			{"id": "a", "fingerprint": "trans_uid:t-1"},
			{"id": "b", "fingerprint": "trans_uid:t-1"},
			{"id": "c", "fingerprint": "trans_uid:t-2"},
		}
		deduped, changed := DedupeByFingerprint(notifications)
		assert.True(t, changed)
		require.Len(t, deduped, 2)
		assert.Equal(t, "a", deduped[0]["id"], "first occurrence wins")
	})

	t.Run("computes missing fingerprints", func(t *testing.T) {
		notifications := []store.Record{
			{"id": "a", "trans_uid": "t-1"},
			{"id": "b", "trans_uid": "t-1"},
		}
		deduped, changed := DedupeByFingerprint(notifications)
		assert.True(t, changed)
		assert.Len(t, deduped, 1)
	})

	t.Run("falls back to id", func(t *testing.T) {
		notifications := []store.Record{
			{"id": "same"},
			{"id": "same"},
		}
		deduped, changed := DedupeByFingerprint(notifications)
		assert.True(t, changed)
		assert.Len(t, deduped, 1)
	})

	t.Run("identity-free records are kept", func(t *testing.T) {
		notifications := []store.Record{
			{"merchant": "a"},
			{"merchant": "b"},
		}
		deduped, changed := DedupeByFingerprint(notifications)
		assert.False(t, changed)
		assert.Len(t, deduped, 2)
	})
}
