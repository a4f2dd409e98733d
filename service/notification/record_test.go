package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecord(t *testing.T) {
	item := map[string]any{
		"id":                     "n-1",
		"cardReference":          "ref-1",
		"merchantName":           "Coffee Shop",
		"cardholderAmount":       12.34,
		"cardholderCurrency":     "USD",
		"eventTime":              "2026-08-30T10:00:00Z",
		"referenceNumber":        "123456789",
		"systemTraceAuditNumber": "654321",
		"transUid":               "t-1",
		"pan":                    "5123456789012345",
	}

	record := BuildRecord(item)

	assert.Equal(t, "n-1", record["id"])
	assert.Equal(t, "ref-1", record["card_reference"])
	assert.Equal(t, "Coffee Shop", record["merchant"])
	assert.Equal(t, 12.34, record["amount"])
	assert.Equal(t, "USD", record["currency"])
	assert.Equal(t, "2026-08-30T10:00:00Z", record["event_time"])
	assert.Equal(t, "123456789", record["reference_number"])
	assert.Equal(t, "654321", record["system_trace_audit_number"])
	assert.Equal(t, "t-1", record["trans_uid"])
	assert.Equal(t, StatusUndelivered, record["status"])
	assert.Equal(t, "trans_uid:t-1", record["fingerprint"])
	assert.NotEmpty(t, record["received_at"])
	assert.Equal(t, false, record["encrypted_payload"])

	payload, ok := record["payload"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, payload, "pan", "payload is sanitized before storage")
	assert.Equal(t, "ref-1", payload["cardReference"])
}

func TestBuildRecord_GeneratesIDWhenAbsent(t *testing.T) {
	a := BuildRecord(map[string]any{"merchantName": "Shop"})
	b := BuildRecord(map[string]any{"merchantName": "Shop"})
	assert.NotEmpty(t, a["id"])
	assert.NotEqual(t, a["id"], b["id"])
}

func TestBuildRecord_NotificationIDFallback(t *testing.T) {
	record := BuildRecord(map[string]any{"notificationId": "alt-id"})
	assert.Equal(t, "alt-id", record["id"])
}

func TestBuildRecord_StableFingerprintAcrossCalls(t *testing.T) {
	// conflicting amount candidates in sibling objects must not produce
	// different fingerprints for the same item on repeated builds
	item := map[string]any{
		"id":            "n-1",
		"cardReference": "ref-1",
		"eventTime":     "2026-08-30T10:00:00Z",
		"details": map[string]any{
			"first":  map[string]any{"amount": "10.00", "currency": "USD"},
			"second": map[string]any{"amount": "20.00", "currency": "EUR"},
		},
	}

	first := BuildRecord(item)["fingerprint"]
	require.NotEmpty(t, first)
	for i := 0; i < 300; i++ {
		require.Equal(t, first, BuildRecord(item)["fingerprint"])
	}
}

func TestBuildRecord_EncryptedPayloadFlag(t *testing.T) {
	record := BuildRecord(map[string]any{
		"id":             "n-1",
		"encryptedValue": "opaque",
	})
	assert.Equal(t, true, record["encrypted_payload"])
}

func TestEnrichRecord(t *testing.T) {
	t.Run("fills empty fields from payload", func(t *testing.T) {
		record := map[string]any{
			"id": "n-1",
			"payload": map[string]any{
				"merchantName":       "Late Merchant",
				"cardholderAmount":   "9.99",
				"cardholderCurrency": "EUR",
				"transUid":           "t-9",
			},
		}
		changed := EnrichRecord(record)
		assert.True(t, changed)
		assert.Equal(t, "Late Merchant", record["merchant"])
		assert.Equal(t, "9.99", record["amount"])
		assert.Equal(t, "EUR", record["currency"])
		assert.Equal(t, "t-9", record["trans_uid"])
		assert.Equal(t, "trans_uid:t-9", record["fingerprint"])
	})

	t.Run("never overwrites populated fields", func(t *testing.T) {
		record := map[string]any{
			"id":          "n-1",
			"merchant":    "Original",
			"fingerprint": "trans_uid:frozen",
			"payload": map[string]any{
				"merchantName": "Replacement",
				"transUid":     "t-new",
			},
		}
		EnrichRecord(record)
		assert.Equal(t, "Original", record["merchant"])
		assert.Equal(t, "trans_uid:frozen", record["fingerprint"])
	})

	t.Run("stringified payload is parsed", func(t *testing.T) {
		record := map[string]any{
			"id":      "n-1",
			"payload": `{"merchantName":"Embedded"}`,
		}
		changed := EnrichRecord(record)
		assert.True(t, changed)
		assert.Equal(t, "Embedded", record["merchant"])
	})

	t.Run("no payload is a no-op", func(t *testing.T) {
		record := map[string]any{"id": "n-1"}
		assert.False(t, EnrichRecord(record))
	})
}
