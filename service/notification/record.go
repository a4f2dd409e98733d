package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/cardwatch/cardwatch/service/store"
)

// StatusUndelivered is the status every notification record carries; the
// feed only ever returns notifications that were not yet delivered.
const StatusUndelivered = "UNDELIVERED"

// enrichableFields are the fields EnrichRecord and MergeRecords may fill in
// on an existing record when previously empty. Populated fields are never
// overwritten.
var enrichableFields = []string{
	"merchant",
	"amount",
	"currency",
	"event_time",
	"card_reference",
	"encrypted_payload",
	"reference_number",
	"system_trace_audit_number",
	"trans_uid",
	"notification_sequence_id",
	"message_type",
	"fingerprint",
}

// BuildRecord converts one raw notification item into a NotificationRecord.
// All semantically meaningful fields are extracted schema-tolerantly; the
// stored payload is a sanitized copy of the source item.
func BuildRecord(item any) store.Record {
	amount, currency := ExtractAmountCurrency(item)

	record := store.Record{
		"id":                        itemID(item),
		"card_reference":            nilIfEmptyString(ExtractCardReference(item)),
		"merchant":                  extractValue(item, merchantKeys),
		"amount":                    amount,
		"currency":                  currency,
		"event_time":                extractValue(item, eventTimeKeys),
		"reference_number":          extractValue(item, referenceNumberKeys),
		"system_trace_audit_number": extractValue(item, systemTraceKeys),
		"trans_uid":                 extractValue(item, transUIDKeys),
		"notification_sequence_id":  extractValue(item, sequenceKeys),
		"message_type":              extractValue(item, messageTypeKeys),
		"encrypted_payload":         HasEncryptedPayload(item),
		"status":                    StatusUndelivered,
		"received_at":               time.Now().UTC().Format(time.RFC3339),
		"payload":                   StripSensitive(item),
	}
	EnsureFingerprint(record)
	return record
}

// itemID returns the item's own identifier when present, otherwise a fresh
// UUID.
func itemID(item any) string {
	if obj, ok := item.(map[string]any); ok {
		if id, ok := obj["id"].(string); ok && id != "" {
			return id
		}
		if id, ok := obj["notificationId"].(string); ok && id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func nilIfEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EnrichRecord re-extracts fields from a record's stored payload, filling
// only the fields that are still empty. Returns whether anything changed.
// Populated fields, including the fingerprint, are never overwritten.
func EnrichRecord(record store.Record) bool {
	payload, present := record["payload"]
	if !present || payload == nil {
		return false
	}
	if parsed := maybeParseJSON(payload); parsed != nil {
		payload = parsed
	}

	changed := false
	setIfEmpty := func(key string, value any) {
		if isEmpty(record[key]) && !isEmpty(value) {
			record[key] = value
			changed = true
		}
	}

	if isEmpty(record["card_reference"]) {
		if ref := ExtractCardReference(payload); ref != "" {
			record["card_reference"] = ref
			changed = true
		}
	}

	setIfEmpty("merchant", extractValue(payload, merchantKeys))

	if isEmpty(record["amount"]) || isEmpty(record["currency"]) {
		amount, currency := ExtractAmountCurrency(payload)
		setIfEmpty("amount", amount)
		setIfEmpty("currency", currency)
	}

	setIfEmpty("event_time", extractValue(payload, eventTimeKeys))
	setIfEmpty("reference_number", extractValue(payload, referenceNumberKeys))
	setIfEmpty("system_trace_audit_number", extractValue(payload, systemTraceKeys))
	setIfEmpty("trans_uid", extractValue(payload, transUIDKeys))
	setIfEmpty("notification_sequence_id", extractValue(payload, sequenceKeys))
	setIfEmpty("message_type", extractValue(payload, messageTypeKeys))

	if _, present := record["encrypted_payload"]; !present {
		record["encrypted_payload"] = HasEncryptedPayload(payload)
		changed = true
	}

	if stringField(record, "fingerprint") == "" {
		if EnsureFingerprint(record) != "" {
			changed = true
		}
	}

	return changed
}
