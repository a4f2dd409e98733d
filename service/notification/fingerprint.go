package notification

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cardwatch/cardwatch/service/store"
)

// Fingerprint computes a stable identity key for a notification record. The
// rules are tried in decreasing order of reliability; the first applicable
// one wins:
//
//  1. trans_uid            -> "trans_uid:<value>"
//  2. sequence id          -> "sequence:<value>"
//  3. card/consent ref     -> "combo:<ref>|<fields...>" composite key
//
// A composite key built from the card reference alone is unreliable and
// yields "" so card-reference-only records are never falsely merged.
func Fingerprint(record store.Record) string {
	if transUID := stringField(record, "trans_uid"); transUID != "" {
		return "trans_uid:" + transUID
	}

	if sequenceID := stringField(record, "notification_sequence_id"); sequenceID != "" {
		return "sequence:" + sequenceID
	}

	cardReference := stringField(record, "card_reference")
	if cardReference == "" {
		cardReference = stringField(record, "consent_id")
	}
	if cardReference == "" {
		return ""
	}

	eventTime := stringField(record, "event_time")
	if eventTime == "" {
		eventTime = stringField(record, "received_at")
	}
	if eventTime == "" {
		eventTime = stringField(record, "created_at")
	}

	parts := []string{
		strings.TrimSpace(cardReference),
		normalizeText(record["reference_number"]),
		normalizeText(record["system_trace_audit_number"]),
		NormalizeAmount(record["amount"]),
		normalizeText(record["currency"]),
		normalizeText(record["merchant"]),
		strings.TrimSpace(eventTime),
		normalizeText(record["message_type"]),
	}

	reliable := false
	for _, part := range parts[1:] {
		if part != "" {
			reliable = true
			break
		}
	}
	if !reliable {
		return ""
	}
	return "combo:" + strings.Join(parts, "|")
}

// EnsureFingerprint returns the record's fingerprint, computing and storing
// it only when absent. A fingerprint already assigned to a record is never
// recomputed or changed.
func EnsureFingerprint(record store.Record) string {
	if existing := stringField(record, "fingerprint"); existing != "" {
		return existing
	}
	fingerprint := Fingerprint(record)
	if fingerprint != "" {
		record["fingerprint"] = fingerprint
	}
	return fingerprint
}

// NormalizeAmount renders an amount as a canonical decimal string with
// trailing zeros and exponents stripped, so "12.340", 12.34 and "1.234E1"
// all compare equal. Unparsable values fall back to the trimmed raw text.
func NormalizeAmount(value any) string {
	text := stringify(value)
	if text == "" {
		return ""
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return strings.TrimSpace(text)
	}
	canonical := d.String()
	if strings.Contains(canonical, ".") {
		canonical = strings.TrimRight(canonical, "0")
		canonical = strings.TrimRight(canonical, ".")
	}
	return canonical
}

// normalizeText upper-cases and trims a free-text field for matching.
func normalizeText(value any) string {
	text := stringify(value)
	if text == "" {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(text))
}

// stringField returns a record field as a trimmed-empty-aware string.
func stringField(record store.Record, key string) string {
	return stringify(record[key])
}

// stringify renders a JSON-decoded scalar as text. Numbers print without a
// trailing ".0" so numeric identifiers survive the float64 round trip.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
