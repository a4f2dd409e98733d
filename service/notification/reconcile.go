package notification

import (
	"strings"

	"github.com/cardwatch/cardwatch/service/store"
)

// matchKey is the fallback composite identity used when neither a reference
// number nor a system trace audit number lines up: card reference plus the
// canonical amount, currency and merchant.
type matchKey struct {
	cardReference string
	amount        string
	currency      string
	merchant      string
}

func recordMatchKey(record store.Record) (matchKey, bool) {
	cardReference := stringField(record, "card_reference")
	if cardReference == "" {
		cardReference = stringField(record, "consent_id")
	}
	amount := NormalizeAmount(record["amount"])
	currency := normalizeText(record["currency"])
	merchant := normalizeText(record["merchant"])
	if cardReference == "" || amount == "" || currency == "" || merchant == "" {
		return matchKey{}, false
	}
	return matchKey{
		cardReference: strings.TrimSpace(cardReference),
		amount:        amount,
		currency:      currency,
		merchant:      merchant,
	}, true
}

// FilterByTransactions correlates stored notifications with locally posted
// transactions by reference number, system trace audit number, or the
// fallback composite key, in that priority order. When the transactions
// carry no usable identifiers, all notifications pass through unfiltered;
// the second return value reports whether filtering was applied.
func FilterByTransactions(notifications, transactions []store.Record) ([]store.Record, bool) {
	if len(transactions) == 0 {
		return notifications, false
	}

	referenceNumbers := make(map[string]bool)
	stanNumbers := make(map[string]bool)
	fallbackKeys := make(map[matchKey]bool)
	for _, txn := range transactions {
		if ref := strings.TrimSpace(stringify(txn["reference_number"])); ref != "" {
			referenceNumbers[ref] = true
		}
		if stan := strings.TrimSpace(stringify(txn["system_trace_audit_number"])); stan != "" {
			stanNumbers[stan] = true
		}
		if key, ok := recordMatchKey(txn); ok {
			fallbackKeys[key] = true
		}
	}

	if len(referenceNumbers) == 0 && len(stanNumbers) == 0 && len(fallbackKeys) == 0 {
		return notifications, false
	}

	filtered := make([]store.Record, 0, len(notifications))
	for _, note := range notifications {
		if ref := strings.TrimSpace(stringify(note["reference_number"])); ref != "" && referenceNumbers[ref] {
			filtered = append(filtered, note)
			continue
		}
		if stan := strings.TrimSpace(stringify(note["system_trace_audit_number"])); stan != "" && stanNumbers[stan] {
			filtered = append(filtered, note)
			continue
		}
		if key, ok := recordMatchKey(note); ok && fallbackKeys[key] {
			filtered = append(filtered, note)
		}
	}
	return filtered, true
}

// DedupeByFingerprint drops notifications whose fingerprint (or id, when no
// fingerprint could be computed) was already seen. Records with no identity
// at all are kept as-is.
func DedupeByFingerprint(notifications []store.Record) ([]store.Record, bool) {
	deduped := make([]store.Record, 0, len(notifications))
	seen := make(map[string]bool, len(notifications))
	changed := false
	for _, note := range notifications {
		key := stringField(note, "fingerprint")
		if key == "" {
			key = Fingerprint(note)
		}
		if key == "" {
			key = stringField(note, "id")
		}
		if key == "" {
			deduped = append(deduped, note)
			continue
		}
		if seen[key] {
			changed = true
			continue
		}
		seen[key] = true
		deduped = append(deduped, note)
	}
	return deduped, changed
}
