// Package notification implements the schema-tolerant extractor,
// fingerprint engine, poller and reconciliation helpers for the card
// network's undelivered-notification feed.
package notification

import (
	"encoding/json"
	"sort"
	"strings"
)

// Candidate key lists per logical field, in priority order. The feed emits
// heterogeneously shaped payloads; the first non-empty match wins.
var (
	cardReferenceKeys = []string{"cardReference", "card_reference"}
	merchantKeys      = []string{"merchantName", "merchant_name", "merchant", "merchantNameLocation"}
	eventTimeKeys     = []string{
		"eventTime",
		"event_time",
		"transactionDate",
		"transactionTime",
		"transactionTimestamp",
		"timestamp",
		"systemDateTime",
		"createdAt",
		"created_at",
	}
	referenceNumberKeys = []string{"referenceNumber", "reference_number"}
	systemTraceKeys     = []string{"systemTraceAuditNumber", "system_trace_audit_number", "stan"}
	transUIDKeys        = []string{"transUid", "trans_uid"}
	sequenceKeys        = []string{"notificationSequenceId", "notification_sequence_id"}
	messageTypeKeys     = []string{"messageType", "message_type"}

	amountKeys = []string{
		"cardholderAmount",
		"cardHolderAmount",
		"cardholder_amount",
		"transactionAmount",
		"transaction_amount",
		"amount",
		"merchantAmount",
		"merchant_amount",
	}
	currencyKeys = []string{
		"cardholderCurrency",
		"cardHolderCurrency",
		"cardholder_currency",
		"transactionCurrency",
		"transaction_currency",
		"currency",
		"merchantCurrency",
		"merchant_currency",
		"currencyCode",
		"currency_code",
	}
)

// sensitiveKeys are stripped from payloads before persistence.
var sensitiveKeys = map[string]bool{
	"pan":         true,
	"full_pan":    true,
	"card_number": true,
	"cvc":         true,
	"cvv":         true,
}

// ExtractItems locates the list of notification items in an arbitrary
// response body. Resolution order: direct list, then the first present of
// the named collection keys, then a JSON-encoded string under "payload".
// Anything else yields an empty list.
func ExtractItems(payload any) []any {
	if list, ok := payload.([]any); ok {
		return list
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"notifications", "notification", "data", "items"} {
		value, present := obj[key]
		if !present {
			continue
		}
		switch v := value.(type) {
		case []any:
			return v
		case map[string]any:
			if nested := ExtractItems(v); len(nested) > 0 {
				return nested
			}
			return []any{v}
		default:
			return []any{v}
		}
	}
	if raw, present := obj["payload"]; present {
		if parsed := maybeParseJSON(raw); parsed != nil {
			if nested := ExtractItems(parsed); len(nested) > 0 {
				return nested
			}
			return []any{parsed}
		}
	}
	return nil
}

// maybeParseJSON parses a string value that looks like embedded JSON.
// Returns nil when the value is not a string or not parseable.
func maybeParseJSON(value any) any {
	text, ok := value.(string)
	if !ok {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" || (!strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[")) {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil
	}
	return parsed
}

// sortedKeys returns the map keys in lexical order. The fallback descent
// must visit siblings in a fixed order; ranging over the map directly would
// make extraction depend on Go's randomized iteration when the same field
// appears in two sibling objects.
func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// isEmpty reports whether an extracted value counts as absent.
func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	return false
}

// extractValue searches depth-first for the first candidate key with a
// non-empty value, transparently descending into embedded JSON strings.
// Search stops at the first match.
func extractValue(payload any, keys []string) any {
	switch v := payload.(type) {
	case map[string]any:
		for _, key := range keys {
			if value, present := v[key]; present && !isEmpty(value) {
				return value
			}
		}
		for _, key := range sortedKeys(v) {
			value := v[key]
			if parsed := maybeParseJSON(value); parsed != nil {
				if found := extractValue(parsed, keys); !isEmpty(found) {
					return found
				}
			}
			if found := extractValue(value, keys); !isEmpty(found) {
				return found
			}
		}
	case []any:
		for _, item := range v {
			if parsed := maybeParseJSON(item); parsed != nil {
				if found := extractValue(parsed, keys); !isEmpty(found) {
					return found
				}
			}
			if found := extractValue(item, keys); !isEmpty(found) {
				return found
			}
		}
	}
	return nil
}

// ExtractCardReference pulls the card reference out of a payload, searching
// nested structures and embedded JSON strings.
func ExtractCardReference(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		for _, key := range cardReferenceKeys {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		for _, key := range sortedKeys(v) {
			value := v[key]
			if parsed := maybeParseJSON(value); parsed != nil {
				if found := ExtractCardReference(parsed); found != "" {
					return found
				}
			}
			if found := ExtractCardReference(value); found != "" {
				return found
			}
		}
	case []any:
		for _, item := range v {
			if parsed := maybeParseJSON(item); parsed != nil {
				if found := ExtractCardReference(parsed); found != "" {
					return found
				}
			}
			if found := ExtractCardReference(item); found != "" {
				return found
			}
		}
	}
	return ""
}

// ExtractAmountCurrency performs the paired amount/currency lookup. When an
// amount candidate resolves to an object, amount and currency are pulled from
// it as a pair; a scalar amount triggers an independent currency search.
func ExtractAmountCurrency(payload any) (amount any, currency any) {
	switch v := payload.(type) {
	case map[string]any:
		for _, key := range amountKeys {
			value, present := v[key]
			if !present {
				continue
			}
			if obj, ok := value.(map[string]any); ok {
				amount = firstPresent(obj, "amount", "value", "amountValue")
				currency = firstPresent(obj, "currency", "currencyCode")
				if !isEmpty(amount) || !isEmpty(currency) {
					return amount, currency
				}
			}
			if !isEmpty(value) && !isContainer(value) {
				return value, extractValue(v, currencyKeys)
			}
		}
		for _, key := range sortedKeys(v) {
			value := v[key]
			if parsed := maybeParseJSON(value); parsed != nil {
				if a, c := ExtractAmountCurrency(parsed); !isEmpty(a) || !isEmpty(c) {
					return a, c
				}
			}
			if a, c := ExtractAmountCurrency(value); !isEmpty(a) || !isEmpty(c) {
				return a, c
			}
		}
	case []any:
		for _, item := range v {
			if parsed := maybeParseJSON(item); parsed != nil {
				if a, c := ExtractAmountCurrency(parsed); !isEmpty(a) || !isEmpty(c) {
					return a, c
				}
			}
			if a, c := ExtractAmountCurrency(item); !isEmpty(a) || !isEmpty(c) {
				return a, c
			}
		}
	}
	return nil, nil
}

func firstPresent(obj map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, present := obj[key]; present && !isEmpty(value) {
			return value
		}
	}
	return nil
}

func isContainer(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// HasEncryptedPayload reports whether any nested object carries an
// encryptedValue or jweEncryptedData key, including inside embedded JSON
// strings.
func HasEncryptedPayload(payload any) bool {
	switch v := payload.(type) {
	case map[string]any:
		if _, present := v["encryptedValue"]; present {
			return true
		}
		if _, present := v["jweEncryptedData"]; present {
			return true
		}
		for _, value := range v {
			if parsed := maybeParseJSON(value); parsed != nil && HasEncryptedPayload(parsed) {
				return true
			}
			if HasEncryptedPayload(value) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if parsed := maybeParseJSON(item); parsed != nil && HasEncryptedPayload(parsed) {
				return true
			}
			if HasEncryptedPayload(item) {
				return true
			}
		}
	}
	return false
}

// StripSensitive returns a copy of the payload with PAN/CVC-equivalent keys
// removed at every nesting level.
func StripSensitive(payload any) any {
	switch v := payload.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(v))
		for key, value := range v {
			if sensitiveKeys[key] {
				continue
			}
			cleaned[key] = StripSensitive(value)
		}
		return cleaned
	case []any:
		cleaned := make([]any, len(v))
		for i, item := range v {
			cleaned[i] = StripSensitive(item)
		}
		return cleaned
	default:
		return payload
	}
}
