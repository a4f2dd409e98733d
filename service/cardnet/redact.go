package cardnet

import (
	"net/http"
	"strings"
)

const redactionMarker = "[redacted]"

// sensitiveHeaders are never written to logs.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
}

// sensitiveFields are card-data keys that must never appear in logs.
var sensitiveFields = map[string]bool{
	"pan":         true,
	"full_pan":    true,
	"card_number": true,
	"cvc":         true,
	"cvv":         true,
}

// redactHeaders returns a copy of the headers with sensitive values replaced
// by the redaction marker.
func redactHeaders(header http.Header) map[string]string {
	redacted := make(map[string]string, len(header))
	for key, values := range header {
		if sensitiveHeaders[strings.ToLower(key)] {
			redacted[key] = redactionMarker
			continue
		}
		redacted[key] = strings.Join(values, ", ")
	}
	return redacted
}

// redactPayload walks a decoded JSON value and replaces sensitive field
// values with the redaction marker at every nesting level.
func redactPayload(payload any) any {
	switch v := payload.(type) {
	case map[string]any:
		redacted := make(map[string]any, len(v))
		for key, value := range v {
			if sensitiveFields[key] {
				redacted[key] = redactionMarker
				continue
			}
			redacted[key] = redactPayload(value)
		}
		return redacted
	case []any:
		redacted := make([]any, len(v))
		for i, item := range v {
			redacted[i] = redactPayload(item)
		}
		return redacted
	default:
		return payload
	}
}
