package cardnet

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxErrorBodyLen bounds how much of a non-JSON error body is kept as the
// description.
const maxErrorBodyLen = 2000

// APIError is the structured error returned for any card network response
// with status >= 400. It carries enough to render a user-facing message and
// to correlate with the provider's logs.
type APIError struct {
	StatusCode    int    `json:"status_code"`
	ReasonCode    string `json:"reason_code,omitempty"`
	Description   string `json:"description,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cardnet API error (status=%d, reason=%s, correlation_id=%s)",
		e.StatusCode, e.ReasonCode, e.CorrelationID)
}

// errorBody matches the provider's error payload. Both exact and camelCase
// key spellings appear in the wild.
type errorBody struct {
	ReasonCode       string `json:"ReasonCode"`
	ReasonCodeCamel  string `json:"reasonCode"`
	Description      string `json:"Description"`
	DescriptionCamel string `json:"description"`
}

// buildAPIError maps an error response to an APIError. It attempts to parse
// the body as JSON for reason code and description, falling back to the raw
// body text truncated to maxErrorBodyLen.
func buildAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode:    resp.StatusCode,
		CorrelationID: correlationID(resp.Header),
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.ReasonCode = firstNonEmpty(parsed.ReasonCode, parsed.ReasonCodeCamel)
		apiErr.Description = firstNonEmpty(parsed.Description, parsed.DescriptionCamel)
		if apiErr.Description == "" && len(body) > 0 {
			apiErr.Description = truncate(string(body), maxErrorBodyLen)
		}
		return apiErr
	}

	if len(body) > 0 {
		apiErr.Description = truncate(string(body), maxErrorBodyLen)
	}
	return apiErr
}

// correlationID returns the provider correlation identifier from the
// response headers, if present.
func correlationID(header http.Header) string {
	if v := header.Get("Correlation-Id"); v != "" {
		return v
	}
	return header.Get("X-Correlation-ID")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
