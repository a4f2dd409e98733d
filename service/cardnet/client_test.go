package cardnet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSigner stamps a fixed header so tests can verify signing happened
// without real key material.
type stubSigner struct {
	err   error
	calls atomic.Int32
}

func (s *stubSigner) Sign(req *http.Request) error {
	s.calls.Add(1)
	if s.err != nil {
		return s.err
	}
	req.Header.Set("Authorization", "OAuth test")
	return nil
}

func newTestClient(t *testing.T, baseURL string) (*Client, *stubSigner) {
	t.Helper()
	signer := &stubSigner{}
	client, err := NewClient(Config{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}, signer, nil, nil)
	require.NoError(t, err)
	return client, signer
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, &stubSigner{}, nil, nil)
	assert.Error(t, err, "missing base URL should fail")

	_, err = NewClient(Config{BaseURL: "https://example.com"}, nil, nil, nil)
	assert.Error(t, err, "missing signer should fail")
}

func TestSend_RetriesServerErrorsOnGet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, signer := newTestClient(t, srv.URL)
	resp, err := client.Send(context.Background(), Request{Method: "GET", Path: "/feed"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load(), "two server errors then success")
	assert.Equal(t, int32(3), signer.calls.Load(), "every attempt is signed fresh")
}

func TestSend_ClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Correlation-Id", "corr-123")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ReasonCode":"INVALID_REQUEST","Description":"Bad field"}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Send(context.Background(), Request{Method: "GET", Path: "/feed"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", apiErr.ReasonCode)
	assert.Equal(t, "Bad field", apiErr.Description)
	assert.Equal(t, "corr-123", apiErr.CorrelationID)
	assert.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
}

func TestSend_PostNotRetriedByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Send(context.Background(), Request{
		Method: "POST",
		Path:   "/notifications/transactions",
		Body:   map[string]any{"amount": "1.00"},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "unsafe methods default to a single attempt")
}

func TestSend_AllowRetryOverride(t *testing.T) {
	t.Run("forces retries on POST", func(t *testing.T) {
		var hits atomic.Int32
		var lastBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastBody, _ = io.ReadAll(r.Body)
			if hits.Add(1) < 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		allow := true
		client, _ := newTestClient(t, srv.URL)
		_, err := client.Send(context.Background(), Request{
			Method:     "POST",
			Path:       "/x",
			Body:       map[string]any{"k": "v"},
			AllowRetry: &allow,
		})
		require.NoError(t, err)
		assert.Equal(t, int32(2), hits.Load())
		assert.JSONEq(t, `{"k":"v"}`, string(lastBody), "retry resends the full body")
	})

	t.Run("disables retries on GET", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		deny := false
		client, _ := newTestClient(t, srv.URL)
		_, err := client.Send(context.Background(), Request{Method: "GET", Path: "/x", AllowRetry: &deny})
		require.Error(t, err)
		assert.Equal(t, int32(1), hits.Load())
	})
}

func TestSend_TransportErrorRetriedThenSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // every attempt fails at the dial

	client, signer := newTestClient(t, srv.URL)
	_, err := client.Send(context.Background(), Request{Method: "GET", Path: "/x"})
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "transport failures are not APIErrors")
	assert.Equal(t, int32(3), signer.calls.Load(), "all attempts consumed")
}

func TestSend_QueryAndHeaders(t *testing.T) {
	var gotQuery, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	q := map[string][]string{"after": {"1700000000"}}
	resp, err := client.Send(context.Background(), Request{
		Method:  "GET",
		Path:    "/notifications/undelivered-notifications",
		Headers: map[string]string{"Content-Type": "application/json"},
		Query:   q,
	})
	require.NoError(t, err)

	assert.Equal(t, "after=1700000000", gotQuery)
	assert.Equal(t, "application/json", gotContentType)

	var items []any
	require.NoError(t, resp.JSON(&items))
	assert.Empty(t, items)
}

func TestSend_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	signer := &stubSigner{}
	client, err := NewClient(Config{
		BaseURL:    srv.URL,
		MaxRetries: 3,
		Backoff:    time.Hour, // forces the cancel path
		MaxBackoff: time.Hour,
	}, signer, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Send(ctx, Request{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponse_CorrelationID(t *testing.T) {
	t.Run("primary header", func(t *testing.T) {
		resp := &Response{Header: http.Header{"Correlation-Id": {"abc"}}}
		assert.Equal(t, "abc", resp.CorrelationID())
	})
	t.Run("fallback header", func(t *testing.T) {
		resp := &Response{Header: http.Header{"X-Correlation-Id": {"def"}}}
		assert.Equal(t, "def", resp.CorrelationID())
	})
	t.Run("absent", func(t *testing.T) {
		resp := &Response{Header: http.Header{}}
		assert.Empty(t, resp.CorrelationID())
	})
}

func TestRetryDelay_CappedAtMaxBackoff(t *testing.T) {
	client, _ := newTestClient(t, "https://example.com")
	for attempt := 1; attempt <= 10; attempt++ {
		delay := client.retryDelay(attempt)
		assert.LessOrEqual(t, delay, client.cfg.MaxBackoff+client.cfg.MaxBackoff/2,
			"delay plus jitter stays within 1.5x the cap")
		assert.Greater(t, delay, time.Duration(0))
	}
}

func TestBuildAPIError(t *testing.T) {
	header := http.Header{"Correlation-Id": {"xyz"}}

	t.Run("camelCase keys", func(t *testing.T) {
		apiErr := buildAPIError(&http.Response{StatusCode: 401, Header: header},
			[]byte(`{"reasonCode":"AUTH","description":"nope"}`))
		assert.Equal(t, "AUTH", apiErr.ReasonCode)
		assert.Equal(t, "nope", apiErr.Description)
		assert.Equal(t, "xyz", apiErr.CorrelationID)
	})

	t.Run("non-JSON body becomes truncated description", func(t *testing.T) {
		long := make([]byte, maxErrorBodyLen+100)
		for i := range long {
			long[i] = 'x'
		}
		apiErr := buildAPIError(&http.Response{StatusCode: 500, Header: http.Header{}}, long)
		assert.Len(t, apiErr.Description, maxErrorBodyLen)
		assert.Empty(t, apiErr.ReasonCode)
	})

	t.Run("JSON without known keys keeps raw body", func(t *testing.T) {
		body := []byte(`{"error":"something else"}`)
		apiErr := buildAPIError(&http.Response{StatusCode: 422, Header: http.Header{}}, body)
		assert.Equal(t, string(body), apiErr.Description)
	})
}

func TestAPIError_ErrorString(t *testing.T) {
	err := &APIError{StatusCode: 400, ReasonCode: "INVALID", CorrelationID: "c1"}
	msg := err.Error()
	assert.Contains(t, msg, "400")
	assert.Contains(t, msg, "INVALID")
	assert.Contains(t, msg, "c1")
}

func TestRedactPayload(t *testing.T) {
	payload := map[string]any{
		"pan":      "5123456789012345",
		"merchant": "Coffee",
		"nested":   map[string]any{"cvc": "123", "ok": "yes"},
		"list":     []any{map[string]any{"card_number": "x"}},
	}
	redacted := redactPayload(payload).(map[string]any)

	assert.Equal(t, redactionMarker, redacted["pan"])
	assert.Equal(t, "Coffee", redacted["merchant"])
	assert.Equal(t, redactionMarker, redacted["nested"].(map[string]any)["cvc"])
	assert.Equal(t, "yes", redacted["nested"].(map[string]any)["ok"])
	assert.Equal(t, redactionMarker, redacted["list"].([]any)[0].(map[string]any)["card_number"])

	// the input must not be mutated
	assert.Equal(t, "5123456789012345", payload["pan"])
}

func TestRedactHeaders(t *testing.T) {
	header := http.Header{
		"Authorization": {"OAuth secret"},
		"Content-Type":  {"application/json"},
	}
	redacted := redactHeaders(header)
	assert.Equal(t, redactionMarker, redacted["Authorization"])
	assert.Equal(t, "application/json", redacted["Content-Type"])
}

func TestResponseJSON_EmptyBody(t *testing.T) {
	resp := &Response{}
	var v any
	assert.Error(t, resp.JSON(&v))
}

func TestBuildURL(t *testing.T) {
	client, _ := newTestClient(t, "https://api.example.com/openapis/")
	u, err := client.buildURL("/consents", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/openapis/consents", u)
}

func TestShouldRetry(t *testing.T) {
	retryable, reason := shouldRetry(nil, errors.New("dial tcp: refused"))
	assert.True(t, retryable)
	assert.Equal(t, "transport_error", reason)

	retryable, reason = shouldRetry(&Response{StatusCode: 503}, nil)
	assert.True(t, retryable)
	assert.Equal(t, "server_error", reason)

	retryable, _ = shouldRetry(&Response{StatusCode: 404}, nil)
	assert.False(t, retryable)

	retryable, _ = shouldRetry(&Response{StatusCode: 200}, nil)
	assert.False(t, retryable)
}

func TestSend_InvalidBodyRejected(t *testing.T) {
	client, _ := newTestClient(t, "https://example.com")
	_, err := client.Send(context.Background(), Request{
		Method: "POST",
		Path:   "/x",
		Body:   map[string]any{"bad": json.RawMessage(`{`)},
	})
	assert.Error(t, err)
}
