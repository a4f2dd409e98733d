// Package transaction posts test transactions to the card network and
// records the outcome. A failed post still produces a persisted FAILED
// record carrying the error detail; transactions are never silently dropped.
package transaction

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardwatch/cardwatch/service/cardnet"
	"github.com/cardwatch/cardwatch/service/store"
)

const postPath = "/notifications/transactions"

// Transaction record statuses.
const (
	StatusPosted = "POSTED"
	StatusFailed = "FAILED"
)

// Input is a validated transaction to post.
type Input struct {
	CardReference string
	Amount        decimal.Decimal
	Currency      string
	MerchantName  string
}

// Identifiers are the network-side matching numbers attached to a posted
// transaction so the resulting notification can be correlated back.
type Identifiers struct {
	ReferenceNumber        string
	SystemTraceAuditNumber string
}

// GenerateIdentifiers returns a random 9-digit reference number and 6-digit
// system trace audit number.
func GenerateIdentifiers() (Identifiers, error) {
	ref, err := randomNumeric(9)
	if err != nil {
		return Identifiers{}, err
	}
	stan, err := randomNumeric(6)
	if err != nil {
		return Identifiers{}, err
	}
	return Identifiers{ReferenceNumber: ref, SystemTraceAuditNumber: stan}, nil
}

func randomNumeric(length int) (string, error) {
	var sb strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate identifier: %w", err)
		}
		sb.WriteString(n.String())
	}
	return sb.String(), nil
}

// ParseInput validates a loose payload into an Input. The card reference
// falls back to a consent id and the merchant accepts both key spellings,
// matching what the console and API callers send.
func ParseInput(payload map[string]any) (Input, error) {
	cardReference := stringOr(payload, "card_reference", "consent_id")
	if cardReference == "" {
		return Input{}, errors.New("missing card reference")
	}

	merchant := stringOr(payload, "merchant", "merchant_name")
	if merchant == "" {
		return Input{}, errors.New("missing merchant name")
	}

	amountRaw := payload["amount"]
	if amountRaw == nil || amountRaw == "" {
		return Input{}, errors.New("missing amount")
	}
	amount, err := decimal.NewFromString(fmt.Sprintf("%v", amountRaw))
	if err != nil {
		return Input{}, errors.New("invalid amount")
	}
	if !amount.IsPositive() {
		return Input{}, errors.New("amount must be greater than zero")
	}

	currency := strings.ToUpper(strings.TrimSpace(stringOr(payload, "currency", "cardholder_currency")))
	if len(currency) != 3 || !isAlpha(currency) {
		return Input{}, errors.New("currency must be a 3-letter code")
	}

	return Input{
		CardReference: strings.TrimSpace(cardReference),
		Amount:        amount,
		Currency:      currency,
		MerchantName:  strings.TrimSpace(merchant),
	}, nil
}

func stringOr(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// BuildPayload builds the wire payload for the transactions endpoint.
func BuildPayload(input Input, ids Identifiers) map[string]any {
	payload := map[string]any{
		"cardReference":      input.CardReference,
		"cardholderAmount":   input.Amount.InexactFloat64(),
		"cardholderCurrency": input.Currency,
		"merchantName":       input.MerchantName,
	}
	if ids.ReferenceNumber != "" {
		payload["referenceNumber"] = ids.ReferenceNumber
	}
	if ids.SystemTraceAuditNumber != "" {
		payload["systemTraceAuditNumber"] = ids.SystemTraceAuditNumber
	}
	return payload
}

// Result is the outcome of posting a transaction. Record is always set and
// always persisted, whether the post succeeded or not.
type Result struct {
	Success       bool
	Message       string
	CorrelationID string
	Record        store.Record
}

// Sender is the slice of the signed client the service needs.
type Sender interface {
	Send(ctx context.Context, req cardnet.Request) (*cardnet.Response, error)
}

// Service posts transactions and persists the outcome records.
type Service struct {
	client Sender
	store  *store.Store
	logger *slog.Logger
}

// NewService creates the transaction service.
func NewService(client Sender, st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{client: client, store: st, logger: logger}
}

// Post sends the transaction to the network with retries disabled (a blind
// replay could post the transaction twice) and persists a POSTED or FAILED
// record. The returned error is non-nil only for storage failures; an API
// error is reported through the FAILED record and Result.Success.
func (s *Service) Post(ctx context.Context, input Input) (*Result, error) {
	ids, err := GenerateIdentifiers()
	if err != nil {
		return nil, err
	}

	consentID, cardAlias := s.lookupEnrollment(input.CardReference)

	noRetry := false
	resp, err := s.client.Send(ctx, cardnet.Request{
		Method:     "POST",
		Path:       postPath,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       BuildPayload(input, ids),
		AllowRetry: &noRetry,
	})

	result := &Result{}
	if err != nil {
		var apiErr *cardnet.APIError
		detail := err.Error()
		if errors.As(err, &apiErr) {
			result.CorrelationID = apiErr.CorrelationID
			detail = fmt.Sprintf("%s: %s", apiErr.ReasonCode, apiErr.Description)
			result.Message = fmt.Sprintf("Transaction failed (%s)", firstNonEmpty(apiErr.ReasonCode, fmt.Sprintf("%d", apiErr.StatusCode)))
		} else {
			result.Message = "Transaction failed"
		}
		result.Record = buildRecord(input, StatusFailed, result.CorrelationID, consentID, cardAlias, detail, ids)
		s.logger.WarnContext(ctx, "transaction post failed",
			"card_reference", input.CardReference,
			"correlation_id", result.CorrelationID,
			"error", err,
		)
	} else {
		result.Success = true
		result.Message = "Transaction posted"
		result.CorrelationID = resp.CorrelationID()
		result.Record = buildRecord(input, StatusPosted, result.CorrelationID, consentID, cardAlias, "", ids)
		s.logger.InfoContext(ctx, "transaction posted",
			"card_reference", input.CardReference,
			"correlation_id", result.CorrelationID,
			"reference_number", ids.ReferenceNumber,
		)
	}

	transactions, err := s.store.Load(store.KindTransactions)
	if err != nil {
		return nil, err
	}
	transactions = append(transactions, result.Record)
	if err := s.store.Save(store.KindTransactions, transactions); err != nil {
		return nil, err
	}

	return result, nil
}

// lookupEnrollment attaches consent id and card alias from a stored
// enrollment matching the card reference, when one exists.
func (s *Service) lookupEnrollment(cardReference string) (consentID, cardAlias string) {
	enrollments, err := s.store.Load(store.KindEnrollments)
	if err != nil {
		s.logger.Warn("failed to load enrollments for transaction", "error", err)
		return "", ""
	}
	for _, enrollment := range enrollments {
		if ref, _ := enrollment["card_reference"].(string); ref == cardReference {
			consentID, _ = enrollment["consent_id"].(string)
			cardAlias, _ = enrollment["card_alias"].(string)
			return consentID, cardAlias
		}
	}
	return "", ""
}

func buildRecord(input Input, status, correlationID, consentID, cardAlias, errDetail string, ids Identifiers) store.Record {
	record := store.Record{
		"id":             uuid.NewString(),
		"consent_id":     nilIfEmpty(consentID),
		"card_reference": input.CardReference,
		"card_alias":     nilIfEmpty(cardAlias),
		"amount":         input.Amount.String(),
		"currency":       input.Currency,
		"merchant":       input.MerchantName,
		"status":         status,
		"posted_at":      time.Now().UTC().Format(time.RFC3339),
		"correlation_id": nilIfEmpty(correlationID),
		"error":          nilIfEmpty(errDetail),
		"source":         "cli",
	}
	if ids.ReferenceNumber != "" && status == StatusPosted {
		record["reference_number"] = ids.ReferenceNumber
		record["system_trace_audit_number"] = ids.SystemTraceAuditNumber
	} else if status == StatusFailed {
		record["reference_number"] = nil
		record["system_trace_audit_number"] = nil
	}
	return record
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
