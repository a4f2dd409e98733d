// Package consent implements card enrollment against the network's consent
// management API: consent creation, the authentication round-trips, and the
// locally stored enrollment and pending-state records.
package consent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardwatch/cardwatch/service/cardnet"
	"github.com/cardwatch/cardwatch/service/encryption"
	"github.com/cardwatch/cardwatch/service/store"
)

// CardDetails is the cardholder input for enrollment. PAN and CVC exist
// only in flight; they are never written to any record.
type CardDetails struct {
	PAN            string
	ExpiryMonth    int
	ExpiryYear     int
	CVC            string
	CardholderName string
}

// ParseCardDetails validates loose input into CardDetails. Validation is
// deliberately shallow; it protects the storage invariants, not the network.
func ParseCardDetails(payload map[string]any) (CardDetails, error) {
	pan := strings.TrimSpace(stringValue(payload["pan"]))
	cvc := strings.TrimSpace(stringValue(payload["cvc"]))
	name := strings.TrimSpace(stringValue(payload["cardholder_name"]))

	month, err := intValue(payload["expiry_month"])
	if err != nil {
		return CardDetails{}, errors.New("expiry_month must be a number")
	}
	year, err := intValue(payload["expiry_year"])
	if err != nil {
		return CardDetails{}, errors.New("expiry_year must be a number")
	}

	var missing []string
	for key, value := range map[string]string{"pan": pan, "cvc": cvc, "cardholder_name": name} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return CardDetails{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if len(pan) != 16 {
		return CardDetails{}, errors.New("PAN must be 16 digits")
	}
	if len(cvc) != 3 {
		return CardDetails{}, errors.New("CVC must be 3 digits")
	}
	if month < 1 || month > 12 {
		return CardDetails{}, errors.New("expiry_month must be 1-12")
	}
	if year < 2021 {
		return CardDetails{}, errors.New("expiry_year must be a four-digit year")
	}

	return CardDetails{
		PAN:            pan,
		ExpiryMonth:    month,
		ExpiryYear:     year,
		CVC:            cvc,
		CardholderName: name,
	}, nil
}

// CardAlias builds the display alias stored in place of the PAN.
func CardAlias(cardholderName, pan string) string {
	return fmt.Sprintf("%s - %s", cardholderName, pan[len(pan)-4:])
}

// EnrollmentOptions are the optional consent attributes.
type EnrollmentOptions struct {
	ConsentName         string
	ConsentDetails      map[string]string
	LegalDocs           []string
	DeviceChannel       string
	ConsentDurationDays int
}

// EnrollmentResult is the parsed consent-creation response. AuthRequired is
// set when the network parked the consent behind a 3DS round-trip; State is
// the token that resumes it via CompleteAuthentication.
type EnrollmentResult struct {
	Success       bool
	Message       string
	CardReference string
	ConsentID     string
	ConsentStatus string
	AuthStatus    string
	AuthType      string
	AuthParams    map[string]any
	AuthRequired  bool
	State         string
	Raw           map[string]any
}

// pendingAuthStatuses are the consent-creation auth states that defer the
// enrollment until the cardholder completes 3DS.
var pendingAuthStatuses = map[string]bool{
	"AUTH_READY_TO_START":   true,
	"AUTH_IN_PROGRESS":      true,
	"AUTH_FAILED_CAN_RETRY": true,
}

// Sender is the slice of the signed client the service needs.
type Sender interface {
	Send(ctx context.Context, req cardnet.Request) (*cardnet.Response, error)
}

// Service enrolls cards and drives the authentication round-trips.
type Service struct {
	client    Sender
	store     *store.Store
	encryptor encryption.Encryptor
	logger    *slog.Logger
}

// NewService creates the consent service. encryptor may be nil when payload
// encryption is not configured.
func NewService(client Sender, st *store.Store, encryptor encryption.Encryptor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{client: client, store: st, encryptor: encryptor, logger: logger}
}

// buildConsentPayload assembles the consent-creation body.
func buildConsentPayload(card CardDetails, opts EnrollmentOptions) map[string]any {
	details := opts.ConsentDetails
	if details == nil {
		details = map[string]string{}
	}
	payload := map[string]any{
		"consents": []any{
			map[string]any{
				"name":    opts.ConsentName,
				"details": details,
			},
		},
		"cardDetails": map[string]any{
			"pan":            card.PAN,
			"expiryMonth":    card.ExpiryMonth,
			"expiryYear":     card.ExpiryYear,
			"cvc":            card.CVC,
			"cardholderName": card.CardholderName,
		},
	}
	if len(opts.LegalDocs) > 0 {
		payload["legalDocs"] = opts.LegalDocs
	}
	if opts.DeviceChannel != "" {
		payload["deviceChannel"] = opts.DeviceChannel
	}
	if opts.ConsentDurationDays > 0 {
		payload["consentDurationDays"] = opts.ConsentDurationDays
	}
	return payload
}

// Enroll creates a consent for the card, persists the enrollment record and
// returns the parsed result. The request body is encrypted when an
// encryptor is configured; posting is never retried.
func (s *Service) Enroll(ctx context.Context, card CardDetails, opts EnrollmentOptions) (*EnrollmentResult, error) {
	payload, err := s.encryptIfConfigured(buildConsentPayload(card, opts))
	if err != nil {
		return nil, err
	}

	noRetry := false
	resp, err := s.client.Send(ctx, cardnet.Request{
		Method:     "POST",
		Path:       "/consents",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       payload,
		AllowRetry: &noRetry,
	})
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := resp.JSON(&data); err != nil {
		return nil, fmt.Errorf("failed to decode consent response: %w", err)
	}

	result := parseEnrollmentResponse(data)
	if !result.Success {
		return result, nil
	}

	if result.AuthType == "THREEDS" && pendingAuthStatuses[result.AuthStatus] {
		state, err := s.CreatePendingState(PendingAuthentication, store.Record{
			"card_reference": nilIfEmpty(result.CardReference),
			"consent_id":     result.ConsentID,
			"card_alias":     CardAlias(card.CardholderName, card.PAN),
			"pan_last4":      card.PAN[len(card.PAN)-4:],
			"consent_status": nilIfEmpty(result.ConsentStatus),
			"auth_type":      result.AuthType,
			"auth_status":    result.AuthStatus,
			"auth_params":    result.AuthParams,
		})
		if err != nil {
			return nil, err
		}
		result.AuthRequired = true
		result.State = state
		result.Message = "3DS authentication required before the enrollment is stored"
		s.logger.InfoContext(ctx, "enrollment pending authentication",
			"consent_id", result.ConsentID,
			"card_reference", result.CardReference,
			"auth_status", result.AuthStatus,
		)
		return result, nil
	}

	record := BuildEnrollmentRecord(result, card)
	if err := s.appendEnrollment(record); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "card enrolled",
		"consent_id", result.ConsentID,
		"card_reference", result.CardReference,
		"status", result.ConsentStatus,
	)
	return result, nil
}

func parseEnrollmentResponse(data map[string]any) *EnrollmentResult {
	result := &EnrollmentResult{Raw: data}

	if consents, ok := data["consents"].([]any); ok && len(consents) > 0 {
		if consent, ok := consents[0].(map[string]any); ok {
			result.ConsentID = stringValue(consent["id"])
			result.ConsentStatus = stringValue(consent["status"])
		}
	}
	result.CardReference = stringValue(data["cardReference"])

	if auth, ok := data["auth"].(map[string]any); ok {
		result.AuthStatus = stringValue(auth["status"])
		result.AuthType = stringValue(auth["type"])
		if params, ok := auth["params"].(map[string]any); ok {
			result.AuthParams = params
		} else {
			result.AuthParams = map[string]any{}
		}
	}

	if result.ConsentID == "" {
		result.Message = "Consent created but missing consent id in response"
		return result
	}

	status := result.ConsentStatus
	if status == "" {
		status = "UNKNOWN"
	}
	result.Success = true
	result.Message = fmt.Sprintf("Consent created with status %s", status)
	return result
}

// StartAuthentication kicks off the network-side authentication for an
// enrolled card.
func (s *Service) StartAuthentication(ctx context.Context, cardReference, authType string, authParams map[string]any) (map[string]any, error) {
	return s.postAuth(ctx, fmt.Sprintf("/consents/%s/start-authentication", cardReference), authType, authParams)
}

// VerifyAuthentication completes the network-side authentication.
func (s *Service) VerifyAuthentication(ctx context.Context, cardReference, authType string, authParams map[string]any) (map[string]any, error) {
	return s.postAuth(ctx, fmt.Sprintf("/consents/%s/verify-authentication", cardReference), authType, authParams)
}

func (s *Service) postAuth(ctx context.Context, path, authType string, authParams map[string]any) (map[string]any, error) {
	if authParams == nil {
		authParams = map[string]any{}
	}
	payload, err := s.encryptIfConfigured(map[string]any{
		"auth": map[string]any{"type": authType, "params": authParams},
	})
	if err != nil {
		return nil, err
	}

	noRetry := false
	resp, err := s.client.Send(ctx, cardnet.Request{
		Method:     "POST",
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       payload,
		AllowRetry: &noRetry,
	})
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := resp.JSON(&data); err != nil {
		return nil, fmt.Errorf("failed to decode authentication response: %w", err)
	}
	return data, nil
}

func (s *Service) encryptIfConfigured(payload map[string]any) (map[string]any, error) {
	if s.encryptor == nil {
		return payload, nil
	}
	encrypted, err := s.encryptor.EncryptPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return encrypted, nil
}

// BuildEnrollmentRecord converts an enrollment result into the stored
// record. Only the alias and last four digits of the PAN survive.
func BuildEnrollmentRecord(result *EnrollmentResult, card CardDetails) store.Record {
	return store.Record{
		"id":             result.ConsentID,
		"consent_id":     result.ConsentID,
		"card_reference": nilIfEmpty(result.CardReference),
		"card_alias":     CardAlias(card.CardholderName, card.PAN),
		"pan_last4":      card.PAN[len(card.PAN)-4:],
		"status":         nilIfEmpty(result.ConsentStatus),
		"auth_status":    nilIfEmpty(result.AuthStatus),
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *Service) appendEnrollment(record store.Record) error {
	enrollments, err := s.store.Load(store.KindEnrollments)
	if err != nil {
		return err
	}
	enrollments = append(enrollments, record)
	return s.store.Save(store.KindEnrollments, enrollments)
}

// PendingState kinds map onto the two ephemeral correlation stores.
const (
	PendingEnrollment     = store.KindPendingEnrollments
	PendingAuthentication = store.KindPendingAuthentications
)

// CreatePendingState records an ephemeral correlation entry keyed by an
// opaque random state token and returns the token.
func (s *Service) CreatePendingState(kind store.Kind, fields store.Record) (string, error) {
	state := strings.ReplaceAll(uuid.NewString(), "-", "")
	record := store.Record{
		"state":      state,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for key, value := range fields {
		record[key] = value
	}

	pending, err := s.store.Load(kind)
	if err != nil {
		return "", err
	}
	pending = append(pending, record)
	if err := s.store.Save(kind, pending); err != nil {
		return "", err
	}
	return state, nil
}

// ResolvePendingState removes and returns the pending entry for a state
// token. A missing token returns nil without error; stale tokens are
// harmless.
func (s *Service) ResolvePendingState(kind store.Kind, state string) (store.Record, error) {
	pending, err := s.store.Load(kind)
	if err != nil {
		return nil, err
	}

	var resolved store.Record
	remaining := make([]store.Record, 0, len(pending))
	for _, record := range pending {
		if resolved == nil && stringValue(record["state"]) == state {
			resolved = record
			continue
		}
		remaining = append(remaining, record)
	}
	if resolved == nil {
		return nil, nil
	}

	if err := s.store.Save(kind, remaining); err != nil {
		return nil, err
	}
	return resolved, nil
}

// AuthenticationOutcome is the result of completing a pending 3DS
// authentication.
type AuthenticationOutcome struct {
	Verified      bool
	Message       string
	AuthStatus    string
	ConsentStatus string
	CardReference string
	ConsentID     string
	Raw           map[string]any
}

// CompleteAuthentication verifies the pending 3DS authentication identified
// by the state token and, on success, persists the enrollment the pending
// entry was holding. A failed verification leaves the pending entry in place
// so the same token can be retried.
func (s *Service) CompleteAuthentication(ctx context.Context, state string, authParams map[string]any) (*AuthenticationOutcome, error) {
	pending, err := s.findPendingState(PendingAuthentication, state)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("unknown authentication state %q", state)
	}

	cardReference := stringValue(pending["card_reference"])
	authType := stringValue(pending["auth_type"])
	if authType == "" {
		authType = "THREEDS"
	}

	data, err := s.VerifyAuthentication(ctx, cardReference, authType, authParams)
	if err != nil {
		return nil, err
	}

	outcome := &AuthenticationOutcome{
		CardReference: cardReference,
		ConsentID:     stringValue(pending["consent_id"]),
		ConsentStatus: "APPROVED",
		Raw:           data,
	}
	if auth, ok := data["auth"].(map[string]any); ok {
		outcome.AuthStatus = stringValue(auth["status"])
	}
	if consents, ok := data["consents"].([]any); ok && len(consents) > 0 {
		if consent, ok := consents[0].(map[string]any); ok {
			if status := stringValue(consent["status"]); status != "" {
				outcome.ConsentStatus = status
			}
		}
	}

	if outcome.AuthStatus != "AUTHENTICATED" {
		outcome.Message = fmt.Sprintf("Authentication failed (status=%s)", outcome.AuthStatus)
		return outcome, nil
	}

	alias := stringValue(pending["card_alias"])
	if alias == "" {
		alias = cardReference
	}
	record := store.Record{
		"id":             pending["consent_id"],
		"consent_id":     pending["consent_id"],
		"card_reference": pending["card_reference"],
		"card_alias":     alias,
		"pan_last4":      pending["pan_last4"],
		"status":         outcome.ConsentStatus,
		"auth_status":    outcome.AuthStatus,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.appendEnrollment(record); err != nil {
		return nil, err
	}
	if _, err := s.ResolvePendingState(PendingAuthentication, state); err != nil {
		return nil, err
	}

	outcome.Verified = true
	outcome.Message = "Authentication verified. Consent approved."
	s.logger.InfoContext(ctx, "authentication completed",
		"consent_id", outcome.ConsentID,
		"card_reference", cardReference,
	)
	return outcome, nil
}

// findPendingState returns the pending entry for a state token without
// removing it. Missing tokens return nil.
func (s *Service) findPendingState(kind store.Kind, state string) (store.Record, error) {
	pending, err := s.store.Load(kind)
	if err != nil {
		return nil, err
	}
	for _, record := range pending {
		if stringValue(record["state"]) == state {
			return record, nil
		}
	}
	return nil, nil
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func intValue(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %v", value)
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
