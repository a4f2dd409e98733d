// Package store persists ordered lists of records as JSON array files with
// atomic write semantics. Writes are all-or-nothing: a temp file in the same
// directory is flushed, fsynced and renamed over the destination, so no
// partial or corrupt file is ever observable by a concurrent reader.
//
// The store assumes at most one writer process per file. Atomic rename
// prevents partial-file corruption but does not provide cross-process mutual
// exclusion; concurrent writers can still race to overwrite each other's
// last write.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/cardwatch/cardwatch/service/metrics"
)

// Record is a schema-tolerant stored record. The feed's payload shapes vary
// too much for fixed structs; invariants are enforced on write instead.
type Record = map[string]any

// Kind identifies one persisted record collection.
type Kind string

const (
	KindEnrollments            Kind = "enrollments"
	KindTransactions           Kind = "transactions"
	KindNotifications          Kind = "notifications"
	KindPendingEnrollments     Kind = "pending_enrollments"
	KindPendingAuthentications Kind = "pending_authentications"
)

var kindFiles = map[Kind]string{
	KindEnrollments:            "enrollments.json",
	KindTransactions:           "transactions.json",
	KindNotifications:          "notifications.json",
	KindPendingEnrollments:     "pending_enrollments.json",
	KindPendingAuthentications: "pending_authentications.json",
}

// forbiddenKeys are sensitive card-data fields that must never reach disk.
var forbiddenKeys = map[string]bool{
	"pan":         true,
	"full_pan":    true,
	"card_number": true,
	"cvc":         true,
	"cvv":         true,
}

// Store reads and writes record files under a single data directory.
type Store struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a record store rooted at dir. If logger is nil, logging
// is discarded. If m is nil, no metrics are recorded.
func NewStore(dir string, logger *slog.Logger, m *metrics.Metrics) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Store{dir: dir, logger: logger, metrics: m}, nil
}

// Load reads the record list for a kind. A missing file is an empty list.
// Enrollments are deduplicated on load.
func (s *Store) Load(kind Kind) ([]Record, error) {
	records, err := s.load(kind)
	s.metrics.RecordStoreOperation(string(kind), "load", err)
	if err != nil {
		return nil, err
	}
	if kind == KindEnrollments {
		records = DedupeEnrollments(records)
	}
	return records, nil
}

func (s *Store) load(kind Kind) ([]Record, error) {
	path, err := s.path(kind)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("stored data in %s is not a list of records: %w", path, err)
	}
	return records, nil
}

// Save atomically writes the record list for a kind. The whole write fails
// if any element is not an object or carries a forbidden sensitive key at
// any nesting level; the previously persisted file is left unchanged.
// Enrollments are deduplicated before writing.
func (s *Store) Save(kind Kind, records []Record) error {
	err := s.save(kind, records)
	s.metrics.RecordStoreOperation(string(kind), "save", err)
	return err
}

func (s *Store) save(kind Kind, records []Record) error {
	path, err := s.path(kind)
	if err != nil {
		return err
	}

	if kind == KindEnrollments {
		records = DedupeEnrollments(records)
	}

	if err := validateRecords(records); err != nil {
		return err
	}

	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	data = append(escapeNonASCII(data), '\n')

	if err := atomicWrite(path, data); err != nil {
		return err
	}

	s.logger.Debug("saved records", "kind", kind, "count", len(records), "path", path)
	return nil
}

// Path returns the on-disk file for a kind. Exposed for tests and tooling.
func (s *Store) Path(kind Kind) (string, error) {
	return s.path(kind)
}

func (s *Store) path(kind Kind) (string, error) {
	filename, ok := kindFiles[kind]
	if !ok {
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
	return filepath.Join(s.dir, filename), nil
}

// validateRecords enforces the storage invariants: every element must be an
// object and no object may carry a sensitive card-data key.
func validateRecords(records []Record) error {
	for i, record := range records {
		if record == nil {
			return fmt.Errorf("record %d is not an object", i)
		}
		if err := validateValue(record); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

func validateValue(value any) error {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if forbiddenKeys[key] {
				return fmt.Errorf("sensitive field not allowed in storage: %s", key)
			}
			if err := validateValue(nested); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := validateValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// atomicWrite serializes to a temp file in the destination directory, forces
// it to stable storage, then renames it over the destination. The temp file
// is removed on any failure before the rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// escapeNonASCII rewrites non-ASCII runes as \uXXXX escapes so the persisted
// files are ASCII-safe regardless of locale tooling. JSON only permits
// non-ASCII bytes inside strings, so escaping is shape-preserving.
func escapeNonASCII(data []byte) []byte {
	ascii := true
	for _, b := range data {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return data
	}

	var sb strings.Builder
	sb.Grow(len(data))
	for _, r := range string(data) {
		if r < 0x80 {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return []byte(sb.String())
}

// DedupeEnrollments merges enrollment records that describe the same card.
// Identity priority: card_reference, then pan_last4 with an agreeing alias,
// then consent_id/id. On conflict the record with the newer created_at wins
// a shallow field-level merge; the incoming record wins ties.
func DedupeEnrollments(records []Record) []Record {
	if len(records) == 0 {
		return records
	}
	deduped := make([]Record, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		idx := findEnrollmentIndex(deduped, record)
		if idx < 0 {
			deduped = append(deduped, record)
			continue
		}
		existing := deduped[idx]
		if parseCreatedAt(record["created_at"]) >= parseCreatedAt(existing["created_at"]) {
			merged := make(Record, len(existing)+len(record))
			for k, v := range existing {
				merged[k] = v
			}
			for k, v := range record {
				merged[k] = v
			}
			deduped[idx] = merged
		}
	}
	return deduped
}

// findEnrollmentIndex locates an existing record matching the given one by
// the identity priority rules, or -1.
func findEnrollmentIndex(records []Record, record Record) int {
	if ref := stringValue(record["card_reference"]); ref != "" {
		for idx, existing := range records {
			if stringValue(existing["card_reference"]) == ref {
				return idx
			}
		}
	}

	if last4 := stringValue(record["pan_last4"]); last4 != "" {
		alias := stringValue(record["card_alias"])
		for idx, existing := range records {
			if stringValue(existing["pan_last4"]) != last4 {
				continue
			}
			existingAlias := stringValue(existing["card_alias"])
			if alias != "" && existingAlias != "" && alias != existingAlias {
				continue
			}
			return idx
		}
	}

	consent := stringValue(record["consent_id"])
	if consent == "" {
		consent = stringValue(record["id"])
	}
	if consent != "" {
		for idx, existing := range records {
			if stringValue(existing["consent_id"]) == consent || stringValue(existing["id"]) == consent {
				return idx
			}
		}
	}
	return -1
}

// createdAtLayouts are the timestamp formats accepted for created_at,
// best-effort. Unparsable or missing values sort earliest.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseCreatedAt(value any) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return 0
		}
		for _, layout := range createdAtLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return float64(t.UTC().UnixNano()) / float64(time.Second)
			}
		}
		return 0
	default:
		return 0
	}
}

func stringValue(value any) string {
	s, _ := value.(string)
	return s
}
