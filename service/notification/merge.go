package notification

import (
	"github.com/cardwatch/cardwatch/service/store"
)

// MergeResult reports the outcome of merging fetched records into a stored
// snapshot.
type MergeResult struct {
	Records    []store.Record // the merged list to persist
	Added      []store.Record // records that were genuinely new
	Duplicates int            // incoming records matched to existing ones
}

// MergeRecords merges incoming notification records into the existing list.
// Two records are the same entity iff their fingerprints are equal, falling
// back to the id field when no fingerprint could be computed. Matches are
// enriched field-by-field, filling only previously-empty fields; everything
// else is appended.
//
// The id and fingerprint indexes are built once per merge rather than
// rescanned per record.
func MergeRecords(existing, incoming []store.Record) MergeResult {
	byID := make(map[string]store.Record, len(existing))
	byFingerprint := make(map[string]store.Record, len(existing))
	for _, record := range existing {
		EnsureFingerprint(record)
		if id := stringField(record, "id"); id != "" {
			byID[id] = record
		}
		if fingerprint := stringField(record, "fingerprint"); fingerprint != "" {
			byFingerprint[fingerprint] = record
		}
	}

	merged := existing
	result := MergeResult{}

	for _, record := range incoming {
		EnsureFingerprint(record)
		id := stringField(record, "id")
		fingerprint := stringField(record, "fingerprint")

		var current store.Record
		if id != "" {
			current = byID[id]
		}
		if current == nil && fingerprint != "" {
			current = byFingerprint[fingerprint]
		}

		if current != nil {
			enrichFrom(current, record)
			result.Duplicates++
			continue
		}

		merged = append(merged, record)
		result.Added = append(result.Added, record)
		if id != "" {
			byID[id] = record
		}
		if fingerprint != "" {
			byFingerprint[fingerprint] = record
		}
	}

	result.Records = merged
	return result
}

// enrichFrom fills empty fields on current from record. Populated fields are
// never overwritten, so an assigned fingerprint stays immutable.
func enrichFrom(current, record store.Record) {
	for _, field := range enrichableFields {
		if isEmpty(current[field]) && record[field] != nil {
			current[field] = record[field]
		}
	}
	if !isEmpty(record["payload"]) && isEmpty(current["payload"]) {
		current["payload"] = record["payload"]
	}
}
