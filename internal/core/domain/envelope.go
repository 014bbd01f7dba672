package domain

import (
	"encoding/json"
	"time"
)

// SourceID identifies which feed produced a record.
type SourceID string

const (
	SourceNVD       SourceID = "nvd"
	SourceOSV       SourceID = "osv"
	SourceOTX       SourceID = "otx"
	SourceExploitDB SourceID = "exploitdb"
	// SourceNVDCriteria is the derived criteria stream of the NVD source.
	// It shares the NVD run but lands in its own table with its own dedup key.
	SourceNVDCriteria SourceID = "nvd-criteria"
)

// Envelope is the common wrapper every adapter produces before storage.
// Payload is the full retrieved record as the source emitted it; no schema
// normalization happens beyond this wrapping.
type Envelope struct {
	SourceID    SourceID        `json:"source_id"`
	ExternalKey string          `json:"external_key"`
	Payload     json.RawMessage `json:"payload"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

// DedupKey is the value that must be unique within a logical table.
func (e Envelope) DedupKey() string {
	return e.ExternalKey
}

// StoredRow is the persisted form: a store-assigned monotonic id plus the
// serialized envelope. Rows are immutable except for administrative delete.
type StoredRow struct {
	ID       int64           `json:"id"`
	Envelope json.RawMessage `json:"payload"`
}

// Checkpoint marks retrieval progress for one source. Cursor is opaque to
// everything but the owning adapter: a timestamp for the registry and pulse
// feeds, a generation counter for the exploit index.
type Checkpoint struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether the checkpoint carries no cursor, meaning the
// adapter should retrieve from its earliest available data.
func (c Checkpoint) IsZero() bool {
	return c.Cursor == ""
}

// Page is one chunk of a source's output stream, bound to the logical table
// it belongs in. Most adapters emit to a single table; the NVD adapter also
// emits derived criteria pages to a second one.
//
// PurgePrefixes marks key groups this page supersedes: stored rows whose
// external key starts with a listed prefix but is absent from Batch are
// deleted before the batch is processed. Derived streams use it to retire
// rows their parent record no longer produces.
type Page struct {
	Table         string
	Batch         []Envelope
	PurgePrefixes []string
}

// ChunkError records the failure of one chunk within a bulk insert.
type ChunkError struct {
	Index int
	Err   error
}

// BulkReport is the outcome of a bulk insert: chunks commit independently,
// so the result is "N of M committed" rather than all-or-nothing.
type BulkReport struct {
	Chunks    int
	Committed int
	Rows      int
	Failed    []ChunkError
}

// Ok reports whether every chunk committed.
func (r BulkReport) Ok() bool {
	return len(r.Failed) == 0
}
