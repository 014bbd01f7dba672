package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
)

// Source is one feed adapter. FetchSince streams the feed incrementally:
// emit is called once per retrieved page so large feeds never buffer whole.
// A non-nil error from emit aborts the fetch. On success the returned
// checkpoint is what the next run should resume from; on error it is ignored
// and the caller keeps the prior checkpoint.
type Source interface {
	ID() domain.SourceID
	Table() string
	DefaultCheckpoint() domain.Checkpoint
	// ReplaceOnConflict selects the re-ingestion policy for records whose
	// external key already exists: true deletes and reinserts (source-side
	// edits win), false lets the dedup gate drop them.
	ReplaceOnConflict() bool
	FetchSince(ctx context.Context, since domain.Checkpoint, emit func(domain.Page) error) (domain.Checkpoint, error)
}

// Predicate narrows Query and Delete to matching rows.
type Predicate struct {
	Clause string
	Args   []any
}

// All matches every row of a table.
func All() Predicate {
	return Predicate{}
}

// ByExternalKey matches the row(s) carrying the given dedup key.
func ByExternalKey(key string) Predicate {
	return Predicate{Clause: "payload->>'external_key' = $1", Args: []any{key}}
}

// ByExternalKeys matches rows carrying any of the given dedup keys.
func ByExternalKeys(keys []string) Predicate {
	return Predicate{Clause: "payload->>'external_key' = ANY($1)", Args: []any{keys}}
}

// ByPrefixExcludingKeys matches rows whose dedup key starts with one of the
// given prefixes but is not in keep. Prefixes must carry their own SQL LIKE
// wildcard (a trailing %). An empty keep list matches every prefixed row.
func ByPrefixExcludingKeys(prefixes, keep []string) Predicate {
	if len(keep) == 0 {
		return Predicate{Clause: "payload->>'external_key' LIKE ANY($1)", Args: []any{prefixes}}
	}
	return Predicate{
		Clause: "payload->>'external_key' LIKE ANY($1) AND NOT (payload->>'external_key' = ANY($2))",
		Args:   []any{prefixes, keep},
	}
}

// BySource matches rows produced by one feed.
func BySource(id domain.SourceID) Predicate {
	return Predicate{Clause: "payload->>'source_id' = $1", Args: []any{string(id)}}
}

// RetrievedSince matches rows captured at or after t.
func RetrievedSince(t time.Time) Predicate {
	return Predicate{Clause: "(payload->>'retrieved_at')::timestamptz >= $1", Args: []any{t}}
}

// DocumentStore owns all access to the append-only document store. Every
// operation is scoped to a caller-specified logical table, and the
// implementation must be safe for concurrent use by multiple source runs.
type DocumentStore interface {
	// EnsureTable creates the table (standard id+payload shape) if absent.
	// Calling it for an existing table is a no-op.
	EnsureTable(ctx context.Context, table string) error
	// ExistingKeys returns the subset of keys already present in table.
	ExistingKeys(ctx context.Context, table string, keys []string) (map[string]struct{}, error)
	// InsertSequential inserts rows one at a time, each in its own
	// transaction. The first failure stops the walk.
	InsertSequential(ctx context.Context, table string, batch []domain.Envelope) (int, error)
	// InsertBulk partitions the batch into chunks and commits them
	// concurrently under the pool's connection budget. Chunk failures are
	// reported in the BulkReport and never roll back sibling chunks.
	InsertBulk(ctx context.Context, table string, batch []domain.Envelope) (domain.BulkReport, error)
	Query(ctx context.Context, table string, pred Predicate) ([]domain.StoredRow, error)
	Delete(ctx context.Context, table string, pred Predicate) (int64, error)
	// DeleteAll empties the table and restarts its identity counter, so
	// ids are not stable across it.
	DeleteAll(ctx context.Context, table string) error
	Count(ctx context.Context, table string) (int64, error)
}

// CheckpointStore persists per-source retrieval progress. Load reports
// (checkpoint, found); a missing checkpoint means "start from the source's
// earliest available data". Save must be atomic with respect to concurrent
// loads by other sources' runs.
type CheckpointStore interface {
	Load(id domain.SourceID) (domain.Checkpoint, bool, error)
	Save(id domain.SourceID, cp domain.Checkpoint) error
}
