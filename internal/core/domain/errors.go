package domain

import "fmt"

// RetrievalError covers transient feed failures: network errors, rate
// limiting, malformed source payloads. The orchestrator aborts the affected
// source's run and keeps its prior checkpoint; sibling sources are untouched.
type RetrievalError struct {
	Source SourceID
	Op     string
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed (%s, %s): %v", e.Source, e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// ExpansionError marks a malformed or oversized platform-applicability
// expression. It is recovered per record: the vulnerability row is kept,
// only its criteria are skipped.
type ExpansionError struct {
	Key    string
	Reason string
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("criteria expansion failed for %s: %s", e.Key, e.Reason)
}

// StorageError covers document-store failures: connection loss, constraint
// violations, serialization failures. During bulk inserts it is recorded
// per chunk and never aborts sibling chunks.
type StorageError struct {
	Table string
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s on %q failed: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigError is fatal at startup for the affected source only: a missing
// credential or table mapping disables that source, not the whole run.
type ConfigError struct {
	Source SourceID
	Field  string
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("missing configuration: %s", e.Field)
	}
	return fmt.Sprintf("missing configuration for %s: %s", e.Source, e.Field)
}
