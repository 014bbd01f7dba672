package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

const (
	defaultChunkSize   = 500
	defaultMaxInFlight = 4
)

// Table names come from configuration, not code, so they are validated
// before interpolation into any statement.
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore implements ports.DocumentStore on a pgx connection pool.
// Every logical table has the same shape: a store-assigned bigserial id and
// the envelope as a JSONB document. The pool is the single resource shared
// by all source runs; MaxInFlight caps how many bulk chunks may commit
// concurrently so one source's bulk insert cannot drain the pool.
type PostgresStore struct {
	db          *pgxpool.Pool
	chunkSize   int
	maxInFlight int
}

type PostgresStoreConfig struct {
	ChunkSize   int
	MaxInFlight int
}

func NewPostgresStore(db *pgxpool.Pool, cfg PostgresStoreConfig) *PostgresStore {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	return &PostgresStore{
		db:          db,
		chunkSize:   cfg.ChunkSize,
		maxInFlight: cfg.MaxInFlight,
	}
}

func quoteTable(table string) (string, error) {
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return `"` + table + `"`, nil
}

func (s *PostgresStore) EnsureTable(ctx context.Context, table string) error {
	ident, err := quoteTable(table)
	if err != nil {
		return &domain.StorageError{Table: table, Op: "create", Err: err}
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		payload JSONB NOT NULL
	)`, ident)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return &domain.StorageError{Table: table, Op: "create", Err: err}
	}

	// The dedup gate probes by external key on every page; without this
	// index that probe degrades to a sequential scan on million-row tables.
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_external_key_idx" ON %s ((payload->>'external_key'))`, table, ident)
	if _, err := s.db.Exec(ctx, idx); err != nil {
		return &domain.StorageError{Table: table, Op: "create index", Err: err}
	}
	return nil
}

func (s *PostgresStore) ExistingKeys(ctx context.Context, table string, keys []string) (map[string]struct{}, error) {
	present := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return present, nil
	}

	ident, err := quoteTable(table)
	if err != nil {
		return nil, &domain.StorageError{Table: table, Op: "exists", Err: err}
	}

	query := fmt.Sprintf(`SELECT DISTINCT payload->>'external_key' FROM %s WHERE payload->>'external_key' = ANY($1)`, ident)
	rows, err := s.db.Query(ctx, query, keys)
	if err != nil {
		return nil, &domain.StorageError{Table: table, Op: "exists", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &domain.StorageError{Table: table, Op: "exists", Err: err}
		}
		present[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Table: table, Op: "exists", Err: err}
	}
	return present, nil
}

func (s *PostgresStore) InsertSequential(ctx context.Context, table string, batch []domain.Envelope) (int, error) {
	ident, err := quoteTable(table)
	if err != nil {
		return 0, &domain.StorageError{Table: table, Op: "insert", Err: err}
	}

	query := fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1::jsonb)`, ident)
	inserted := 0
	for _, env := range batch {
		doc, err := json.Marshal(env)
		if err != nil {
			return inserted, &domain.StorageError{Table: table, Op: "insert", Err: err}
		}
		if _, err := s.db.Exec(ctx, query, string(doc)); err != nil {
			return inserted, &domain.StorageError{Table: table, Op: "insert", Err: err}
		}
		inserted++
	}
	return inserted, nil
}

func (s *PostgresStore) InsertBulk(ctx context.Context, table string, batch []domain.Envelope) (domain.BulkReport, error) {
	report := domain.BulkReport{}
	if len(batch) == 0 {
		return report, nil
	}

	ident, err := quoteTable(table)
	if err != nil {
		return report, &domain.StorageError{Table: table, Op: "bulk insert", Err: err}
	}

	chunks := partition(batch, s.chunkSize)
	report.Chunks = len(chunks)

	query := fmt.Sprintf(`INSERT INTO %s (payload) SELECT j::jsonb FROM unnest($1::text[]) AS j`, ident)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.maxInFlight)
	)

	for i, chunk := range chunks {
		wg.Add(1)
		go func(index int, chunk []domain.Envelope) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := s.insertChunk(ctx, query, chunk)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, domain.ChunkError{
					Index: index,
					Err:   &domain.StorageError{Table: table, Op: "bulk insert", Err: err},
				})
				return
			}
			report.Committed++
			report.Rows += len(chunk)
		}(i, chunk)
	}
	wg.Wait()

	return report, nil
}

func (s *PostgresStore) insertChunk(ctx context.Context, query string, chunk []domain.Envelope) error {
	docs := make([]string, len(chunk))
	for i, env := range chunk {
		doc, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("serialize envelope %s: %w", env.ExternalKey, err)
		}
		docs[i] = string(doc)
	}

	// One statement, one implicit transaction per chunk: sibling chunks
	// commit or fail independently.
	_, err := s.db.Exec(ctx, query, docs)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, table string, pred ports.Predicate) ([]domain.StoredRow, error) {
	ident, err := quoteTable(table)
	if err != nil {
		return nil, &domain.StorageError{Table: table, Op: "query", Err: err}
	}

	query := fmt.Sprintf(`SELECT id, payload FROM %s`, ident)
	if pred.Clause != "" {
		query += " WHERE " + pred.Clause
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, pred.Args...)
	if err != nil {
		return nil, &domain.StorageError{Table: table, Op: "query", Err: err}
	}
	defer rows.Close()

	var result []domain.StoredRow
	for rows.Next() {
		var row domain.StoredRow
		if err := rows.Scan(&row.ID, &row.Envelope); err != nil {
			return nil, &domain.StorageError{Table: table, Op: "query", Err: err}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Table: table, Op: "query", Err: err}
	}
	return result, nil
}

func (s *PostgresStore) Delete(ctx context.Context, table string, pred ports.Predicate) (int64, error) {
	ident, err := quoteTable(table)
	if err != nil {
		return 0, &domain.StorageError{Table: table, Op: "delete", Err: err}
	}

	query := fmt.Sprintf(`DELETE FROM %s`, ident)
	if pred.Clause != "" {
		query += " WHERE " + pred.Clause
	}

	tag, err := s.db.Exec(ctx, query, pred.Args...)
	if err != nil {
		return 0, &domain.StorageError{Table: table, Op: "delete", Err: err}
	}
	return tag.RowsAffected(), nil
}

// DeleteAll truncates the table and restarts the identity counter, so the
// next insert gets the initial id again.
func (s *PostgresStore) DeleteAll(ctx context.Context, table string) error {
	ident, err := quoteTable(table)
	if err != nil {
		return &domain.StorageError{Table: table, Op: "truncate", Err: err}
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`TRUNCATE %s RESTART IDENTITY`, ident)); err != nil {
		return &domain.StorageError{Table: table, Op: "truncate", Err: err}
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, table string) (int64, error) {
	ident, err := quoteTable(table)
	if err != nil {
		return 0, &domain.StorageError{Table: table, Op: "count", Err: err}
	}

	var count int64
	if err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, ident)).Scan(&count); err != nil {
		return 0, &domain.StorageError{Table: table, Op: "count", Err: err}
	}
	return count, nil
}

func partition(batch []domain.Envelope, size int) [][]domain.Envelope {
	if size <= 0 {
		size = defaultChunkSize
	}
	var chunks [][]domain.Envelope
	for start := 0; start < len(batch); start += size {
		end := start + size
		if end > len(batch) {
			end = len(batch)
		}
		chunks = append(chunks, batch[start:end])
	}
	return chunks
}
