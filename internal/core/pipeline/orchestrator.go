package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

const defaultBulkThreshold = 100

type runState string

const (
	stateLoadingCheckpoint runState = "loading checkpoint"
	stateFetching          runState = "fetching"
	stateDeduping          runState = "deduping"
	stateInserting         runState = "inserting"
	stateSaving            runState = "saving checkpoint"
)

// RunSummary is the outcome of one source run.
type RunSummary struct {
	RunID        string
	Source       domain.SourceID
	Fetched      int
	Collapsed    int // duplicates removed inside batches
	Known        int // dropped because already stored
	Replaced     int // deleted and reinserted (replace-on-conflict sources)
	Purged       int // stored rows retired because a page superseded them
	Inserted     int
	FailedChunks int
	Elapsed      time.Duration
	Err          error
}

func (s RunSummary) Ok() bool { return s.Err == nil }

// Orchestrator drives source runs end to end: load checkpoint, stream pages
// from the source, dedup and insert each page, and persist the new
// checkpoint only after everything else succeeded. A failed run leaves the
// prior checkpoint in place so the next run re-covers the same window.
type Orchestrator struct {
	store         ports.DocumentStore
	checkpoints   ports.CheckpointStore
	bulkThreshold int
}

type OrchestratorConfig struct {
	// BulkThreshold is the page size at or above which inserts go through
	// the concurrent bulk path instead of row-at-a-time.
	BulkThreshold int
}

func NewOrchestrator(store ports.DocumentStore, checkpoints ports.CheckpointStore, cfg OrchestratorConfig) *Orchestrator {
	if cfg.BulkThreshold <= 0 {
		cfg.BulkThreshold = defaultBulkThreshold
	}
	return &Orchestrator{
		store:         store,
		checkpoints:   checkpoints,
		bulkThreshold: cfg.BulkThreshold,
	}
}

// RunAll runs every source concurrently and waits for all of them. Each
// source gets its own goroutine and its own summary; one source failing or
// stalling never affects its siblings.
func (o *Orchestrator) RunAll(ctx context.Context, sources []ports.Source) []RunSummary {
	summaries := make([]RunSummary, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src ports.Source) {
			defer wg.Done()
			summaries[i] = o.RunSource(ctx, src)
		}(i, src)
	}
	wg.Wait()
	return summaries
}

// RunSource executes a single source run and always returns a summary,
// failed or not.
func (o *Orchestrator) RunSource(ctx context.Context, src ports.Source) RunSummary {
	name := string(src.ID())
	sum := RunSummary{RunID: uuid.NewString(), Source: src.ID()}
	start := time.Now()

	current := runState("")
	setState := func(s runState) {
		if s != current {
			current = s
			log.Printf("[%s] run %s: %s", name, sum.RunID, s)
		}
	}
	fail := func(err error) RunSummary {
		sum.Err = err
		sum.Elapsed = time.Since(start)
		recordRun(name, "failure", sum.Elapsed)
		log.Printf("[%s] run %s failed: %v", name, sum.RunID, err)
		return sum
	}

	setState(stateLoadingCheckpoint)
	cp, found, err := o.checkpoints.Load(src.ID())
	if err != nil {
		return fail(fmt.Errorf("load checkpoint: %w", err))
	}
	if !found {
		cp = src.DefaultCheckpoint()
		log.Printf("[%s] run %s: no checkpoint, starting from default", name, sum.RunID)
	}

	ensured := make(map[string]bool)
	setState(stateFetching)
	next, err := src.FetchSince(ctx, cp, func(page domain.Page) error {
		table := page.Table
		if table == "" {
			table = src.Table()
		}
		if !ensured[table] {
			if err := o.store.EnsureTable(ctx, table); err != nil {
				return err
			}
			ensured[table] = true
		}

		sum.Fetched += len(page.Batch)
		recordRecords(name, "fetched", len(page.Batch))

		setState(stateDeduping)
		if err := o.purgeSuperseded(ctx, table, page, &sum); err != nil {
			return err
		}
		fresh, err := o.dedupPage(ctx, src, table, page.Batch, &sum)
		if err != nil {
			return err
		}
		recordRecords(name, "deduped", len(fresh))
		if len(fresh) == 0 {
			setState(stateFetching)
			return nil
		}

		setState(stateInserting)
		if err := o.insertPage(ctx, table, fresh, &sum); err != nil {
			return err
		}
		recordRecords(name, "inserted", len(fresh))

		setState(stateFetching)
		return nil
	})
	if err != nil {
		return fail(err)
	}

	setState(stateSaving)
	if err := o.checkpoints.Save(src.ID(), next); err != nil {
		return fail(fmt.Errorf("save checkpoint: %w", err))
	}

	sum.Elapsed = time.Since(start)
	recordRun(name, "success", sum.Elapsed)
	log.Printf("[%s] run %s done: fetched=%d collapsed=%d known=%d replaced=%d purged=%d inserted=%d in %s",
		name, sum.RunID, sum.Fetched, sum.Collapsed, sum.Known, sum.Replaced, sum.Purged, sum.Inserted, sum.Elapsed.Round(time.Millisecond))
	return sum
}

// purgeSuperseded retires stored rows the page declares stale: rows under a
// purge prefix whose key the batch no longer carries. Rows the batch does
// carry are left untouched so unchanged content keeps its stored id and
// falls through the dedup gate.
func (o *Orchestrator) purgeSuperseded(ctx context.Context, table string, page domain.Page, sum *RunSummary) error {
	if len(page.PurgePrefixes) == 0 {
		return nil
	}
	keep := make([]string, 0, len(page.Batch))
	for _, env := range page.Batch {
		keep = append(keep, env.DedupKey())
	}
	n, err := o.store.Delete(ctx, table, ports.ByPrefixExcludingKeys(page.PurgePrefixes, keep))
	if err != nil {
		return err
	}
	sum.Purged += int(n)
	return nil
}

// dedupPage narrows the batch to what must be inserted. For a replace
// source's primary table, keys that already exist are deleted first and the
// fresh copy is kept; everywhere else existing keys are dropped.
func (o *Orchestrator) dedupPage(ctx context.Context, src ports.Source, table string, batch []domain.Envelope, sum *RunSummary) ([]domain.Envelope, error) {
	res, err := Dedup(ctx, o.store, table, batch)
	sum.Collapsed += res.Collapsed
	if err != nil {
		return nil, err
	}

	if res.Known == 0 || !src.ReplaceOnConflict() || table != src.Table() {
		sum.Known += res.Known
		return res.Fresh, nil
	}

	// Replace path: reinsert every collapsed envelope and remove the stored
	// copies it supersedes.
	seen := make(map[string]struct{}, len(batch))
	collapsed := make([]domain.Envelope, 0, len(batch))
	stale := make([]string, 0, res.Known)
	freshKeys := make(map[string]struct{}, len(res.Fresh))
	for _, env := range res.Fresh {
		freshKeys[env.DedupKey()] = struct{}{}
	}
	for _, env := range batch {
		key := env.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		collapsed = append(collapsed, env)
		if _, isFresh := freshKeys[key]; !isFresh {
			stale = append(stale, key)
		}
	}

	if _, err := o.store.Delete(ctx, table, ports.ByExternalKeys(stale)); err != nil {
		return nil, err
	}
	sum.Replaced += len(stale)
	return collapsed, nil
}

func (o *Orchestrator) insertPage(ctx context.Context, table string, batch []domain.Envelope, sum *RunSummary) error {
	if len(batch) < o.bulkThreshold {
		n, err := o.store.InsertSequential(ctx, table, batch)
		sum.Inserted += n
		return err
	}

	report, err := o.store.InsertBulk(ctx, table, batch)
	sum.Inserted += report.Rows
	sum.FailedChunks += len(report.Failed)
	recordChunkFailures(string(sum.Source), len(report.Failed))
	if err != nil {
		return err
	}
	if !report.Ok() {
		// Committed chunks stay committed; reruns converge through the
		// dedup gate. The run itself must still be reported as failed.
		return fmt.Errorf("bulk insert into %s committed %d of %d chunks: %w",
			table, report.Committed, report.Chunks, report.Failed[0].Err)
	}
	return nil
}
