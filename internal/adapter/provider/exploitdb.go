package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
)

const (
	defaultSearchsploitBin = "searchsploit"
	defaultEDBBatchSize    = 200
)

var edbIDPattern = regexp.MustCompile(`\|\s*(\d+)\s*$`)

// ExploitDBProvider reads the local Exploit-DB index through the
// searchsploit CLI: one listing call to enumerate entry ids, then one detail
// call per id not yet ingested. The checkpoint cursor is the highest id seen
// so far; ids are append-only upstream.
type ExploitDBProvider struct {
	binary    string
	table     string
	batchSize int
}

type ExploitDBConfig struct {
	Binary    string
	Table     string
	BatchSize int
}

func NewExploitDBProvider(cfg ExploitDBConfig) *ExploitDBProvider {
	if cfg.Binary == "" {
		cfg.Binary = defaultSearchsploitBin
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEDBBatchSize
	}
	return &ExploitDBProvider{
		binary:    cfg.Binary,
		table:     cfg.Table,
		batchSize: cfg.BatchSize,
	}
}

func (p *ExploitDBProvider) ID() domain.SourceID { return domain.SourceExploitDB }

func (p *ExploitDBProvider) Table() string { return p.table }

func (p *ExploitDBProvider) DefaultCheckpoint() domain.Checkpoint { return domain.Checkpoint{} }

func (p *ExploitDBProvider) ReplaceOnConflict() bool { return false }

func (p *ExploitDBProvider) FetchSince(ctx context.Context, since domain.Checkpoint, emit func(domain.Page) error) (domain.Checkpoint, error) {
	lastID := 0
	if since.Cursor != "" {
		n, err := strconv.Atoi(since.Cursor)
		if err != nil {
			return domain.Checkpoint{}, &domain.RetrievalError{
				Source: domain.SourceExploitDB, Op: "parse checkpoint",
				Err: fmt.Errorf("cursor %q: %w", since.Cursor, err),
			}
		}
		lastID = n
	}

	ids, err := p.listIDs(ctx)
	if err != nil {
		return domain.Checkpoint{}, err
	}

	fresh := ids[:0:0]
	for _, id := range ids {
		if id > lastID {
			fresh = append(fresh, id)
		}
	}
	log.Printf("[exploitdb] %d entries, %d newer than checkpoint", len(ids), len(fresh))

	highest := lastID
	batch := make([]domain.Envelope, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		page := domain.Page{Table: p.table, Batch: batch}
		batch = make([]domain.Envelope, 0, p.batchSize)
		return emit(page)
	}

	for _, id := range fresh {
		if err := ctx.Err(); err != nil {
			return domain.Checkpoint{}, err
		}
		entry, ok, err := p.describe(ctx, id)
		if err != nil {
			return domain.Checkpoint{}, err
		}
		if ok {
			batch = append(batch, entry)
			if len(batch) >= p.batchSize {
				if err := flush(); err != nil {
					return domain.Checkpoint{}, err
				}
			}
		}
		if id > highest {
			highest = id
		}
	}
	if err := flush(); err != nil {
		return domain.Checkpoint{}, err
	}

	return domain.Checkpoint{Cursor: strconv.Itoa(highest), UpdatedAt: time.Now().UTC()}, nil
}

// listIDs enumerates every entry id known to the local index. The listing
// is a fixed-width table whose last column carries the id.
func (p *ExploitDBProvider) listIDs(ctx context.Context) ([]int, error) {
	out, err := p.run(ctx, "--id")
	if err != nil {
		return nil, err
	}

	ids, err := parseListing(out)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceExploitDB, Op: "scan listing", Err: err}
	}
	return ids, nil
}

func parseListing(out []byte) ([]int, error) {
	var ids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := edbIDPattern.FindStringSubmatch(strings.TrimRight(scanner.Text(), " "))
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.Ints(ids)
	return ids, nil
}

// describe fetches one entry's detail block, a sequence of "Label: value"
// lines. Returns ok=false for ids the index no longer resolves.
func (p *ExploitDBProvider) describe(ctx context.Context, id int) (domain.Envelope, bool, error) {
	out, err := p.run(ctx, "-p", strconv.Itoa(id))
	if err != nil {
		return domain.Envelope{}, false, err
	}

	fields, ok := parseDetail(out)
	if !ok {
		return domain.Envelope{}, false, nil
	}
	fields["edb_id"] = strconv.Itoa(id)

	payload, err := json.Marshal(fields)
	if err != nil {
		return domain.Envelope{}, false, &domain.RetrievalError{
			Source: domain.SourceExploitDB, Op: "serialize entry", Err: err,
		}
	}
	return domain.Envelope{
		SourceID:    domain.SourceExploitDB,
		ExternalKey: "EDB-" + strconv.Itoa(id),
		Payload:     payload,
		RetrievedAt: time.Now().UTC(),
	}, true, nil
}

// parseDetail maps the detail block to normalized field names. Lines
// without a colon and unknown labels are kept under a slug of the label so
// format additions upstream are not dropped.
func parseDetail(out []byte) (map[string]string, bool) {
	known := map[string]string{
		"exploit":   "exploit_name",
		"url":       "exploit_db_url",
		"path":      "local_path",
		"codes":     "codes",
		"verified":  "verified",
		"file type": "file_type",
	}

	fields := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Could not find EDB-ID") {
			return nil, false
		}
		label, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		key, recognized := known[strings.ToLower(strings.TrimSpace(label))]
		if !recognized {
			key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
		}
		if key != "" {
			fields[key] = value
		}
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

func (p *ExploitDBProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &domain.RetrievalError{
			Source: domain.SourceExploitDB, Op: "run " + p.binary,
			Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return stdout.Bytes(), nil
}
