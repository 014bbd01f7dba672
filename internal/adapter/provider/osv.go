package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
)

const (
	defaultOSVDumpURL   = "https://storage.googleapis.com/osv-vulnerabilities/all.zip"
	defaultOSVBatchSize = 500
)

// OSVProvider ingests the OSV.dev bulk dump. The feed has no incremental
// endpoint, so every run downloads the full zip archive and filters entries
// by their modified timestamp against the checkpoint.
type OSVProvider struct {
	client    *ResilientClient
	dumpURL   string
	table     string
	batchSize int
}

type OSVConfig struct {
	DumpURL   string
	Table     string
	BatchSize int
	Timeout   time.Duration
}

func NewOSVProvider(cfg OSVConfig) *OSVProvider {
	if cfg.DumpURL == "" {
		cfg.DumpURL = defaultOSVDumpURL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultOSVBatchSize
	}
	if cfg.Timeout <= 0 {
		// The full dump is several hundred megabytes.
		cfg.Timeout = 15 * time.Minute
	}
	return &OSVProvider{
		client:    NewResilientClient("osv", cfg.Timeout, DefaultResilientClientConfig()),
		dumpURL:   cfg.DumpURL,
		table:     cfg.Table,
		batchSize: cfg.BatchSize,
	}
}

func (p *OSVProvider) ID() domain.SourceID { return domain.SourceOSV }

func (p *OSVProvider) Table() string { return p.table }

func (p *OSVProvider) DefaultCheckpoint() domain.Checkpoint { return domain.Checkpoint{} }

func (p *OSVProvider) ReplaceOnConflict() bool { return false }

type osvEntry struct {
	ID       string    `json:"id"`
	Modified time.Time `json:"modified"`
}

func (p *OSVProvider) FetchSince(ctx context.Context, since domain.Checkpoint, emit func(domain.Page) error) (domain.Checkpoint, error) {
	fetchStart := time.Now().UTC()

	var modifiedAfter time.Time
	if since.Cursor != "" {
		t, err := time.Parse(time.RFC3339, since.Cursor)
		if err != nil {
			return domain.Checkpoint{}, &domain.RetrievalError{
				Source: domain.SourceOSV, Op: "parse checkpoint",
				Err: fmt.Errorf("cursor %q: %w", since.Cursor, err),
			}
		}
		modifiedAfter = t
	}

	archive, err := p.download(ctx)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	log.Printf("[osv] archive holds %d entries", len(archive.File))

	batch := make([]domain.Envelope, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		page := domain.Page{Table: p.table, Batch: batch}
		batch = make([]domain.Envelope, 0, p.batchSize)
		return emit(page)
	}

	total := 0
	for _, f := range archive.File {
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.Checkpoint{}, err
		}

		payload, err := readZipFile(f)
		if err != nil {
			return domain.Checkpoint{}, &domain.RetrievalError{
				Source: domain.SourceOSV, Op: "read archive entry",
				Err: fmt.Errorf("%s: %w", f.Name, err),
			}
		}

		var entry osvEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			log.Printf("[osv] skipping unparseable entry %s: %v", f.Name, err)
			continue
		}
		if entry.ID == "" {
			continue
		}
		if !modifiedAfter.IsZero() && !entry.Modified.After(modifiedAfter) {
			continue
		}

		batch = append(batch, domain.Envelope{
			SourceID:    domain.SourceOSV,
			ExternalKey: entry.ID,
			Payload:     payload,
			RetrievedAt: time.Now().UTC(),
		})
		total++
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return domain.Checkpoint{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return domain.Checkpoint{}, err
	}
	log.Printf("[osv] %d entries newer than checkpoint", total)

	return domain.Checkpoint{Cursor: fetchStart.Format(time.RFC3339), UpdatedAt: time.Now().UTC()}, nil
}

func (p *OSVProvider) download(ctx context.Context) (*zip.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.dumpURL, nil)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceOSV, Op: "build request", Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceOSV, Op: "download dump", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceOSV, Op: "download dump", Err: err}
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceOSV, Op: "open archive", Err: err}
	}
	return archive, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
