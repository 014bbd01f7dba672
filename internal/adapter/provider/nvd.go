package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
)

const (
	defaultNVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdPageSize       = 2000
)

// NVDProvider pulls CVE records from the NVD REST API. Each API page yields
// two pages downstream: the raw CVE documents, and the expanded platform
// criteria tuples routed to a sibling table.
type NVDProvider struct {
	client        *ResilientClient
	baseURL       string
	apiKey        string
	table         string
	criteriaTable string
	pageSize      int
}

type NVDConfig struct {
	BaseURL       string
	APIKey        string
	Table         string
	CriteriaTable string
	PageSize      int
	Timeout       time.Duration
}

func NewNVDProvider(cfg NVDConfig) *NVDProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultNVDBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = nvdPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &NVDProvider{
		client:        NewResilientClient("nvd", cfg.Timeout, DefaultResilientClientConfig()),
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		table:         cfg.Table,
		criteriaTable: cfg.CriteriaTable,
		pageSize:      cfg.PageSize,
	}
}

func (p *NVDProvider) ID() domain.SourceID { return domain.SourceNVD }

func (p *NVDProvider) Table() string { return p.table }

// DefaultCheckpoint is the zero checkpoint: with no recorded progress the
// first run pulls the whole corpus, not a recent window.
func (p *NVDProvider) DefaultCheckpoint() domain.Checkpoint { return domain.Checkpoint{} }

// ReplaceOnConflict is true: NVD re-publishes CVEs on every analysis
// update, and the newest copy must win.
func (p *NVDProvider) ReplaceOnConflict() bool { return true }

type nvdResponse struct {
	ResultsPerPage  int    `json:"resultsPerPage"`
	StartIndex      int    `json:"startIndex"`
	TotalResults    int    `json:"totalResults"`
	Vulnerabilities []struct {
		CVE json.RawMessage `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID             string                 `json:"id"`
	Configurations []domain.Configuration `json:"configurations"`
}

func (p *NVDProvider) FetchSince(ctx context.Context, since domain.Checkpoint, emit func(domain.Page) error) (domain.Checkpoint, error) {
	fetchStart := time.Now().UTC()

	window := url.Values{}
	if since.Cursor != "" {
		window.Set("lastModStartDate", since.Cursor)
		window.Set("lastModEndDate", fetchStart.Format(time.RFC3339))
	}

	total, err := p.count(ctx, window)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	log.Printf("[nvd] %d records match the window", total)

	for startIndex := 0; startIndex < total; startIndex += p.pageSize {
		page, err := p.fetchPage(ctx, window, startIndex)
		if err != nil {
			return domain.Checkpoint{}, err
		}
		if len(page.Vulnerabilities) == 0 {
			break
		}

		records := make([]domain.Envelope, 0, len(page.Vulnerabilities))
		var criteria []domain.Envelope
		var purge []string
		retrieved := time.Now().UTC()
		for _, v := range page.Vulnerabilities {
			var cve nvdCVE
			if err := json.Unmarshal(v.CVE, &cve); err != nil {
				return domain.Checkpoint{}, &domain.RetrievalError{
					Source: domain.SourceNVD, Op: "decode cve", Err: err,
				}
			}
			if cve.ID == "" {
				continue
			}
			records = append(records, domain.Envelope{
				SourceID:    domain.SourceNVD,
				ExternalKey: cve.ID,
				Payload:     v.CVE,
				RetrievedAt: retrieved,
			})
			criteria = append(criteria, p.expandCriteria(cve, retrieved)...)
			purge = append(purge, cve.ID+":%")
		}

		if err := emit(domain.Page{Table: p.table, Batch: records}); err != nil {
			return domain.Checkpoint{}, err
		}
		// Every re-published CVE supersedes its stored criteria: tuples its
		// current configuration no longer produces must go, even when the
		// revision expands to nothing at all.
		if len(purge) > 0 && p.criteriaTable != "" {
			if err := emit(domain.Page{Table: p.criteriaTable, Batch: criteria, PurgePrefixes: purge}); err != nil {
				return domain.Checkpoint{}, err
			}
		}
	}

	return domain.Checkpoint{Cursor: fetchStart.Format(time.RFC3339), UpdatedAt: time.Now().UTC()}, nil
}

// expandCriteria turns a CVE's configuration trees into one envelope per
// distinct platform combination. A tree too deep or too wide to expand is
// logged and skipped; it never fails the record itself.
func (p *NVDProvider) expandCriteria(cve nvdCVE, retrieved time.Time) []domain.Envelope {
	var out []domain.Envelope
	seen := make(map[string]struct{})
	for _, cfg := range cve.Configurations {
		tuples, err := domain.ExpandConfiguration(cve.ID, cfg)
		if err != nil {
			log.Printf("[nvd] skipping criteria for %s: %v", cve.ID, err)
			continue
		}
		for _, tuple := range tuples {
			key := tuple.VulnKey + ":" + tuple.Signature()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			payload, err := json.Marshal(tuple)
			if err != nil {
				log.Printf("[nvd] skipping criteria tuple for %s: %v", cve.ID, err)
				continue
			}
			out = append(out, domain.Envelope{
				SourceID:    domain.SourceNVDCriteria,
				ExternalKey: key,
				Payload:     payload,
				RetrievedAt: retrieved,
			})
		}
	}
	return out
}

// count asks for the window's total with a one-result page, so pagination
// bounds are known before the first real page is pulled.
func (p *NVDProvider) count(ctx context.Context, window url.Values) (int, error) {
	params := url.Values{}
	for k, v := range window {
		params[k] = v
	}
	params.Set("resultsPerPage", "1")
	params.Set("startIndex", "0")

	resp, err := p.get(ctx, params)
	if err != nil {
		return 0, err
	}
	return resp.TotalResults, nil
}

func (p *NVDProvider) fetchPage(ctx context.Context, window url.Values, startIndex int) (*nvdResponse, error) {
	params := url.Values{}
	for k, v := range window {
		params[k] = v
	}
	params.Set("resultsPerPage", fmt.Sprintf("%d", p.pageSize))
	params.Set("startIndex", fmt.Sprintf("%d", startIndex))
	return p.get(ctx, params)
}

func (p *NVDProvider) get(ctx context.Context, params url.Values) (*nvdResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceNVD, Op: "build request", Err: err}
	}
	if p.apiKey != "" {
		req.Header.Set("apiKey", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceNVD, Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceNVD, Op: "read body", Err: err}
	}

	var decoded nvdResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &domain.RetrievalError{Source: domain.SourceNVD, Op: "decode response", Err: err}
	}
	return &decoded, nil
}
