package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

type stubStore struct {
	ports.DocumentStore
	rows  []domain.StoredRow
	count int64
	err   error
}

func (s *stubStore) Query(ctx context.Context, table string, pred ports.Predicate) ([]domain.StoredRow, error) {
	return s.rows, s.err
}

func (s *stubStore) Count(ctx context.Context, table string) (int64, error) {
	return s.count, s.err
}

func newTestRouter(store ports.DocumentStore) *mux.Router {
	h := NewRestHandler(store, []string{"nvd_records", "osv_records"})
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/health", h.Health).Methods("GET")
	router.HandleFunc("/api/v1/tables", h.ListTables).Methods("GET")
	router.HandleFunc("/api/v1/tables/{table}/count", h.Count).Methods("GET")
	router.HandleFunc("/api/v1/tables/{table}/check", h.CheckRecord).Methods("GET")
	router.HandleFunc("/api/v1/tables/{table}/recent", h.RecentRecords).Methods("GET")
	return router
}

func doRequest(t *testing.T, router *mux.Router, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubStore{})

	rec, body := doRequest(t, router, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected health payload: %v", body)
	}
}

func TestCount(t *testing.T) {
	router := newTestRouter(&stubStore{count: 42})

	rec, body := doRequest(t, router, "/api/v1/tables/nvd_records/count")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["count"] != float64(42) {
		t.Errorf("expected count 42, got %v", body["count"])
	}
}

func TestCount_UnknownTable(t *testing.T) {
	router := newTestRouter(&stubStore{})

	rec, _ := doRequest(t, router, "/api/v1/tables/secrets/count")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown table must 404, got %d", rec.Code)
	}
}

func TestCheckRecord_Found(t *testing.T) {
	store := &stubStore{rows: []domain.StoredRow{
		{ID: 1, Envelope: json.RawMessage(`{"external_key":"CVE-2026-1"}`)},
	}}
	router := newTestRouter(store)

	rec, body := doRequest(t, router, "/api/v1/tables/nvd_records/check?key=CVE-2026-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["exists"] != true {
		t.Errorf("expected exists=true, got %v", body)
	}
	if _, ok := body["records"]; !ok {
		t.Error("found records must be returned")
	}
}

func TestCheckRecord_NotFound(t *testing.T) {
	router := newTestRouter(&stubStore{})

	rec, body := doRequest(t, router, "/api/v1/tables/nvd_records/check?key=CVE-0000-0")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["exists"] != false {
		t.Errorf("expected exists=false, got %v", body)
	}
}

func TestCheckRecord_MissingKey(t *testing.T) {
	router := newTestRouter(&stubStore{})

	rec, _ := doRequest(t, router, "/api/v1/tables/nvd_records/check")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing key must 400, got %d", rec.Code)
	}
}

func TestRecentRecords(t *testing.T) {
	store := &stubStore{rows: []domain.StoredRow{
		{ID: 1, Envelope: json.RawMessage(`{"external_key":"a"}`)},
		{ID: 2, Envelope: json.RawMessage(`{"external_key":"b"}`)},
	}}
	router := newTestRouter(store)

	rec, body := doRequest(t, router, "/api/v1/tables/osv_records/recent?since=48h")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["count"] != float64(2) {
		t.Errorf("expected 2 records, got %v", body["count"])
	}
}

func TestRecentRecords_BadWindow(t *testing.T) {
	router := newTestRouter(&stubStore{})

	rec, _ := doRequest(t, router, "/api/v1/tables/osv_records/recent?since=tomorrow")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad window must 400, got %d", rec.Code)
	}
}

func TestStoreErrorsBecome500(t *testing.T) {
	router := newTestRouter(&stubStore{err: errors.New("connection refused")})

	rec, _ := doRequest(t, router, "/api/v1/tables/nvd_records/count")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store errors must 500, got %d", rec.Code)
	}
}
