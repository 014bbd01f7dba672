package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

// RestHandler serves read access to the ingested tables. Only tables named
// at construction are reachable; everything else is a 404 regardless of
// what exists in the database.
type RestHandler struct {
	store  ports.DocumentStore
	tables map[string]bool
}

func NewRestHandler(store ports.DocumentStore, tables []string) *RestHandler {
	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}
	return &RestHandler{store: store, tables: allowed}
}

// Health check endpoint
func (h *RestHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "vulnvault-api",
	}
	writeJSON(w, http.StatusOK, response)
}

// ListTables returns the tables this API exposes.
func (h *RestHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables := make([]string, 0, len(h.tables))
	for t := range h.tables {
		tables = append(tables, t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

// Count returns the row count of one table.
func (h *RestHandler) Count(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	count, err := h.store.Count(ctx, table)
	if err != nil {
		log.Printf("count %s failed: %v", table, err)
		writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "count": count})
}

// CheckRecord reports whether a record with the given external key exists
// and returns the stored copies if it does.
func (h *RestHandler) CheckRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing 'key' parameter")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := h.store.Query(ctx, table, ports.ByExternalKey(key))
	if err != nil {
		log.Printf("query %s failed: %v", table, err)
		writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}

	response := map[string]interface{}{
		"table":  table,
		"key":    key,
		"exists": len(rows) > 0,
	}
	if len(rows) > 0 {
		records := make([]json.RawMessage, len(rows))
		for i, row := range rows {
			records[i] = row.Envelope
		}
		response["records"] = records
	}
	writeJSON(w, http.StatusOK, response)
}

// RecentRecords returns records retrieved within a trailing window, for
// example ?since=24h.
func (h *RestHandler) RecentRecords(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}

	window := 24 * time.Hour
	if since := r.URL.Query().Get("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' parameter (use format like '24h')")
			return
		}
		window = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rows, err := h.store.Query(ctx, table, ports.RetrievedSince(time.Now().UTC().Add(-window)))
	if err != nil {
		log.Printf("query %s failed: %v", table, err)
		writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}

	records := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		records[i] = row.Envelope
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":   table,
		"since":   window.String(),
		"count":   len(records),
		"records": records,
	})
}

func (h *RestHandler) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := mux.Vars(r)["table"]
	if !h.tables[table] {
		writeError(w, http.StatusNotFound, "unknown table")
		return "", false
	}
	return table, true
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
