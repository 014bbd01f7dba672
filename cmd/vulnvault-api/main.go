package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hive-corporation/vulnvault/internal/adapter/handler"
	"github.com/hive-corporation/vulnvault/internal/adapter/repository"
	"github.com/hive-corporation/vulnvault/internal/config"
	"github.com/hive-corporation/vulnvault/internal/core/pipeline"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found")
	}

	cfg := config.Load()
	ctx := context.Background()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer dbPool.Close()

	store := repository.NewPostgresStore(dbPool, repository.PostgresStoreConfig{
		ChunkSize:   cfg.ChunkSize,
		MaxInFlight: cfg.MaxInFlight,
	})

	pipeline.InitMetrics()
	log.Println("✅ Prometheus metrics initialized")

	tables := []string{
		cfg.NVD.Table,
		cfg.NVD.CriteriaTable,
		cfg.OSV.Table,
		cfg.OTX.Table,
		cfg.ExploitDB.Table,
	}
	restHandler := handler.NewRestHandler(store, tables)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/health", restHandler.Health).Methods("GET")
	router.HandleFunc("/api/v1/tables", restHandler.ListTables).Methods("GET")
	router.HandleFunc("/api/v1/tables/{table}/count", restHandler.Count).Methods("GET")
	router.HandleFunc("/api/v1/tables/{table}/check", restHandler.CheckRecord).Methods("GET")
	router.HandleFunc("/api/v1/tables/{table}/recent", restHandler.RecentRecords).Methods("GET")

	// Metrics endpoint (requires authentication)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware)
	router.Use(authMiddleware)

	port := getEnv("REST_API_PORT", "8080")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("🚀 VulnVault REST API listening on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped gracefully")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("→ %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		log.Printf("← %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check
		if r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		expectedToken := os.Getenv("REST_API_AUTH_TOKEN")

		// If no token configured, allow all requests (development mode)
		if expectedToken == "" {
			log.Println("⚠️  Warning: REST_API_AUTH_TOKEN not set - auth disabled")
			next.ServeHTTP(w, r)
			return
		}

		if token != "Bearer "+expectedToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
