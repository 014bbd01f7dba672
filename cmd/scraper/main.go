package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hive-corporation/vulnvault/internal/adapter/checkpoint"
	"github.com/hive-corporation/vulnvault/internal/adapter/notifier"
	"github.com/hive-corporation/vulnvault/internal/adapter/provider"
	"github.com/hive-corporation/vulnvault/internal/adapter/repository"
	"github.com/hive-corporation/vulnvault/internal/config"
	"github.com/hive-corporation/vulnvault/internal/core/domain"
	"github.com/hive-corporation/vulnvault/internal/core/pipeline"
	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

func main() {
	sourcesFlag := flag.String("sources", "nvd,osv,otx,exploitdb", "comma-separated sources to run")
	flag.Parse()

	// Load .env file if it exists (optional - not all sources need API keys)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found (this is fine if you don't need API keys)")
	}

	cfg := config.Load()
	ctx := context.Background()

	log.Println("🔌 Database connection...")
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Error connecting to database: %v", err)
	}
	defer dbPool.Close()

	pipeline.InitMetrics()

	store := repository.NewPostgresStore(dbPool, repository.PostgresStoreConfig{
		ChunkSize:   cfg.ChunkSize,
		MaxInFlight: cfg.MaxInFlight,
	})
	checkpoints := checkpoint.NewFileStore(cfg.StateFile)
	orch := pipeline.NewOrchestrator(store, checkpoints, pipeline.OrchestratorConfig{
		BulkThreshold: cfg.BulkThreshold,
	})

	sources, err := buildSources(cfg, strings.Split(*sourcesFlag, ","))
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if len(sources) == 0 {
		log.Fatal("❌ no sources selected")
	}

	log.Printf("🚀 Ingestion started for %d source(s)...", len(sources))
	summaries := orch.RunAll(ctx, sources)

	if cfg.SlackBotToken != "" {
		slack := notifier.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel)
		if err := slack.NotifyRunSummaries(summaries); err != nil {
			log.Printf("⚠️  Failed to send Slack notification: %v", err)
		}
	}

	failed := 0
	for _, sum := range summaries {
		if sum.Ok() {
			log.Printf("✅ %s: %d fetched, %d inserted", sum.Source, sum.Fetched, sum.Inserted)
		} else {
			log.Printf("❌ %s: %v", sum.Source, sum.Err)
			failed++
		}
	}
	if failed > 0 {
		log.Printf("🏁 Ingestion finished with %d failed source(s)", failed)
		os.Exit(1)
	}
	log.Println("🏁 Ingestion finished")
}

func buildSources(cfg config.Config, names []string) ([]ports.Source, error) {
	var sources []ports.Source
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}

		var id domain.SourceID
		var src ports.Source
		switch name {
		case "nvd":
			id = domain.SourceNVD
			src = provider.NewNVDProvider(provider.NVDConfig{
				BaseURL:       cfg.NVD.BaseURL,
				APIKey:        cfg.NVD.APIKey,
				Table:         cfg.NVD.Table,
				CriteriaTable: cfg.NVD.CriteriaTable,
				PageSize:      cfg.NVD.PageSize,
				Timeout:       cfg.NVD.Timeout,
			})
		case "osv":
			id = domain.SourceOSV
			src = provider.NewOSVProvider(provider.OSVConfig{
				DumpURL:   cfg.OSV.DumpURL,
				Table:     cfg.OSV.Table,
				BatchSize: cfg.OSV.BatchSize,
				Timeout:   cfg.OSV.Timeout,
			})
		case "otx":
			id = domain.SourceOTX
			src = provider.NewOTXProvider(provider.OTXConfig{
				BaseURL:  cfg.OTX.BaseURL,
				APIKey:   cfg.OTX.APIKey,
				Table:    cfg.OTX.Table,
				PageSize: cfg.OTX.PageSize,
				MaxPages: cfg.OTX.MaxPages,
				Timeout:  cfg.OTX.Timeout,
			})
		case "exploitdb":
			id = domain.SourceExploitDB
			src = provider.NewExploitDBProvider(provider.ExploitDBConfig{
				Binary:    cfg.ExploitDB.Binary,
				Table:     cfg.ExploitDB.Table,
				BatchSize: cfg.ExploitDB.BatchSize,
			})
		default:
			log.Printf("⚠️  Unknown source %q ignored", name)
			continue
		}

		if err := cfg.Validate(id); err != nil {
			log.Printf("⚠️  Skipping %s: %v", id, err)
			continue
		}
		sources = append(sources, src)
	}
	return sources, nil
}
