package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hive-corporation/vulnvault/internal/adapter/repository"
	"github.com/hive-corporation/vulnvault/internal/config"
	"github.com/hive-corporation/vulnvault/internal/core/domain"
	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

func main() {
	op := flag.String("op", "count", "operation: count, check, recent, delete, truncate")
	table := flag.String("table", "", "target table")
	key := flag.String("key", "", "external key (check, delete)")
	source := flag.String("source", "", "source id filter (delete)")
	all := flag.Bool("all", false, "delete every row but keep the identity counter (delete)")
	since := flag.Duration("since", 24*time.Hour, "trailing window (recent)")
	yes := flag.Bool("yes", false, "confirm destructive operations")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found")
	}

	if *table == "" {
		log.Fatal("❌ -table is required")
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Error connecting to database: %v", err)
	}
	defer dbPool.Close()

	store := repository.NewPostgresStore(dbPool, repository.PostgresStoreConfig{})

	switch *op {
	case "count":
		count, err := store.Count(ctx, *table)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Printf("%s: %d rows\n", *table, count)

	case "check":
		if *key == "" {
			log.Fatal("❌ -key is required for check")
		}
		rows, err := store.Query(ctx, *table, ports.ByExternalKey(*key))
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		if len(rows) == 0 {
			fmt.Printf("❌ %s not found in %s\n", *key, *table)
			os.Exit(1)
		}
		for _, row := range rows {
			printRow(row)
		}

	case "recent":
		rows, err := store.Query(ctx, *table, ports.RetrievedSince(time.Now().UTC().Add(-*since)))
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		for _, row := range rows {
			printRow(row)
		}
		fmt.Printf("%d rows retrieved within %s\n", len(rows), *since)

	case "delete":
		pred, desc := deletePredicate(*key, *source, *all)
		if desc == "" {
			log.Fatal("❌ delete needs -key, -source, or -all")
		}
		if !*yes {
			log.Fatalf("❌ deleting rows %s from %s requires -yes", desc, *table)
		}
		n, err := store.Delete(ctx, *table, pred)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Printf("✅ deleted %d row(s) %s from %s\n", n, desc, *table)

	case "truncate":
		if !*yes {
			log.Fatalf("❌ truncating %s requires -yes", *table)
		}
		if err := store.DeleteAll(ctx, *table); err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Printf("✅ %s truncated, identity restarted\n", *table)

	default:
		log.Fatalf("❌ unknown operation %q", *op)
	}
}

// deletePredicate maps the delete flags to a predicate. -all deletes every
// row without restarting the identity counter; truncate is the op that does.
func deletePredicate(key, source string, all bool) (ports.Predicate, string) {
	switch {
	case key != "":
		return ports.ByExternalKey(key), fmt.Sprintf("with key %q", key)
	case source != "":
		return ports.BySource(domain.SourceID(source)), fmt.Sprintf("from source %q", source)
	case all:
		return ports.All(), "matching all"
	default:
		return ports.Predicate{}, ""
	}
}

func printRow(row domain.StoredRow) {
	var compact map[string]json.RawMessage
	if err := json.Unmarshal(row.Envelope, &compact); err != nil {
		fmt.Printf("%d\t%s\n", row.ID, row.Envelope)
		return
	}
	fmt.Printf("%d\t%s\t%s\n", row.ID, compact["external_key"], compact["retrieved_at"])
}
