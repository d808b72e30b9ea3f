package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/openauthd/openauthd/pkg/logger"
)

const recordTable = `
CREATE TABLE IF NOT EXISTS _openauth_migrations (
	name        TEXT PRIMARY KEY,
	applied_at  BIGINT NOT NULL,
	checksum    TEXT NOT NULL
)`

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	dir := flag.String("dir", "migrations", "directory of .sql migration files")
	verify := flag.Bool("verify", false, "check applied checksums against files without applying")
	flag.Parse()

	log := logger.Setup(os.Getenv("APP_ENV"))

	dbURL := os.Getenv("DATABASE_URL")
	// A positional argument overrides the environment; the last one wins.
	for _, arg := range flag.Args() {
		log.Warn("database_url_override", "url", arg)
		dbURL = arg
	}
	if dbURL == "" {
		log.Error("database_url_missing")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Error("database_pool_create_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, recordTable); err != nil {
		log.Error("migration_table_create_failed", "error", err)
		os.Exit(1)
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		log.Error("migration_glob_failed", "error", err)
		os.Exit(1)
	}
	sort.Strings(files)
	if len(files) == 0 {
		log.Warn("no_migrations_found", "dir", *dir)
		return
	}

	applied := map[string]string{}
	rows, err := pool.Query(ctx, `SELECT name, checksum FROM _openauth_migrations`)
	if err != nil {
		log.Error("migration_history_read_failed", "error", err)
		os.Exit(1)
	}
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			rows.Close()
			log.Error("migration_history_scan_failed", "error", err)
			os.Exit(1)
		}
		applied[name] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Error("migration_history_read_failed", "error", err)
		os.Exit(1)
	}

	drift := false
	for _, file := range files {
		name := filepath.Base(file)
		sql, err := os.ReadFile(file)
		if err != nil {
			log.Error("migration_read_failed", "file", name, "error", err)
			os.Exit(1)
		}
		checksum := checksumOf(sql)

		if recorded, ok := applied[name]; ok {
			if recorded != checksum {
				log.Error("migration_checksum_drift", "file", name, "recorded", recorded, "actual", checksum)
				drift = true
			} else {
				log.Info("migration_skipped", "file", name)
			}
			continue
		}

		if *verify {
			log.Warn("migration_pending", "file", name)
			continue
		}

		if err := apply(ctx, pool, name, string(sql), checksum); err != nil {
			log.Error("migration_failed", "file", name, "error", err)
			os.Exit(1)
		}
		log.Info("migration_applied", "file", name)
	}

	if drift {
		os.Exit(1)
	}
	log.Info("migrations_complete", "count", len(files))
}

func apply(ctx context.Context, pool *pgxpool.Pool, name, sql, checksum string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO _openauth_migrations (name, applied_at, checksum) VALUES ($1, $2, $3)`,
		name, time.Now().UnixMilli(), checksum); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// checksumOf is the first 16 hex chars of the file's sha256.
func checksumOf(sql []byte) string {
	sum := sha256.Sum256(sql)
	return hex.EncodeToString(sum[:])[:16]
}
