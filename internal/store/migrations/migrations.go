// Package migrations owns the versioned Postgres schema and runs it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"github.com/pressly/goose/v3"
)

const (
	dialect      = "postgres"
	migrationDir = "sql"
	markerUp     = "-- +goose Up"
	markerDown   = "-- +goose Down"
)

//go:embed sql/*.sql
var files embed.FS

var migrationFileRe = regexp.MustCompile(`^(\d{5})_[a-z0-9_]+\.sql$`)

// Commands accepted by Run.
var Commands = []string{"up", "down", "status", "version", "redo", "reset"}

// Run executes a goose command against db using the embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	command = strings.ToLower(strings.TrimSpace(command))
	if !isKnownCommand(command) {
		return fmt.Errorf("migrations: unsupported command %q", command)
	}
	if db == nil {
		return errors.New("migrations: db is required")
	}
	goose.SetBaseFS(files)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, migrationDir, args...); err != nil {
		return fmt.Errorf("migrations: %s: %w", command, err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Validate checks names, versions and goose markers of the embedded files.
func Validate() error {
	return validateFS(files)
}

func validateFS(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, migrationDir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		match := migrationFileRe.FindStringSubmatch(name)
		if match == nil {
			return fmt.Errorf("invalid migration filename %q (expected NNNNN_name.sql)", name)
		}
		if previous, ok := seen[match[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", match[1], previous, name)
		}
		seen[match[1]] = name

		content, err := fs.ReadFile(fsys, migrationDir+"/"+name)
		if err != nil {
			return fmt.Errorf("read migration %q: %w", name, err)
		}
		text := string(content)
		if !strings.Contains(text, markerUp) {
			return fmt.Errorf("migration %q missing %q", name, markerUp)
		}
		if !strings.Contains(text, markerDown) {
			return fmt.Errorf("migration %q missing %q", name, markerDown)
		}
	}
	if len(seen) == 0 {
		return errors.New("no migrations embedded")
	}
	return nil
}

func isKnownCommand(command string) bool {
	for _, known := range Commands {
		if known == command {
			return true
		}
	}
	return false
}
