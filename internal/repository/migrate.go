package repository

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-report-reviews/internal/common/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "report_review_migrations"

// Migrate applies embedded migrations in file order, recording each applied
// version so reruns are no-ops. It returns the versions applied by this call.
func Migrate(ctx context.Context, db *database.DB) ([]string, error) {
	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var applied []string
	for _, name := range files {
		version := strings.TrimSuffix(name, ".sql")
		contents, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return applied, err
		}

		err = db.InTransaction(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO `+migrationsTable+` (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			if _, err := tx.Exec(ctx, string(contents)); err != nil {
				return fmt.Errorf("apply %s: %w", version, err)
			}
			applied = append(applied, version)
			return nil
		})
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}
