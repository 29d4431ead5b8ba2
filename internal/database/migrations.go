package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add episodes.language",
		sql:   `ALTER TABLE episodes ADD COLUMN IF NOT EXISTS language text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'episodes' AND column_name = 'language')`,
	},
	{
		name:  "add episodes.auto_generated",
		sql:   `ALTER TABLE episodes ADD COLUMN IF NOT EXISTS auto_generated boolean NOT NULL DEFAULT false`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'episodes' AND column_name = 'auto_generated')`,
	},
	{
		name:  "add newsletter_examples.why_useful",
		sql:   `ALTER TABLE newsletter_examples ADD COLUMN IF NOT EXISTS why_useful text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'newsletter_examples' AND column_name = 'why_useful')`,
	},
	{
		name:  "add episodes status+published index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_episodes_status_published ON episodes (status, published_at)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_episodes_status_published')`,
	},
	{
		name:  "add story_arcs last_updated index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_story_arcs_topic_updated ON story_arcs (digest_topic, last_updated_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_story_arcs_topic_updated')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. Apply failures are fatal since the
// application's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		db.log.Debug().Msg("no pending migrations")
		return nil
	}

	var applied []string
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		applied = append(applied, m.name)
	}

	db.log.Info().Str("applied", strings.Join(applied, "; ")).Msg("schema migrations applied")
	return nil
}
