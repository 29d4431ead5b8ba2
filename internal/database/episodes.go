package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Episode status values. Status only ever advances (pending → processing →
// transcribed → scored/not_relevant → digested); transient failures go
// straight back to pending, and rows stuck in processing are returned to
// pending by the sweep.
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusDownloading = "downloading"
	StatusTranscribed = "transcribed"
	StatusScored      = "scored"
	StatusNotRelevant = "not_relevant"
	StatusDigested    = "digested"
	StatusFailed      = "failed"
)

// Episode is one feed item tracked through the pipeline.
type Episode struct {
	ID              int64
	FeedID          int64
	EpisodeGUID     string
	Title           string
	Description     string
	PublishedAt     time.Time
	ContentURL      *string
	DurationSeconds *int
	Transcript      *string
	WordCount       *int
	TranscribedAt   *time.Time
	Scores          map[string]float64
	ScoredAt        *time.Time
	Status          string
	FailureCount    int
	UpdatedAt       time.Time
}

const episodeColumns = `
	id, feed_id, episode_guid, title, description, published_at,
	content_url, duration_seconds, transcript, word_count, transcribed_at,
	scores, scored_at, status, failure_count, updated_at`

func scanEpisode(row pgx.Row) (*Episode, error) {
	var e Episode
	var scores []byte
	err := row.Scan(
		&e.ID, &e.FeedID, &e.EpisodeGUID, &e.Title, &e.Description, &e.PublishedAt,
		&e.ContentURL, &e.DurationSeconds, &e.Transcript, &e.WordCount, &e.TranscribedAt,
		&scores, &e.ScoredAt, &e.Status, &e.FailureCount, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &e.Scores); err != nil {
			return nil, fmt.Errorf("decode scores for episode %d: %w", e.ID, err)
		}
	}
	return &e, nil
}

// GetEpisode reloads one episode by id.
func (db *DB) GetEpisode(ctx context.Context, id int64) (*Episode, error) {
	return scanEpisode(db.Pool.QueryRow(ctx,
		`SELECT`+episodeColumns+` FROM episodes WHERE id = $1`, id))
}

// InsertEpisodeParams is the input for inserting a discovered episode.
type InsertEpisodeParams struct {
	FeedID          int64
	EpisodeGUID     string
	Title           string
	Description     string
	PublishedAt     time.Time
	ContentURL      *string
	DurationSeconds *int
}

// InsertEpisode inserts a newly discovered episode in status pending.
// Conflicts on (feed_id, episode_guid) are ignored; the returned bool
// reports whether a row was actually created.
func (db *DB) InsertEpisode(ctx context.Context, p InsertEpisodeParams) (int64, bool, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO episodes (feed_id, episode_guid, title, description, published_at, content_url, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (feed_id, episode_guid) DO NOTHING
		RETURNING id
	`, p.FeedID, p.EpisodeGUID, p.Title, p.Description, p.PublishedAt, p.ContentURL, p.DurationSeconds).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert episode: %w", err)
	}
	return id, true, nil
}

// KnownGUIDs returns which of the given guids already exist for the feed.
func (db *DB) KnownGUIDs(ctx context.Context, feedID int64, guids []string) (map[string]bool, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT episode_guid FROM episodes WHERE feed_id = $1 AND episode_guid = ANY($2)`,
		feedID, guids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		known[g] = true
	}
	return known, rows.Err()
}

// PendingEpisodes returns pending episodes oldest-published-first so the
// backlog drains deterministically. feedID of 0 means all feeds.
func (db *DB) PendingEpisodes(ctx context.Context, feedID int64) ([]*Episode, error) {
	query := `SELECT` + episodeColumns + ` FROM episodes WHERE status = $1`
	args := []any{StatusPending}
	if feedID != 0 {
		query += ` AND feed_id = $2`
		args = append(args, feedID)
	}
	query += ` ORDER BY published_at ASC, id ASC`

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	return eps, rows.Err()
}

// ClaimEpisode atomically moves an episode from pending to processing.
// Returns false if another worker already advanced it; the caller must
// abandon the episode, not fail.
func (db *DB) ClaimEpisode(ctx context.Context, id int64) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, StatusProcessing, StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim episode %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetEpisodeStatus writes a bare status transition.
func (db *DB) SetEpisodeStatus(ctx context.Context, id int64, status string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE episodes SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	return err
}

// SaveTranscript persists an acquired transcript and advances the episode
// to transcribed.
func (db *DB) SaveTranscript(ctx context.Context, id int64, text string, wordCount int, language string, autoGenerated bool, durationSeconds int) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET
			transcript = $2,
			word_count = $3,
			language = $4,
			auto_generated = $5,
			duration_seconds = COALESCE(duration_seconds, $6),
			transcribed_at = now(),
			status = $7,
			updated_at = now()
		WHERE id = $1
	`, id, text, wordCount, language, autoGenerated, durationSeconds, StatusTranscribed)
	if err != nil {
		return fmt.Errorf("save transcript for episode %d: %w", id, err)
	}
	return nil
}

// SaveScores persists topic scores and sets the terminal status for this
// cycle: scored when relevant, not_relevant otherwise.
func (db *DB) SaveScores(ctx context.Context, id int64, scores map[string]float64, relevant bool) error {
	blob, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	status := StatusScored
	if !relevant {
		status = StatusNotRelevant
	}
	_, err = db.Pool.Exec(ctx, `
		UPDATE episodes SET scores = $2, scored_at = now(), status = $3, updated_at = now()
		WHERE id = $1
	`, id, blob, status)
	if err != nil {
		return fmt.Errorf("save scores for episode %d: %w", id, err)
	}
	return nil
}

// MarkEpisodeFailed records a failure and either parks the episode in
// failed or, for known-permanent errors, in not_relevant so it is never
// retried.
func (db *DB) MarkEpisodeFailed(ctx context.Context, id int64, reason string, permanent bool) error {
	status := StatusFailed
	if permanent {
		status = StatusNotRelevant
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET
			status = $2,
			failure_count = failure_count + 1,
			last_failure_reason = $3,
			last_failure_at = now(),
			updated_at = now()
		WHERE id = $1
	`, id, status, reason)
	return err
}

// ResetStuckProcessing reverts episodes stuck in processing longer than
// the timeout back to pending. Dead workers leave rows behind; this sweep
// reclaims them on the next run.
func (db *DB) ResetStuckProcessing(ctx context.Context, timeout time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < now() - $3::interval
	`, StatusPending, StatusProcessing, timeout.String())
	if err != nil {
		return 0, fmt.Errorf("reset stuck processing: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		db.log.Info().Int64("reset", n).Msg("reclaimed stuck processing episodes")
		return n, nil
	}
	return 0, nil
}

// TranscriptsToday counts episodes whose status advanced to transcribed or
// beyond since local-day start, for the daily transcript cap.
func (db *DB) TranscriptsToday(ctx context.Context, dayStart time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM episodes
		WHERE transcribed_at >= $1
	`, dayStart).Scan(&n)
	return n, err
}

// RecentRelevantEpisodes returns scored episodes whose score on the given
// topic meets minScore, scored within the window, best first.
func (db *DB) RecentRelevantEpisodes(ctx context.Context, topic string, minScore float64, since time.Time, limit int) ([]*Episode, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT`+episodeColumns+`
		FROM episodes
		WHERE status = $1
		  AND scored_at >= $2
		  AND (scores ->> $3)::float >= $4
		ORDER BY (scores ->> $3)::float DESC, scored_at DESC
		LIMIT $5
	`, StatusScored, since, topic, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	return eps, rows.Err()
}
