package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Functional categories classify what kind of narrative an arc is.
// FUNCTIONAL_CATEGORIES is closed; unknown values are coerced to "other".
var FunctionalCategories = []string{
	"model_release", "company_strategy", "research", "regulation",
	"product_launch", "partnership", "controversy", "industry_trend",
	"technique", "use_case", "other",
}

// ValidCategory reports whether c is a known functional category.
func ValidCategory(c string) bool {
	for _, v := range FunctionalCategories {
		if v == c {
			return true
		}
	}
	return false
}

// StoryArc is a named evolving narrative within a digest topic.
type StoryArc struct {
	ID                 int64
	ArcName            string
	ArcSlug            string
	FunctionalCategory string
	DigestTopic        string
	StartedAt          time.Time
	LastUpdatedAt      time.Time
	EventCount         int
	SourceCount        int
	IncludedInDigestID *int64
	IncludedAt         *time.Time

	Events []ArcEvent
}

// ArcEvent is one timestamped contribution to an arc from a source episode.
type ArcEvent struct {
	ID                int64
	StoryArcID        int64
	EventDate         time.Time
	EventSummary      string
	KeyPoints         []string
	SourceFeedID      *int64
	SourceEpisodeID   *int64
	SourceEpisodeGUID string
	SourceName        string
	Perspective       string
	RelevanceScore    float64
	ExtractedAt       time.Time
}

// SlugifyArcName normalizes an arc name to its slug: lowercase, runs of
// non-alphanumerics collapsed to a single '-', trimmed, capped at 80 chars.
func SlugifyArcName(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 80 {
		slug = strings.Trim(slug[:80], "-")
	}
	return slug
}

// GetOrCreateArc returns the arc for (slug(name), digestTopic), creating it
// if absent. The operation is idempotent: an existing arc is returned as-is
// and its category is never touched. When initialEvent is non-nil and the
// arc is freshly created, the event is appended in the same call.
func (db *DB) GetOrCreateArc(ctx context.Context, arcName, digestTopic, category string, initialEvent *ArcEvent) (*StoryArc, bool, error) {
	slug := SlugifyArcName(arcName)
	if slug == "" {
		return nil, false, fmt.Errorf("arc name %q produces empty slug", arcName)
	}
	if !ValidCategory(category) {
		category = "other"
	}

	if arc, err := db.arcBySlug(ctx, slug, digestTopic); err == nil {
		return arc, false, nil
	} else if err != pgx.ErrNoRows {
		return nil, false, err
	}

	var arc StoryArc
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO story_arcs (arc_name, arc_slug, functional_category, digest_topic)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (arc_slug, digest_topic) DO NOTHING
		RETURNING id, arc_name, arc_slug, functional_category, digest_topic,
			started_at, last_updated_at, event_count, source_count
	`, arcName, slug, category, digestTopic).Scan(
		&arc.ID, &arc.ArcName, &arc.ArcSlug, &arc.FunctionalCategory, &arc.DigestTopic,
		&arc.StartedAt, &arc.LastUpdatedAt, &arc.EventCount, &arc.SourceCount,
	)
	if err == pgx.ErrNoRows {
		// Lost a concurrent create race; the arc exists now.
		existing, err := db.arcBySlug(ctx, slug, digestTopic)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create arc %q: %w", arcName, err)
	}

	if initialEvent != nil {
		if _, err := db.AddArcEvent(ctx, arc.ID, *initialEvent, 0); err != nil {
			return nil, true, err
		}
		arc.EventCount = 1
	}
	return &arc, true, nil
}

func (db *DB) arcBySlug(ctx context.Context, slug, digestTopic string) (*StoryArc, error) {
	var arc StoryArc
	err := db.Pool.QueryRow(ctx, `
		SELECT id, arc_name, arc_slug, functional_category, digest_topic,
			started_at, last_updated_at, event_count, source_count,
			included_in_digest_id, included_at
		FROM story_arcs
		WHERE arc_slug = $1 AND digest_topic = $2
	`, slug, digestTopic).Scan(
		&arc.ID, &arc.ArcName, &arc.ArcSlug, &arc.FunctionalCategory, &arc.DigestTopic,
		&arc.StartedAt, &arc.LastUpdatedAt, &arc.EventCount, &arc.SourceCount,
		&arc.IncludedInDigestID, &arc.IncludedAt,
	)
	if err != nil {
		return nil, err
	}
	return &arc, nil
}

// AddArcEvent appends an event to an arc in a single transaction:
// insert, recompute event_count/source_count, set last_updated_at to the
// event date, then prune oldest events (by event_date, ties by smallest id)
// while the count exceeds maxEvents. maxEvents <= 0 disables pruning.
// The arc row is locked for the duration, serializing concurrent appends.
func (db *DB) AddArcEvent(ctx context.Context, arcID int64, ev ArcEvent, maxEvents int) (int64, error) {
	if ev.Perspective == "" {
		ev.Perspective = "neutral"
	}
	points, err := json.Marshal(ev.KeyPoints)
	if err != nil {
		return 0, fmt.Errorf("encode key points: %w", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize per-arc appends.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM story_arcs WHERE id = $1 FOR UPDATE`, arcID); err != nil {
		return 0, fmt.Errorf("lock arc %d: %w", arcID, err)
	}

	var eventID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO story_arc_events (
			story_arc_id, event_date, event_summary, key_points,
			source_feed_id, source_episode_id, source_episode_guid, source_name,
			perspective, relevance_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, arcID, ev.EventDate, ev.EventSummary, points,
		ev.SourceFeedID, ev.SourceEpisodeID, ev.SourceEpisodeGUID, ev.SourceName,
		ev.Perspective, ev.RelevanceScore,
	).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("insert arc event: %w", err)
	}

	if maxEvents > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM story_arc_events
			WHERE story_arc_id = $1 AND id NOT IN (
				SELECT id FROM story_arc_events
				WHERE story_arc_id = $1
				ORDER BY event_date DESC, id DESC
				LIMIT $2
			)
		`, arcID, maxEvents)
		if err != nil {
			return 0, fmt.Errorf("prune arc events: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE story_arcs SET
			event_count = (SELECT count(*) FROM story_arc_events WHERE story_arc_id = $1),
			source_count = (SELECT count(DISTINCT source_feed_id) FROM story_arc_events WHERE story_arc_id = $1 AND source_feed_id IS NOT NULL),
			last_updated_at = $2
		WHERE id = $1
	`, arcID, ev.EventDate)
	if err != nil {
		return 0, fmt.Errorf("refresh arc counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return eventID, nil
}

// ActiveArcs returns arcs for a digest topic updated within the retention
// window, newest first, with events eagerly loaded (newest first).
func (db *DB) ActiveArcs(ctx context.Context, digestTopic string, retentionDays int) ([]*StoryArc, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, arc_name, arc_slug, functional_category, digest_topic,
			started_at, last_updated_at, event_count, source_count,
			included_in_digest_id, included_at
		FROM story_arcs
		WHERE digest_topic = $1 AND last_updated_at >= now() - make_interval(days => $2)
		ORDER BY last_updated_at DESC
	`, digestTopic, retentionDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arcs []*StoryArc
	byID := make(map[int64]*StoryArc)
	for rows.Next() {
		var arc StoryArc
		if err := rows.Scan(
			&arc.ID, &arc.ArcName, &arc.ArcSlug, &arc.FunctionalCategory, &arc.DigestTopic,
			&arc.StartedAt, &arc.LastUpdatedAt, &arc.EventCount, &arc.SourceCount,
			&arc.IncludedInDigestID, &arc.IncludedAt,
		); err != nil {
			return nil, err
		}
		arcs = append(arcs, &arc)
		byID[arc.ID] = &arc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(arcs) == 0 {
		return arcs, nil
	}

	ids := make([]int64, 0, len(arcs))
	for id := range byID {
		ids = append(ids, id)
	}
	evRows, err := db.Pool.Query(ctx, `
		SELECT id, story_arc_id, event_date, event_summary, key_points,
			source_feed_id, source_episode_id, source_episode_guid, source_name,
			perspective, relevance_score, extracted_at
		FROM story_arc_events
		WHERE story_arc_id = ANY($1)
		ORDER BY event_date DESC, id DESC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer evRows.Close()

	for evRows.Next() {
		var ev ArcEvent
		var points []byte
		if err := evRows.Scan(
			&ev.ID, &ev.StoryArcID, &ev.EventDate, &ev.EventSummary, &points,
			&ev.SourceFeedID, &ev.SourceEpisodeID, &ev.SourceEpisodeGUID, &ev.SourceName,
			&ev.Perspective, &ev.RelevanceScore, &ev.ExtractedAt,
		); err != nil {
			return nil, err
		}
		if len(points) > 0 {
			if err := json.Unmarshal(points, &ev.KeyPoints); err != nil {
				return nil, fmt.Errorf("decode key points for event %d: %w", ev.ID, err)
			}
		}
		if arc := byID[ev.StoryArcID]; arc != nil {
			arc.Events = append(arc.Events, ev)
		}
	}
	return arcs, evRows.Err()
}

// ArcsForDigest returns active arcs with enough events to be worth
// publishing, best first (event_count desc, source_count desc).
func (db *DB) ArcsForDigest(ctx context.Context, digestTopic string, retentionDays, minEvents int, excludeIncluded bool) ([]*StoryArc, error) {
	query := `
		SELECT id, arc_name, arc_slug, functional_category, digest_topic,
			started_at, last_updated_at, event_count, source_count,
			included_in_digest_id, included_at
		FROM story_arcs
		WHERE digest_topic = $1
		  AND last_updated_at >= now() - make_interval(days => $2)
		  AND event_count >= $3`
	if excludeIncluded {
		query += ` AND included_in_digest_id IS NULL`
	}
	query += ` ORDER BY event_count DESC, source_count DESC`

	rows, err := db.Pool.Query(ctx, query, digestTopic, retentionDays, minEvents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arcs []*StoryArc
	for rows.Next() {
		var arc StoryArc
		if err := rows.Scan(
			&arc.ID, &arc.ArcName, &arc.ArcSlug, &arc.FunctionalCategory, &arc.DigestTopic,
			&arc.StartedAt, &arc.LastUpdatedAt, &arc.EventCount, &arc.SourceCount,
			&arc.IncludedInDigestID, &arc.IncludedAt,
		); err != nil {
			return nil, err
		}
		arcs = append(arcs, &arc)
	}
	return arcs, rows.Err()
}

// MarkArcIncluded records that an arc was published in a digest.
func (db *DB) MarkArcIncluded(ctx context.Context, arcID, digestID int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE story_arcs SET included_in_digest_id = $2, included_at = now()
		WHERE id = $1
	`, arcID, digestID)
	return err
}

// CleanupOldArcs deletes arcs outside the retention window. Events cascade.
func (db *DB) CleanupOldArcs(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM story_arcs
		WHERE last_updated_at < now() - make_interval(days => $1)
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup old arcs: %w", err)
	}
	return tag.RowsAffected(), nil
}
