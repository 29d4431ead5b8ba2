package database

import (
	"context"
)

// Topic is a configured digest topic.
type Topic struct {
	ID                  int64
	Slug                string
	Name                string
	Description         string
	IsActive            bool
	EnableTopicTracking bool
	SortOrder           int
}

// ActiveTopics returns active topics in display order.
func (db *DB) ActiveTopics(ctx context.Context) ([]Topic, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, slug, name, description, is_active, enable_topic_tracking, sort_order
		FROM topics
		WHERE is_active = true
		ORDER BY sort_order ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.Description, &t.IsActive, &t.EnableTopicTracking, &t.SortOrder); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// Feed is a subscribed episode source.
type Feed struct {
	ID        int64
	SourceURL string
	Title     string
	IsActive  bool
}

// ActiveFeeds returns all active feeds. feedID of 0 means no restriction.
func (db *DB) ActiveFeeds(ctx context.Context, feedID int64) ([]Feed, error) {
	query := `SELECT id, source_url, title, is_active FROM feeds WHERE is_active = true`
	args := []any{}
	if feedID != 0 {
		query += ` AND id = $1`
		args = append(args, feedID)
	}
	query += ` ORDER BY id ASC`

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		var f Feed
		if err := rows.Scan(&f.ID, &f.SourceURL, &f.Title, &f.IsActive); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}
