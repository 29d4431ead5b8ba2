package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EpisodeTopic is a legacy per-episode topic row. New ingestion writes
// these only when topic_tracking.write_episode_topics is enabled; the
// dedup pass still consolidates historical rows.
type EpisodeTopic struct {
	ID               int64
	TopicSlug        string
	TopicName        string
	KeyPoints        []string
	DigestTopic      string
	RelevanceScore   float64
	FirstMentionedAt time.Time
	LastMentionedAt  time.Time
	MentionCount     int
}

// EpisodeTopicsSince returns topic rows for a digest topic first mentioned
// within the window, oldest first.
func (db *DB) EpisodeTopicsSince(ctx context.Context, digestTopic string, since time.Time) ([]*EpisodeTopic, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, topic_slug, topic_name, key_points, digest_topic,
			relevance_score, first_mentioned_at, last_mentioned_at, mention_count
		FROM episode_topics
		WHERE digest_topic = $1 AND first_mentioned_at >= $2
		ORDER BY first_mentioned_at ASC, id ASC
	`, digestTopic, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []*EpisodeTopic
	for rows.Next() {
		var et EpisodeTopic
		var points []byte
		if err := rows.Scan(
			&et.ID, &et.TopicSlug, &et.TopicName, &points, &et.DigestTopic,
			&et.RelevanceScore, &et.FirstMentionedAt, &et.LastMentionedAt, &et.MentionCount,
		); err != nil {
			return nil, err
		}
		if len(points) > 0 {
			if err := json.Unmarshal(points, &et.KeyPoints); err != nil {
				return nil, fmt.Errorf("decode key points for topic %d: %w", et.ID, err)
			}
		}
		topics = append(topics, &et)
	}
	return topics, rows.Err()
}

// UpdateEpisodeTopicKeyPoints replaces a topic row's key points.
func (db *DB) UpdateEpisodeTopicKeyPoints(ctx context.Context, id int64, keyPoints []string) error {
	blob, err := json.Marshal(keyPoints)
	if err != nil {
		return fmt.Errorf("encode key points: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		`UPDATE episode_topics SET key_points = $2, last_mentioned_at = now() WHERE id = $1`,
		id, blob)
	return err
}

// DeleteEpisodeTopics removes duplicate topic rows by id.
func (db *DB) DeleteEpisodeTopics(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `DELETE FROM episode_topics WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertEpisodeTopic inserts or refreshes a topic row keyed by
// (topic_slug, digest_topic), bumping mention_count on conflict.
func (db *DB) UpsertEpisodeTopic(ctx context.Context, et *EpisodeTopic) error {
	blob, err := json.Marshal(et.KeyPoints)
	if err != nil {
		return fmt.Errorf("encode key points: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO episode_topics (topic_slug, topic_name, key_points, digest_topic, relevance_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic_slug, digest_topic) DO UPDATE SET
			last_mentioned_at = now(),
			mention_count = episode_topics.mention_count + 1,
			relevance_score = GREATEST(episode_topics.relevance_score, EXCLUDED.relevance_score)
	`, et.TopicSlug, et.TopicName, blob, et.DigestTopic, et.RelevanceScore)
	return err
}
