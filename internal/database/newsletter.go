package database

import (
	"context"
	"fmt"
	"time"
)

// NewsletterIssue is one generated newsletter.
type NewsletterIssue struct {
	ID             int64
	IssueDate      time.Time
	SubjectLine    string
	BigNewsSummary *string
	GeneratedAt    time.Time
	SentAt         *time.Time

	Examples []NewsletterExample
}

// NewsletterExample is one actionable item within an issue.
type NewsletterExample struct {
	ID              int64
	IssueID         int64
	Position        int
	Title           string
	Description     string
	HowToReplicate  string
	WhyUseful       string
	SourceEpisodeID *int64
	SourceTitle     string
	SourceURL       *string
}

// SaveNewsletterIssue persists an issue and its examples atomically.
// Examples are numbered 1..N in the order given.
func (db *DB) SaveNewsletterIssue(ctx context.Context, issue *NewsletterIssue) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var issueID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO newsletter_issues (issue_date, subject_line, big_news_summary)
		VALUES ($1, $2, $3)
		RETURNING id
	`, issue.IssueDate, issue.SubjectLine, issue.BigNewsSummary).Scan(&issueID)
	if err != nil {
		return 0, fmt.Errorf("insert issue: %w", err)
	}

	for i, ex := range issue.Examples {
		_, err = tx.Exec(ctx, `
			INSERT INTO newsletter_examples (
				issue_id, position, title, description, how_to_replicate,
				why_useful, source_episode_id, source_title, source_url
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, issueID, i+1, ex.Title, ex.Description, ex.HowToReplicate,
			ex.WhyUseful, ex.SourceEpisodeID, ex.SourceTitle, ex.SourceURL)
		if err != nil {
			return 0, fmt.Errorf("insert example %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return issueID, nil
}

// GetNewsletterIssue loads an issue with its examples ordered by position.
func (db *DB) GetNewsletterIssue(ctx context.Context, id int64) (*NewsletterIssue, error) {
	var issue NewsletterIssue
	err := db.Pool.QueryRow(ctx, `
		SELECT id, issue_date, subject_line, big_news_summary, generated_at, sent_at
		FROM newsletter_issues WHERE id = $1
	`, id).Scan(&issue.ID, &issue.IssueDate, &issue.SubjectLine, &issue.BigNewsSummary, &issue.GeneratedAt, &issue.SentAt)
	if err != nil {
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id, issue_id, position, title, description, how_to_replicate,
			why_useful, source_episode_id, source_title, source_url
		FROM newsletter_examples
		WHERE issue_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ex NewsletterExample
		if err := rows.Scan(
			&ex.ID, &ex.IssueID, &ex.Position, &ex.Title, &ex.Description, &ex.HowToReplicate,
			&ex.WhyUseful, &ex.SourceEpisodeID, &ex.SourceTitle, &ex.SourceURL,
		); err != nil {
			return nil, err
		}
		issue.Examples = append(issue.Examples, ex)
	}
	return &issue, rows.Err()
}

// MarkIssueSent stamps sent_at on a delivered issue.
func (db *DB) MarkIssueSent(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE newsletter_issues SET sent_at = now() WHERE id = $1`, id)
	return err
}

// PruneNewsletterIssues keeps the newest keepCount issues by
// (issue_date desc, id desc) and deletes the rest atomically. Examples
// cascade; orphaned survey responses are removed in the same transaction.
func (db *DB) PruneNewsletterIssues(ctx context.Context, keepCount int) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM newsletter_issues
		WHERE id NOT IN (
			SELECT id FROM newsletter_issues
			ORDER BY issue_date DESC, id DESC
			LIMIT $1
		)
	`, keepCount)
	if err != nil {
		return 0, fmt.Errorf("prune issues: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM newsletter_survey_responses
		WHERE issue_id NOT IN (SELECT id FROM newsletter_issues)
	`)
	if err != nil {
		return 0, fmt.Errorf("prune orphan survey responses: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return tag.RowsAffected(), nil
}
