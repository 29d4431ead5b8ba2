// Package newsletter turns recent high-scoring transcripts into a structured
// issue: an optional headline item plus a capped set of actionable examples.
package newsletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/llm"
)

const (
	// Episodes feeding an issue: scored at least this high on the digest
	// topic, within the window, top candidates by score.
	digestTopicName = "AI and Technology"
	minTopicScore   = 0.7
	maxCandidates   = 20

	// Only the best candidates make it into the prompt, each truncated.
	promptEpisodes      = 10
	transcriptCharLimit = 8000

	maxExamples = 5

	// Issues retained after each save.
	keepIssues = 20

	DefaultDays = 7

	selectionSystemPrompt = `You curate a practical AI newsletter from podcast transcripts.
Select up to 5 concrete, replicable examples of people using AI: real
workflows, tools, and techniques a reader could try. For each, explain what
it is, how to replicate it, and why it is useful. If the transcripts carry
one genuinely major piece of AI news, summarize it as big_news; otherwise
set big_news to null. Set source_episode_id to the id of the episode each
example came from.`
)

// StructuredCaller is the single LLM operation the selector needs.
type StructuredCaller interface {
	Structured(ctx context.Context, req llm.StructuredRequest) (json.RawMessage, error)
}

// Store is the slice of the database layer the selector reads and writes.
type Store interface {
	RecentRelevantEpisodes(ctx context.Context, topic string, minScore float64, since time.Time, limit int) ([]*database.Episode, error)
	SaveNewsletterIssue(ctx context.Context, issue *database.NewsletterIssue) (int64, error)
	PruneNewsletterIssues(ctx context.Context, keepCount int) (int64, error)
}

type selection struct {
	BigNews  *string `json:"big_news"`
	Examples []struct {
		Title           string `json:"title"`
		Description     string `json:"description"`
		HowToReplicate  string `json:"how_to_replicate"`
		WhyUseful       string `json:"why_useful"`
		SourceEpisodeID int64  `json:"source_episode_id"`
	} `json:"examples"`
}

// Selector generates one newsletter issue per invocation.
type Selector struct {
	store  Store
	caller StructuredCaller
	model  string
	log    zerolog.Logger
}

func NewSelector(store Store, caller StructuredCaller, model string, log zerolog.Logger) *Selector {
	return &Selector{store: store, caller: caller, model: model, log: log}
}

// Generate builds an issue from episodes scored in the last days. In
// dry-run mode the issue is returned without being persisted. After a
// save, retention prunes issues beyond the keep count.
func (s *Selector) Generate(ctx context.Context, days int, dryRun bool) (*database.NewsletterIssue, error) {
	if days <= 0 {
		days = DefaultDays
	}
	since := time.Now().AddDate(0, 0, -days)

	episodes, err := s.store.RecentRelevantEpisodes(ctx, digestTopicName, minTopicScore, since, maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("load candidate episodes: %w", err)
	}
	if len(episodes) == 0 {
		return nil, fmt.Errorf("no episodes scored >= %.1f on %q in the last %d days", minTopicScore, digestTopicName, days)
	}

	raw, err := s.caller.Structured(ctx, llm.StructuredRequest{
		Model:      s.model,
		System:     selectionSystemPrompt,
		User:       buildPrompt(episodes),
		SchemaName: "newsletter_selection",
		Schema:     selectionSchema(),
		Timeout:    120 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var sel selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	if len(sel.Examples) > maxExamples {
		sel.Examples = sel.Examples[:maxExamples]
	}

	issue := buildIssue(sel, episodes)
	if dryRun {
		s.log.Info().Int("examples", len(issue.Examples)).Bool("big_news", issue.BigNewsSummary != nil).
			Msg("dry run, issue not persisted")
		return issue, nil
	}

	issueID, err := s.store.SaveNewsletterIssue(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("save issue: %w", err)
	}
	issue.ID = issueID

	pruned, err := s.store.PruneNewsletterIssues(ctx, keepIssues)
	if err != nil {
		return nil, fmt.Errorf("prune old issues: %w", err)
	}
	if pruned > 0 {
		s.log.Info().Int64("pruned", pruned).Msg("removed old newsletter issues")
	}
	return issue, nil
}

func buildIssue(sel selection, episodes []*database.Episode) *database.NewsletterIssue {
	byID := make(map[int64]*database.Episode, len(episodes))
	for _, e := range episodes {
		byID[e.ID] = e
	}

	issue := &database.NewsletterIssue{
		IssueDate:      time.Now(),
		BigNewsSummary: sel.BigNews,
		SubjectLine:    SubjectLine(sel.BigNews != nil, len(sel.Examples)),
	}
	for _, ex := range sel.Examples {
		row := database.NewsletterExample{
			Title:          ex.Title,
			Description:    ex.Description,
			HowToReplicate: ex.HowToReplicate,
			WhyUseful:      ex.WhyUseful,
		}
		if src, ok := byID[ex.SourceEpisodeID]; ok {
			id := src.ID
			row.SourceEpisodeID = &id
			row.SourceTitle = src.Title
			row.SourceURL = src.ContentURL
		}
		issue.Examples = append(issue.Examples, row)
	}
	return issue
}

// SubjectLine is a pure function of what the selection produced, so reruns
// over the same content title identically.
func SubjectLine(hasBigNews bool, exampleCount int) string {
	switch {
	case hasBigNews && exampleCount > 0:
		return fmt.Sprintf("AI this week: big news + %d things people are actually doing", exampleCount)
	case hasBigNews:
		return "AI this week: the big story"
	case exampleCount > 0:
		return fmt.Sprintf("AI this week: %d things people are actually doing", exampleCount)
	default:
		return "AI this week"
	}
}

func buildPrompt(episodes []*database.Episode) string {
	if len(episodes) > promptEpisodes {
		episodes = episodes[:promptEpisodes]
	}
	var b strings.Builder
	for _, e := range episodes {
		fmt.Fprintf(&b, "=== Episode %d: %s (published %s)\n", e.ID, e.Title, e.PublishedAt.Format("2006-01-02"))
		if e.Transcript != nil {
			b.WriteString(llm.Truncate(*e.Transcript, transcriptCharLimit))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func selectionSchema() map[string]any {
	example := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":             map[string]any{"type": "string"},
			"description":       map[string]any{"type": "string"},
			"how_to_replicate":  map[string]any{"type": "string"},
			"why_useful":        map[string]any{"type": "string"},
			"source_episode_id": map[string]any{"type": "integer"},
		},
		"required":             []string{"title", "description", "how_to_replicate", "why_useful", "source_episode_id"},
		"additionalProperties": false,
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"big_news": map[string]any{"type": []string{"string", "null"}},
			"examples": map[string]any{
				"type":     "array",
				"items":    example,
				"maxItems": maxExamples,
			},
		},
		"required":             []string{"big_news", "examples"},
		"additionalProperties": false,
	}
}
