// Package dedup consolidates near-duplicate episode topic rows: first by a
// fixed keyword table mapping phrases to functional categories, then by
// embedding similarity over the leftovers.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/semantic"
)

// Merged topics keep at most this many key points.
const maxKeyPoints = 6

const DefaultSimilarityThreshold = 0.80

// categoryKeywords maps functional categories to the phrases that mark a
// topic as belonging to them. Matched against topic names and key points,
// case-insensitive.
var categoryKeywords = map[string][]string{
	"model_release":    {"launch", "release", "unveil", "introduces", "ships", "rollout", "new model", "new version"},
	"company_strategy": {"strategy", "pivot", "restructur", "layoff", "roadmap", "acquisition", "acquires"},
	"research":         {"paper", "study", "research", "benchmark", "breakthrough", "finding"},
	"regulation":       {"regulation", "regulator", "lawsuit", "legislation", "compliance", "antitrust", "ban"},
	"product_launch":   {"product launch", "now available", "general availability", "beta", "early access"},
	"partnership":      {"partnership", "partners with", "collaboration", "teams up", "joint venture", "deal with"},
	"controversy":      {"controversy", "backlash", "criticism", "scandal", "outcry", "dispute"},
	"industry_trend":   {"trend", "adoption", "market share", "industry shift", "growing use"},
	"technique":        {"technique", "method", "approach", "prompting", "fine-tuning", "workflow"},
	"use_case":         {"use case", "how to", "real-world", "application of", "case study"},
}

// TopicStore is the slice of the database layer the pass reads and mutates.
type TopicStore interface {
	EpisodeTopicsSince(ctx context.Context, digestTopic string, since time.Time) ([]*database.EpisodeTopic, error)
	UpdateEpisodeTopicKeyPoints(ctx context.Context, id int64, keyPoints []string) error
	DeleteEpisodeTopics(ctx context.Context, ids []int64) (int64, error)
}

// Grouper finds duplicate groups by embedding similarity.
type Grouper interface {
	DuplicateGroups(ctx context.Context, items []semantic.Item, threshold float64) ([][]semantic.Item, error)
}

// Options tune one run of the pass.
type Options struct {
	DigestTopic         string
	DaysBack            int
	SimilarityThreshold float64
	DryRun              bool
}

// Report summarizes what a run did (or, in dry-run mode, would do).
type Report struct {
	TopicsExamined int
	KeywordGroups  int
	SemanticGroups int
	Deleted        int
	KeyPointsAdded int
	Errors         []error
}

// Pass is the consolidation job.
type Pass struct {
	store   TopicStore
	grouper Grouper
	log     zerolog.Logger
}

func NewPass(store TopicStore, grouper Grouper, log zerolog.Logger) *Pass {
	return &Pass{store: store, grouper: grouper, log: log}
}

// Run executes both phases for one digest topic. Per-group errors are
// collected in the report; only store-level read failures abort the run.
// Running the pass twice in a row leaves the second run with nothing to do.
func (p *Pass) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.DaysBack <= 0 {
		opts.DaysBack = 30
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}

	since := time.Now().AddDate(0, 0, -opts.DaysBack)
	topics, err := p.store.EpisodeTopicsSince(ctx, opts.DigestTopic, since)
	if err != nil {
		return Report{}, fmt.Errorf("load topics: %w", err)
	}

	report := Report{TopicsExamined: len(topics)}
	matched := make(map[int64]bool)

	// Phase 1: keyword grouping by functional category.
	for _, group := range keywordGroups(topics) {
		report.KeywordGroups++
		if err := p.mergeGroup(ctx, group, opts.DryRun, &report); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		for _, topic := range group {
			matched[topic.ID] = true
		}
	}

	// Phase 2: semantic grouping over the leftovers.
	var leftovers []*database.EpisodeTopic
	items := make([]semantic.Item, 0)
	byID := make(map[int64]*database.EpisodeTopic)
	for _, topic := range topics {
		if matched[topic.ID] {
			continue
		}
		leftovers = append(leftovers, topic)
		byID[topic.ID] = topic
		items = append(items, semantic.Item{
			ID:               topic.ID,
			Name:             topic.TopicName,
			KeyPoints:        topic.KeyPoints,
			DigestTopic:      topic.DigestTopic,
			FirstMentionedAt: topic.FirstMentionedAt,
			MentionCount:     topic.MentionCount,
		})
	}
	if len(leftovers) < 2 {
		return report, nil
	}

	groups, err := p.grouper.DuplicateGroups(ctx, items, opts.SimilarityThreshold)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("semantic grouping: %w", err))
		return report, nil
	}
	for _, g := range groups {
		report.SemanticGroups++
		rows := make([]*database.EpisodeTopic, 0, len(g))
		for _, it := range g {
			rows = append(rows, byID[it.ID])
		}
		if err := p.mergeGroup(ctx, rows, opts.DryRun, &report); err != nil {
			report.Errors = append(report.Errors, err)
		}
	}
	return report, nil
}

// keywordGroups buckets topics by the functional category their name or key
// points match, keeping only buckets with duplicates. Order follows first
// appearance so the oldest row stays first.
func keywordGroups(topics []*database.EpisodeTopic) [][]*database.EpisodeTopic {
	buckets := make(map[string][]*database.EpisodeTopic)
	var order []string
	for _, topic := range topics {
		cat := classify(topic)
		if cat == "" {
			continue
		}
		if _, seen := buckets[cat]; !seen {
			order = append(order, cat)
		}
		buckets[cat] = append(buckets[cat], topic)
	}

	var groups [][]*database.EpisodeTopic
	for _, cat := range order {
		if g := buckets[cat]; len(g) >= 2 {
			groups = append(groups, g)
		}
	}
	return groups
}

// classify returns the first functional category whose keywords appear in
// the topic's name or key points, or "" when none match. Iterates the
// closed category list so the result is deterministic.
func classify(topic *database.EpisodeTopic) string {
	haystack := strings.ToLower(topic.TopicName)
	for _, p := range topic.KeyPoints {
		haystack += " " + strings.ToLower(p)
	}
	for _, cat := range database.FunctionalCategories {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(haystack, kw) {
				return cat
			}
		}
	}
	return ""
}

// mergeGroup folds duplicates into the group's first (oldest) row: key
// points are extended with unique points from the duplicates up to the cap,
// then the duplicates are deleted.
func (p *Pass) mergeGroup(ctx context.Context, group []*database.EpisodeTopic, dryRun bool, report *Report) error {
	if len(group) < 2 {
		return nil
	}
	canonical, dups := group[0], group[1:]

	merged, added := MergeKeyPoints(canonical.KeyPoints, dups)
	dupIDs := make([]int64, len(dups))
	for i, d := range dups {
		dupIDs[i] = d.ID
	}

	p.log.Info().
		Str("canonical", canonical.TopicName).
		Int64("canonical_id", canonical.ID).
		Ints64("duplicates", dupIDs).
		Int("key_points_added", added).
		Bool("dry_run", dryRun).
		Msg("consolidating topic group")

	report.KeyPointsAdded += added
	report.Deleted += len(dupIDs)
	if dryRun {
		return nil
	}

	if added > 0 {
		if err := p.store.UpdateEpisodeTopicKeyPoints(ctx, canonical.ID, merged); err != nil {
			return fmt.Errorf("update %q: %w", canonical.TopicName, err)
		}
	}
	if _, err := p.store.DeleteEpisodeTopics(ctx, dupIDs); err != nil {
		return fmt.Errorf("delete duplicates of %q: %w", canonical.TopicName, err)
	}
	return nil
}

// MergeKeyPoints extends existing with unique points drawn from the
// duplicates in order, case-insensitive, hard-capped at maxKeyPoints.
// Returns the merged list and how many points were added.
func MergeKeyPoints(existing []string, dups []*database.EpisodeTopic) ([]string, int) {
	merged := make([]string, 0, maxKeyPoints)
	seen := make(map[string]bool)
	for _, point := range existing {
		if len(merged) == maxKeyPoints {
			break
		}
		key := strings.ToLower(strings.TrimSpace(point))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, point)
	}

	added := 0
	for _, d := range dups {
		for _, point := range d.KeyPoints {
			if len(merged) == maxKeyPoints {
				return merged, added
			}
			key := strings.ToLower(strings.TrimSpace(point))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, point)
			added++
		}
	}
	return merged, added
}
