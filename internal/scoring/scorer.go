// Package scoring maps episode transcripts onto the configured topic set.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/llm"
)

const (
	// Fraction trimmed from each end of the transcript before scoring.
	// Sponsor reads cluster at the head and tail of episodes.
	adTrimFraction = 0.05
	// Transcripts shorter than this pass through untrimmed.
	adTrimMinChars = 500

	// defaultExcerptChars is how much of the (trimmed) transcript goes
	// into the prompt.
	defaultExcerptChars = 4000

	scoringSystemPrompt = `You rate podcast and video transcripts for relevance to a set of topics.
Score each topic independently on a 0.0-1.0 scale:
  0.0-0.3  not relevant or mentioned only in passing
  0.4-0.6  somewhat relevant, a meaningful segment discusses it
  0.7-0.8  highly relevant, a major focus of the episode
  0.9-1.0  the central subject of the episode
Respond with a score for every topic.`
)

// StructuredCaller is the single LLM operation the scorer needs.
type StructuredCaller interface {
	Structured(ctx context.Context, req llm.StructuredRequest) (json.RawMessage, error)
}

// Result carries the scores plus call metadata.
type Result struct {
	Scores         map[string]float64
	ProcessingTime time.Duration
	Success        bool
}

// Scorer issues one structured relevance call per transcript.
type Scorer struct {
	caller       StructuredCaller
	model        string
	maxTokens    int64
	excerptChars int
	log          zerolog.Logger
}

func NewScorer(caller StructuredCaller, model string, maxTokens int64, log zerolog.Logger) *Scorer {
	return &Scorer{
		caller:       caller,
		model:        model,
		maxTokens:    maxTokens,
		excerptChars: defaultExcerptChars,
		log:          log,
	}
}

// Score maps a transcript onto the active topics. The returned map has
// exactly one entry per topic, each clamped to [0,1].
func (s *Scorer) Score(ctx context.Context, transcript string, topics []database.Topic) (Result, error) {
	start := time.Now()
	if len(topics) == 0 {
		return Result{ProcessingTime: time.Since(start)}, fmt.Errorf("no active topics to score against")
	}

	excerpt := llm.Truncate(TrimAds(transcript), s.excerptChars)

	raw, err := s.caller.Structured(ctx, llm.StructuredRequest{
		Model:      s.model,
		System:     scoringSystemPrompt,
		User:       buildPrompt(excerpt, topics),
		SchemaName: "topic_relevance_scores",
		Schema:     BuildSchema(topics),
		MaxTokens:  s.maxTokens,
		Timeout:    60 * time.Second,
	})
	if err != nil {
		return Result{ProcessingTime: time.Since(start)}, err
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{ProcessingTime: time.Since(start)}, fmt.Errorf("decode scores: %w", err)
	}

	scores := make(map[string]float64, len(topics))
	for _, t := range topics {
		scores[t.Name] = clamp01(decoded[t.Name])
	}

	return Result{
		Scores:         scores,
		ProcessingTime: time.Since(start),
		Success:        true,
	}, nil
}

// TrimAds removes the first and last 5% of the transcript when it is long
// enough to plausibly carry sponsor segments.
func TrimAds(transcript string) string {
	if len(transcript) < adTrimMinChars {
		return transcript
	}
	cut := int(float64(len(transcript)) * adTrimFraction)
	trimmed := llm.Truncate(transcript, len(transcript)-cut)
	start := cut
	for start < len(trimmed) && !utf8.RuneStart(trimmed[start]) {
		start++
	}
	return trimmed[start:]
}

// BuildSchema declares one required numeric property in [0,1] per topic.
func BuildSchema(topics []database.Topic) map[string]any {
	props := make(map[string]any, len(topics))
	required := make([]string, 0, len(topics))
	for _, t := range topics {
		props[t.Name] = map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		}
		required = append(required, t.Name)
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func buildPrompt(excerpt string, topics []database.Topic) string {
	var b strings.Builder
	b.WriteString("Topics:\n")
	for _, t := range topics {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nTranscript excerpt:\n")
	b.WriteString(excerpt)
	return b.String()
}

// clamp01 coerces an arbitrary JSON value to a score in [0,1].
// Non-numeric values become 0.0.
func clamp01(v any) float64 {
	f, ok := v.(float64)
	if !ok {
		return 0.0
	}
	switch {
	case f < 0:
		return 0.0
	case f > 1:
		return 1.0
	}
	return f
}

// IsRelevant reports whether any topic meets the threshold.
func IsRelevant(scores map[string]float64, threshold float64) bool {
	for _, v := range scores {
		if v >= threshold {
			return true
		}
	}
	return false
}

// RelevantTopics returns the topic names meeting the threshold, sorted for
// deterministic downstream processing.
func RelevantTopics(scores map[string]float64, threshold float64) []string {
	var names []string
	for name, v := range scores {
		if v >= threshold {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
