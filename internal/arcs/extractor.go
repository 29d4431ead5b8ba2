// Package arcs extracts story-arc events from scored transcripts and applies
// them to the arc store.
package arcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/llm"
	"github.com/snarg/digest-engine/internal/metrics"
)

const (
	// Prompt-rendering bounds. These shape what the model sees, not what
	// the store retains.
	maxArcsInView       = 15
	eventsPerArcInView  = 3
	transcriptPromptMax = 6000

	// Combined continuing+new entries kept per episode; overflow drops
	// new entries first.
	maxArcsPerEpisode = 5

	extractionSystemPrompt = `You track evolving news narratives ("story arcs") across podcast episodes.
Given the currently active arcs for a topic and a new transcript, decide which
arcs this episode continues and which genuinely new arcs it introduces.
Reference continuing arc names verbatim from the active list. An arc is a
specific ongoing story (a product's rollout, a lawsuit, a company's strategy
shift), not a broad theme. Only report arcs the transcript substantively
discusses. key_points are 1-4 short factual phrases.`
)

// StructuredCaller is the single LLM operation the extractor needs.
type StructuredCaller interface {
	Structured(ctx context.Context, req llm.StructuredRequest) (json.RawMessage, error)
}

// ArcStore is the slice of the database layer the extractor writes through.
type ArcStore interface {
	GetOrCreateArc(ctx context.Context, arcName, digestTopic, category string, initialEvent *database.ArcEvent) (*database.StoryArc, bool, error)
	AddArcEvent(ctx context.Context, arcID int64, ev database.ArcEvent, maxEvents int) (int64, error)
}

// Entry is one arc the model reported, continuing or new.
type Entry struct {
	ArcName      string   `json:"arc_name"`
	EventSummary string   `json:"event_summary"`
	KeyPoints    []string `json:"key_points"`
	Category     string   `json:"category"`
	Perspective  string   `json:"perspective"`
}

// Extraction is the model's decision for one episode and topic.
type Extraction struct {
	Continuing []Entry `json:"continuing_arcs"`
	New        []Entry `json:"new_arcs"`
}

// EpisodeSource identifies the episode an extraction came from.
type EpisodeSource struct {
	FeedID      int64
	EpisodeID   int64
	EpisodeGUID string
	SourceName  string
	PublishedAt time.Time
	Relevance   float64
}

// ApplyResult reports what an extraction changed in the store.
type ApplyResult struct {
	ArcsCreated    int
	EventsAppended int
}

// Extractor issues one structured extraction call per (episode, topic).
type Extractor struct {
	caller StructuredCaller
	model  string
	log    zerolog.Logger
}

func NewExtractor(caller StructuredCaller, model string, log zerolog.Logger) *Extractor {
	return &Extractor{caller: caller, model: model, log: log}
}

// Extract asks the model which active arcs the transcript continues and
// which new arcs it introduces. Entries come back sanitized and capped.
func (x *Extractor) Extract(ctx context.Context, transcript, digestTopic string, activeArcs []*database.StoryArc) (Extraction, error) {
	excerpt := llm.Truncate(transcript, transcriptPromptMax)

	raw, err := x.caller.Structured(ctx, llm.StructuredRequest{
		Model:      x.model,
		System:     extractionSystemPrompt,
		User:       buildPrompt(digestTopic, RenderArcsView(activeArcs), excerpt),
		SchemaName: "story_arc_extraction",
		Schema:     extractionSchema(),
		Timeout:    120 * time.Second,
	})
	if err != nil {
		return Extraction{}, err
	}

	var ex Extraction
	if err := json.Unmarshal(raw, &ex); err != nil {
		return Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}

	ex.Continuing = sanitizeEntries(ex.Continuing)
	ex.New = sanitizeEntries(ex.New)
	return capEntries(ex, maxArcsPerEpisode), nil
}

// Apply writes an extraction to the store. Both entry kinds funnel through
// the idempotent get-or-create: a continuing entry whose name matches no
// existing arc creates one, and a new entry whose slug collides with an
// existing arc becomes a continuation.
func (x *Extractor) Apply(ctx context.Context, store ArcStore, digestTopic string, ex Extraction, src EpisodeSource, maxEventsPerArc int) (ApplyResult, error) {
	var res ApplyResult

	apply := func(e Entry, declaredNew bool) error {
		ev := eventFromEntry(e, src)
		arc, created, err := store.GetOrCreateArc(ctx, e.ArcName, digestTopic, e.Category, &ev)
		if err != nil {
			return fmt.Errorf("arc %q: %w", e.ArcName, err)
		}
		if created {
			res.ArcsCreated++
			res.EventsAppended++
			metrics.ArcsCreatedTotal.Inc()
			metrics.ArcEventsAppendedTotal.Inc()
			if !declaredNew {
				x.log.Info().Str("arc", e.ArcName).Str("topic", digestTopic).
					Msg("continuing arc had no match, created")
			}
			return nil
		}
		if declaredNew {
			x.log.Info().Str("arc", e.ArcName).Str("topic", digestTopic).
				Msg("new arc collides with existing slug, continuing instead")
		}
		if _, err := store.AddArcEvent(ctx, arc.ID, ev, maxEventsPerArc); err != nil {
			return fmt.Errorf("append to arc %q: %w", e.ArcName, err)
		}
		res.EventsAppended++
		metrics.ArcEventsAppendedTotal.Inc()
		return nil
	}

	for _, e := range ex.Continuing {
		if err := apply(e, false); err != nil {
			return res, err
		}
	}
	for _, e := range ex.New {
		if err := apply(e, true); err != nil {
			return res, err
		}
	}
	return res, nil
}

// RenderArcsView formats active arcs as a plain-text block the model can
// reference arc names from verbatim. At most maxArcsInView arcs, each with
// its most recent events.
func RenderArcsView(arcs []*database.StoryArc) string {
	if len(arcs) == 0 {
		return "(no active arcs)"
	}
	if len(arcs) > maxArcsInView {
		arcs = arcs[:maxArcsInView]
	}

	var b strings.Builder
	for _, arc := range arcs {
		fmt.Fprintf(&b, "ARC: %s\n", arc.ArcName)
		fmt.Fprintf(&b, "  category: %s | started: %s | last updated: %s | sources: %d\n",
			arc.FunctionalCategory,
			arc.StartedAt.Format("2006-01-02"),
			arc.LastUpdatedAt.Format("2006-01-02"),
			arc.SourceCount)
		events := arc.Events
		if len(events) > eventsPerArcInView {
			events = events[:eventsPerArcInView]
		}
		for _, ev := range events {
			fmt.Fprintf(&b, "  - %s: %s\n", ev.EventDate.Format("2006-01-02"), ev.EventSummary)
		}
	}
	return b.String()
}

func buildPrompt(digestTopic, arcsView, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nActive story arcs:\n%s\n", digestTopic, arcsView)
	b.WriteString("\nTranscript excerpt:\n")
	b.WriteString(excerpt)
	return b.String()
}

func extractionSchema() map[string]any {
	entry := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"arc_name":      map[string]any{"type": "string"},
			"event_summary": map[string]any{"type": "string"},
			"key_points": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 1,
				"maxItems": 4,
			},
			"category":    map[string]any{"type": "string", "enum": database.FunctionalCategories},
			"perspective": map[string]any{"type": "string", "enum": []string{"positive", "negative", "neutral", "analytical"}},
		},
		"required":             []string{"arc_name", "event_summary", "key_points", "category", "perspective"},
		"additionalProperties": false,
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"continuing_arcs": map[string]any{"type": "array", "items": entry},
			"new_arcs":        map[string]any{"type": "array", "items": entry},
		},
		"required":             []string{"continuing_arcs", "new_arcs"},
		"additionalProperties": false,
	}
}

// sanitizeEntries drops unusable entries and normalizes fields the schema
// cannot fully guarantee.
func sanitizeEntries(entries []Entry) []Entry {
	out := entries[:0]
	for _, e := range entries {
		e.ArcName = strings.TrimSpace(e.ArcName)
		e.EventSummary = strings.TrimSpace(e.EventSummary)
		if e.ArcName == "" || e.EventSummary == "" {
			continue
		}
		var points []string
		for _, p := range e.KeyPoints {
			if p = strings.TrimSpace(p); p != "" {
				points = append(points, p)
			}
		}
		if len(points) == 0 {
			continue
		}
		if len(points) > 4 {
			points = points[:4]
		}
		e.KeyPoints = points
		if !database.ValidCategory(e.Category) {
			e.Category = "other"
		}
		switch e.Perspective {
		case "positive", "negative", "neutral", "analytical":
		default:
			e.Perspective = "neutral"
		}
		out = append(out, e)
	}
	return out
}

// capEntries bounds combined continuing+new at max, dropping new first.
func capEntries(ex Extraction, max int) Extraction {
	total := len(ex.Continuing) + len(ex.New)
	if total <= max {
		return ex
	}
	if keep := max - len(ex.Continuing); keep > 0 {
		ex.New = ex.New[:keep]
	} else {
		ex.New = nil
		ex.Continuing = ex.Continuing[:max]
	}
	return ex
}

func eventFromEntry(e Entry, src EpisodeSource) database.ArcEvent {
	feedID := src.FeedID
	episodeID := src.EpisodeID
	return database.ArcEvent{
		EventDate:         src.PublishedAt,
		EventSummary:      e.EventSummary,
		KeyPoints:         e.KeyPoints,
		SourceFeedID:      &feedID,
		SourceEpisodeID:   &episodeID,
		SourceEpisodeGUID: src.EpisodeGUID,
		SourceName:        src.SourceName,
		Perspective:       e.Perspective,
		RelevanceScore:    src.Relevance,
	}
}
