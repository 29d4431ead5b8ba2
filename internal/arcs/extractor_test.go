package arcs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/llm"
)

type fakeCaller struct {
	lastReq  llm.StructuredRequest
	response string
}

func (f *fakeCaller) Structured(_ context.Context, req llm.StructuredRequest) (json.RawMessage, error) {
	f.lastReq = req
	return json.RawMessage(f.response), nil
}

// fakeStore records applied arcs in memory, keyed by slug.
type fakeStore struct {
	arcs    map[string]*database.StoryArc
	appends []int64
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{arcs: make(map[string]*database.StoryArc)}
}

func (s *fakeStore) GetOrCreateArc(_ context.Context, arcName, digestTopic, category string, initialEvent *database.ArcEvent) (*database.StoryArc, bool, error) {
	slug := database.SlugifyArcName(arcName)
	if arc, ok := s.arcs[slug+"|"+digestTopic]; ok {
		return arc, false, nil
	}
	s.nextID++
	arc := &database.StoryArc{
		ID: s.nextID, ArcName: arcName, ArcSlug: slug,
		FunctionalCategory: category, DigestTopic: digestTopic,
	}
	if initialEvent != nil {
		arc.EventCount = 1
	}
	s.arcs[slug+"|"+digestTopic] = arc
	return arc, true, nil
}

func (s *fakeStore) AddArcEvent(_ context.Context, arcID int64, _ database.ArcEvent, _ int) (int64, error) {
	s.appends = append(s.appends, arcID)
	return int64(len(s.appends)), nil
}

func testSource() EpisodeSource {
	return EpisodeSource{
		FeedID: 1, EpisodeID: 42, EpisodeGUID: "v-aaa",
		SourceName:  "Tech Daily",
		PublishedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Relevance:   0.9,
	}
}

func TestRenderArcsView(t *testing.T) {
	if got := RenderArcsView(nil); got != "(no active arcs)" {
		t.Errorf("empty view = %q", got)
	}

	arc := &database.StoryArc{
		ArcName:            "GPT-5 Development",
		FunctionalCategory: "model_release",
		StartedAt:          time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		LastUpdatedAt:      time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC),
		SourceCount:        2,
		Events: []database.ArcEvent{
			{EventDate: time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC), EventSummary: "Pricing announced"},
			{EventDate: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), EventSummary: "Model released"},
			{EventDate: time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC), EventSummary: "Teaser"},
			{EventDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), EventSummary: "Rumors"},
		},
	}
	view := RenderArcsView([]*database.StoryArc{arc})

	if !strings.Contains(view, "ARC: GPT-5 Development") {
		t.Errorf("view missing arc name header:\n%s", view)
	}
	if !strings.Contains(view, "category: model_release") || !strings.Contains(view, "sources: 2") {
		t.Errorf("view missing metadata line:\n%s", view)
	}
	if !strings.Contains(view, "2026-08-18: Pricing announced") {
		t.Errorf("view missing recent event:\n%s", view)
	}
	if strings.Contains(view, "Rumors") {
		t.Errorf("view should cap events per arc:\n%s", view)
	}
}

func TestExtract_SanitizesEntries(t *testing.T) {
	caller := &fakeCaller{response: `{
		"continuing_arcs": [
			{"arc_name": "  ", "event_summary": "dropped", "key_points": ["x"], "category": "research", "perspective": "neutral"},
			{"arc_name": "Kept", "event_summary": "ok", "key_points": ["a", "", "b", "c", "d", "e"], "category": "nonsense", "perspective": "angry"}
		],
		"new_arcs": []
	}`}
	x := NewExtractor(caller, "gpt-test", zerolog.Nop())

	ex, err := x.Extract(context.Background(), "transcript", "AI and Technology", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(ex.Continuing) != 1 {
		t.Fatalf("got %d continuing entries, want 1 (blank name dropped)", len(ex.Continuing))
	}
	e := ex.Continuing[0]
	if len(e.KeyPoints) != 4 {
		t.Errorf("KeyPoints = %v, want capped at 4 with empties dropped", e.KeyPoints)
	}
	if e.Category != "other" {
		t.Errorf("unknown category = %q, want coerced to other", e.Category)
	}
	if e.Perspective != "neutral" {
		t.Errorf("unknown perspective = %q, want coerced to neutral", e.Perspective)
	}
}

func TestExtract_MultibyteTranscriptCutStaysValidUTF8(t *testing.T) {
	caller := &fakeCaller{response: `{"continuing_arcs": [], "new_arcs": []}`}
	x := NewExtractor(caller, "gpt-test", zerolog.Nop())

	// 8001 bytes; the prompt cut lands inside a 2-byte rune.
	transcript := "x" + strings.Repeat("é", 4000)
	if _, err := x.Extract(context.Background(), transcript, "AI and Technology", nil); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !utf8.ValidString(caller.lastReq.User) {
		t.Error("prompt contains a split rune at the transcript cut")
	}
}

func TestCapEntries(t *testing.T) {
	entry := func(n string) Entry { return Entry{ArcName: n} }
	ex := Extraction{
		Continuing: []Entry{entry("c1"), entry("c2"), entry("c3")},
		New:        []Entry{entry("n1"), entry("n2"), entry("n3")},
	}

	capped := capEntries(ex, 4)
	if len(capped.Continuing) != 3 || len(capped.New) != 1 {
		t.Errorf("cap 4: continuing=%d new=%d, want 3/1 (new dropped first)",
			len(capped.Continuing), len(capped.New))
	}

	capped = capEntries(ex, 2)
	if len(capped.Continuing) != 2 || len(capped.New) != 0 {
		t.Errorf("cap 2: continuing=%d new=%d, want 2/0",
			len(capped.Continuing), len(capped.New))
	}

	capped = capEntries(ex, 10)
	if len(capped.Continuing) != 3 || len(capped.New) != 3 {
		t.Errorf("cap 10 should leave entries untouched")
	}
}

func TestApply_NewArcCreated(t *testing.T) {
	store := newFakeStore()
	x := NewExtractor(nil, "gpt-test", zerolog.Nop())

	ex := Extraction{New: []Entry{{
		ArcName: "GPT-5 Development", EventSummary: "Model X released",
		KeyPoints: []string{"200B params"}, Category: "model_release", Perspective: "neutral",
	}}}
	res, err := x.Apply(context.Background(), store, "AI and Technology", ex, testSource(), 20)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if res.ArcsCreated != 1 || res.EventsAppended != 1 {
		t.Errorf("result = %+v, want 1 arc created with its event", res)
	}
	arc := store.arcs["gpt-5-development|AI and Technology"]
	if arc == nil || arc.FunctionalCategory != "model_release" {
		t.Fatalf("stored arc = %+v", arc)
	}
	if len(store.appends) != 0 {
		t.Errorf("initial event should ride the create, not a separate append")
	}
}

func TestApply_NewArcCollisionBecomesContinuation(t *testing.T) {
	store := newFakeStore()
	existing, _, _ := store.GetOrCreateArc(context.Background(), "OpenAI's GPT-5 Development", "AI and Technology", "model_release", nil)
	x := NewExtractor(nil, "gpt-test", zerolog.Nop())

	ex := Extraction{New: []Entry{{
		ArcName: "OpenAI's GPT 5 development!", EventSummary: "Pricing announced",
		KeyPoints: []string{"$20/mo"}, Category: "model_release", Perspective: "neutral",
	}}}
	res, err := x.Apply(context.Background(), store, "AI and Technology", ex, testSource(), 20)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if res.ArcsCreated != 0 || res.EventsAppended != 1 {
		t.Errorf("result = %+v, want continuation with no new arc", res)
	}
	if len(store.appends) != 1 || store.appends[0] != existing.ID {
		t.Errorf("appends = %v, want one append to arc %d", store.appends, existing.ID)
	}
}

func TestApply_ContinuingWithoutMatchCreates(t *testing.T) {
	store := newFakeStore()
	x := NewExtractor(nil, "gpt-test", zerolog.Nop())

	ex := Extraction{Continuing: []Entry{{
		ArcName: "Brand New Story", EventSummary: "First sighting",
		KeyPoints: []string{"detail"}, Category: "research", Perspective: "analytical",
	}}}
	res, err := x.Apply(context.Background(), store, "AI and Technology", ex, testSource(), 20)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if res.ArcsCreated != 1 {
		t.Errorf("result = %+v, want unmatched continuation created as arc", res)
	}
}
