package semantic

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeEmbedder hands out canned vectors keyed by the embedded text and
// counts calls so cache behavior is observable.
type fakeEmbedder struct {
	vectors map[string][]float64
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, text string) ([]float64, error) {
	f.calls++
	vec, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return vec, nil
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1.0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0.0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1.0},
		{"zero_norm", []float64{0, 0}, []float64{1, 2}, 0.0},
		{"length_mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestItemEmbedText(t *testing.T) {
	it := Item{Name: "GPT-5 launch", KeyPoints: []string{"200B params", "available now"}}
	want := "GPT-5 launch. 200B params. available now"
	if got := it.EmbedText(); got != want {
		t.Errorf("EmbedText() = %q, want %q", got, want)
	}
}

func TestEmbeddingCaching(t *testing.T) {
	fe := &fakeEmbedder{vectors: map[string][]float64{"hello": {1, 0}}}
	m := NewMatcher(fe, "test-model", zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := m.Embedding(context.Background(), "hello"); err != nil {
			t.Fatalf("Embedding() error: %v", err)
		}
	}
	if fe.calls != 1 {
		t.Errorf("embedder called %d times, want 1 (cache)", fe.calls)
	}
}

func TestFindMatch(t *testing.T) {
	fe := &fakeEmbedder{vectors: map[string][]float64{
		"candidate": {1, 0, 0},
		"close":     {0.95, 0.3122, 0}, // cos ≈ 0.95
		"far":       {0, 1, 0},
		"closest":   {1, 0.05, 0}, // cos ≈ 0.9988
	}}
	m := NewMatcher(fe, "test-model", zerolog.Nop())

	existing := []Item{
		{ID: 1, Name: "close", DigestTopic: "ai"},
		{ID: 2, Name: "far", DigestTopic: "ai"},
		{ID: 3, Name: "closest", DigestTopic: "ai"},
	}
	match, err := m.FindMatch(context.Background(), Item{Name: "candidate"}, existing, "ai", 0.9)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if match == nil || match.Item.ID != 3 {
		t.Fatalf("FindMatch() = %+v, want item 3 (highest similarity)", match)
	}

	match, err = m.FindMatch(context.Background(), Item{Name: "candidate"}, existing, "other-topic", 0.9)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if match != nil {
		t.Errorf("FindMatch() restricted to other-topic = %+v, want nil", match)
	}

	match, err = m.FindMatch(context.Background(), Item{Name: "candidate"}, existing, "ai", 0.9999)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if match != nil {
		t.Errorf("FindMatch() above all similarities = %+v, want nil", match)
	}
}

func TestDuplicateGroups(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
	}
	fe := &fakeEmbedder{vectors: map[string][]float64{
		"a1": {1, 0, 0},
		"a2": {0.99, 0.141, 0},
		"a3": {0.98, 0.199, 0},
		"b1": {0, 1, 0},
		"b2": {0.141, 0.99, 0},
		"c1": {0, 0, 1},
	}}
	m := NewMatcher(fe, "test-model", zerolog.Nop())

	items := []Item{
		{ID: 1, Name: "a2", FirstMentionedAt: day(3), MentionCount: 1},
		{ID: 2, Name: "a1", FirstMentionedAt: day(1), MentionCount: 2},
		{ID: 3, Name: "b1", FirstMentionedAt: day(2), MentionCount: 1},
		{ID: 4, Name: "c1", FirstMentionedAt: day(2), MentionCount: 1},
		{ID: 5, Name: "b2", FirstMentionedAt: day(2), MentionCount: 5},
		{ID: 6, Name: "a3", FirstMentionedAt: day(2), MentionCount: 3},
	}

	groups, err := m.DuplicateGroups(context.Background(), items, 0.95)
	if err != nil {
		t.Fatalf("DuplicateGroups() error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 (singleton c1 excluded)", len(groups))
	}

	var aGroup, bGroup []Item
	for _, g := range groups {
		switch len(g) {
		case 3:
			aGroup = g
		case 2:
			bGroup = g
		}
	}
	if aGroup == nil || bGroup == nil {
		t.Fatalf("unexpected group sizes: %d and %d", len(groups[0]), len(groups[1]))
	}
	// Canonical first: oldest first_mentioned_at wins.
	if aGroup[0].ID != 2 {
		t.Errorf("a-group canonical = item %d, want 2 (oldest)", aGroup[0].ID)
	}
	// Same date: higher mention_count wins.
	if bGroup[0].ID != 5 {
		t.Errorf("b-group canonical = item %d, want 5 (same date, more mentions)", bGroup[0].ID)
	}
}

func TestDuplicateGroups_TooFewItems(t *testing.T) {
	m := NewMatcher(&fakeEmbedder{}, "test-model", zerolog.Nop())
	groups, err := m.DuplicateGroups(context.Background(), []Item{{Name: "only"}}, 0.8)
	if err != nil {
		t.Fatalf("DuplicateGroups() error: %v", err)
	}
	if groups != nil {
		t.Errorf("DuplicateGroups() = %v, want nil", groups)
	}
}
