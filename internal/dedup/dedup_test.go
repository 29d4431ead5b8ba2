package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/semantic"
)

type fakeStore struct {
	topics  []*database.EpisodeTopic
	updates map[int64][]string
}

func newFakeStore(topics ...*database.EpisodeTopic) *fakeStore {
	return &fakeStore{topics: topics, updates: make(map[int64][]string)}
}

func (s *fakeStore) EpisodeTopicsSince(_ context.Context, digestTopic string, _ time.Time) ([]*database.EpisodeTopic, error) {
	var out []*database.EpisodeTopic
	for _, t := range s.topics {
		if t.DigestTopic == digestTopic {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateEpisodeTopicKeyPoints(_ context.Context, id int64, keyPoints []string) error {
	s.updates[id] = keyPoints
	for _, t := range s.topics {
		if t.ID == id {
			t.KeyPoints = keyPoints
		}
	}
	return nil
}

func (s *fakeStore) DeleteEpisodeTopics(_ context.Context, ids []int64) (int64, error) {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []*database.EpisodeTopic
	for _, t := range s.topics {
		if !drop[t.ID] {
			kept = append(kept, t)
		}
	}
	deleted := int64(len(s.topics) - len(kept))
	s.topics = kept
	return deleted, nil
}

// pairGrouper reports fixed id pairs as duplicate groups.
type pairGrouper struct {
	groups [][]int64
}

func (g *pairGrouper) DuplicateGroups(_ context.Context, items []semantic.Item, _ float64) ([][]semantic.Item, error) {
	byID := make(map[int64]semantic.Item)
	for _, it := range items {
		byID[it.ID] = it
	}
	var out [][]semantic.Item
	for _, ids := range g.groups {
		var group []semantic.Item
		for _, id := range ids {
			if it, ok := byID[id]; ok {
				group = append(group, it)
			}
		}
		if len(group) >= 2 {
			out = append(out, group)
		}
	}
	return out, nil
}

func day(d int) time.Time {
	return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
}

func gptTopics() []*database.EpisodeTopic {
	return []*database.EpisodeTopic{
		{ID: 1, TopicName: "GPT-5 launch", DigestTopic: "AI and Technology",
			KeyPoints: []string{"200B params", "multimodal"}, FirstMentionedAt: day(1)},
		{ID: 2, TopicName: "OpenAI releases GPT-5", DigestTopic: "AI and Technology",
			KeyPoints: []string{"available via API", "new pricing"}, FirstMentionedAt: day(2)},
		{ID: 3, TopicName: "GPT-5 release details", DigestTopic: "AI and Technology",
			KeyPoints: []string{"context window", "benchmarks up"}, FirstMentionedAt: day(3)},
	}
}

func TestRun_KeywordConsolidation(t *testing.T) {
	store := newFakeStore(gptTopics()...)
	pass := NewPass(store, &pairGrouper{}, zerolog.Nop())

	report, err := pass.Run(context.Background(), Options{DigestTopic: "AI and Technology", DaysBack: 30})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.KeywordGroups != 1 || report.Deleted != 2 {
		t.Errorf("report = %+v, want one keyword group deleting 2 rows", report)
	}
	if len(store.topics) != 1 || store.topics[0].ID != 1 {
		t.Fatalf("surviving topics = %v, want only the oldest (id 1)", store.topics)
	}

	got := store.topics[0].KeyPoints
	want := []string{"200B params", "multimodal", "available via API", "new pricing", "context window", "benchmarks up"}
	if len(got) != len(want) {
		t.Fatalf("merged key points = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key point %d = %q, want %q (first-occurrence order)", i, got[i], want[i])
		}
	}
}

func TestRun_SemanticPhaseOverLeftovers(t *testing.T) {
	store := newFakeStore(
		&database.EpisodeTopic{ID: 10, TopicName: "Anthropic safety team", DigestTopic: "AI and Technology",
			KeyPoints: []string{"alignment work"}, FirstMentionedAt: day(1)},
		&database.EpisodeTopic{ID: 11, TopicName: "Anthropic alignment group", DigestTopic: "AI and Technology",
			KeyPoints: []string{"interpretability"}, FirstMentionedAt: day(2)},
	)
	pass := NewPass(store, &pairGrouper{groups: [][]int64{{10, 11}}}, zerolog.Nop())

	report, err := pass.Run(context.Background(), Options{DigestTopic: "AI and Technology"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.KeywordGroups != 0 {
		t.Errorf("no keyword phrases here, KeywordGroups = %d", report.KeywordGroups)
	}
	if report.SemanticGroups != 1 || report.Deleted != 1 {
		t.Errorf("report = %+v, want one semantic group deleting 1 row", report)
	}
	if len(store.topics) != 1 || store.topics[0].ID != 10 {
		t.Errorf("surviving topics = %v, want oldest (id 10)", store.topics)
	}
}

func TestRun_DryRunDoesNotMutate(t *testing.T) {
	store := newFakeStore(gptTopics()...)
	pass := NewPass(store, &pairGrouper{}, zerolog.Nop())

	report, err := pass.Run(context.Background(), Options{DigestTopic: "AI and Technology", DryRun: true})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Deleted != 2 || report.KeyPointsAdded == 0 {
		t.Errorf("dry-run report = %+v, want counts computed", report)
	}
	if len(store.topics) != 3 || len(store.updates) != 0 {
		t.Errorf("dry run mutated the store: %d topics, %d updates", len(store.topics), len(store.updates))
	}
}

func TestRun_Idempotent(t *testing.T) {
	store := newFakeStore(gptTopics()...)
	pass := NewPass(store, &pairGrouper{}, zerolog.Nop())

	if _, err := pass.Run(context.Background(), Options{DigestTopic: "AI and Technology"}); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	report, err := pass.Run(context.Background(), Options{DigestTopic: "AI and Technology"})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if report.Deleted != 0 || report.KeyPointsAdded != 0 {
		t.Errorf("second run report = %+v, want nothing to do", report)
	}
}

func TestMergeKeyPoints(t *testing.T) {
	dups := []*database.EpisodeTopic{
		{KeyPoints: []string{"ALPHA", "beta", "gamma"}},
		{KeyPoints: []string{"delta", "epsilon"}},
	}
	merged, added := MergeKeyPoints([]string{"alpha", "beta"}, dups)
	if len(merged) != 5 || added != 3 {
		t.Fatalf("merged = %v added = %d, want case-insensitive dedup", merged, added)
	}

	full := []string{"1", "2", "3", "4", "5", "6"}
	merged, added = MergeKeyPoints(full, dups)
	if len(merged) != 6 || added != 0 {
		t.Errorf("full canonical should accept nothing, merged = %v added = %d", merged, added)
	}

	merged, _ = MergeKeyPoints([]string{"a"}, []*database.EpisodeTopic{
		{KeyPoints: []string{"b", "c", "d", "e", "f", "g", "h"}},
	})
	if len(merged) != maxKeyPoints {
		t.Errorf("merged length = %d, want hard cap %d", len(merged), maxKeyPoints)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		et   *database.EpisodeTopic
		want string
	}{
		{"name_match", &database.EpisodeTopic{TopicName: "GPT-5 Launch Week"}, "model_release"},
		{"key_point_match", &database.EpisodeTopic{TopicName: "Courtroom news", KeyPoints: []string{"antitrust hearing set"}}, "regulation"},
		{"no_match", &database.EpisodeTopic{TopicName: "Misc chatter", KeyPoints: []string{"nothing specific"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.et); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
