package newsletter

import (
	"context"
	"encoding/json"
	"errors"
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

type fakeStore struct {
	episodes []*database.Episode
	saved    *database.NewsletterIssue
	pruned   int

	issues map[int64]*database.NewsletterIssue
	sent   []int64
}

func (s *fakeStore) RecentRelevantEpisodes(context.Context, string, float64, time.Time, int) ([]*database.Episode, error) {
	return s.episodes, nil
}

func (s *fakeStore) SaveNewsletterIssue(_ context.Context, issue *database.NewsletterIssue) (int64, error) {
	s.saved = issue
	for i := range issue.Examples {
		issue.Examples[i].Position = i + 1
	}
	return 7, nil
}

func (s *fakeStore) PruneNewsletterIssues(_ context.Context, keepCount int) (int64, error) {
	s.pruned = keepCount
	return 0, nil
}

func (s *fakeStore) GetNewsletterIssue(_ context.Context, id int64) (*database.NewsletterIssue, error) {
	issue, ok := s.issues[id]
	if !ok {
		return nil, errors.New("no such issue")
	}
	return issue, nil
}

func (s *fakeStore) MarkIssueSent(_ context.Context, id int64) error {
	s.sent = append(s.sent, id)
	return nil
}

type fakeMailer struct {
	sends   int
	subject string
	err     error
}

func (m *fakeMailer) Send(_ context.Context, subject, _ string) error {
	m.sends++
	m.subject = subject
	return m.err
}

func strPtr(s string) *string { return &s }

func testEpisodes() []*database.Episode {
	long := strings.Repeat("transcript ", 1000)
	return []*database.Episode{
		{ID: 42, Title: "Coding with agents", PublishedAt: time.Now(),
			Transcript: &long, ContentURL: strPtr("https://example.com/42")},
		{ID: 43, Title: "Prompting deep dive", PublishedAt: time.Now(), Transcript: &long},
	}
}

func TestGenerate_BuildsIssueWithSources(t *testing.T) {
	store := &fakeStore{episodes: testEpisodes()}
	caller := &fakeCaller{response: `{
		"big_news": "GPT-5 shipped.",
		"examples": [
			{"title": "Agentic refactors", "description": "desc", "how_to_replicate": "steps", "why_useful": "speed", "source_episode_id": 42},
			{"title": "Unknown source", "description": "desc", "how_to_replicate": "steps", "why_useful": "w", "source_episode_id": 999}
		]
	}`}
	sel := NewSelector(store, caller, "gpt-test", zerolog.Nop())

	issue, err := sel.Generate(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if issue.ID != 7 || store.saved == nil {
		t.Fatalf("issue not persisted: %+v", issue)
	}
	if store.pruned != keepIssues {
		t.Errorf("retention pruned to %d, want %d", store.pruned, keepIssues)
	}
	if issue.SubjectLine != SubjectLine(true, 2) {
		t.Errorf("subject = %q", issue.SubjectLine)
	}

	ex := issue.Examples[0]
	if ex.SourceTitle != "Coding with agents" || ex.SourceURL == nil || *ex.SourceURL != "https://example.com/42" {
		t.Errorf("source not attached: %+v", ex)
	}
	if issue.Examples[1].SourceEpisodeID != nil {
		t.Errorf("unknown source_episode_id should stay unattached: %+v", issue.Examples[1])
	}
}

func TestGenerate_TruncatesTranscriptsInPrompt(t *testing.T) {
	store := &fakeStore{episodes: testEpisodes()}
	caller := &fakeCaller{response: `{"big_news": null, "examples": []}`}
	sel := NewSelector(store, caller, "gpt-test", zerolog.Nop())

	if _, err := sel.Generate(context.Background(), 7, true); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	// Two episodes, each capped at the transcript limit plus headers.
	if len(caller.lastReq.User) > 2*transcriptCharLimit+500 {
		t.Errorf("prompt is %d chars, transcripts not truncated", len(caller.lastReq.User))
	}
	if !strings.Contains(caller.lastReq.User, "Episode 42: Coding with agents") {
		t.Error("prompt missing episode header")
	}
}

func TestGenerate_MultibyteTranscriptCutStaysValidUTF8(t *testing.T) {
	// Past the limit in 2-byte runes, with the cut landing mid-rune.
	long := "x" + strings.Repeat("é", transcriptCharLimit)
	store := &fakeStore{episodes: []*database.Episode{
		{ID: 50, Title: "Résumé screening with LLMs", PublishedAt: time.Now(), Transcript: &long},
	}}
	caller := &fakeCaller{response: `{"big_news": null, "examples": []}`}
	sel := NewSelector(store, caller, "gpt-test", zerolog.Nop())

	if _, err := sel.Generate(context.Background(), 7, true); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !utf8.ValidString(caller.lastReq.User) {
		t.Error("prompt contains a split rune at the transcript cut")
	}
}

func TestGenerate_DryRunDoesNotPersist(t *testing.T) {
	store := &fakeStore{episodes: testEpisodes()}
	caller := &fakeCaller{response: `{"big_news": null, "examples": []}`}
	sel := NewSelector(store, caller, "gpt-test", zerolog.Nop())

	issue, err := sel.Generate(context.Background(), 7, true)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if store.saved != nil || issue.ID != 0 {
		t.Errorf("dry run persisted the issue")
	}
}

func TestGenerate_NoCandidates(t *testing.T) {
	sel := NewSelector(&fakeStore{}, &fakeCaller{}, "gpt-test", zerolog.Nop())
	if _, err := sel.Generate(context.Background(), 7, false); err == nil {
		t.Error("expected error with no candidate episodes")
	}
}

func TestSubjectLine(t *testing.T) {
	tests := []struct {
		hasBigNews bool
		count      int
		want       string
	}{
		{true, 3, "AI this week: big news + 3 things people are actually doing"},
		{true, 0, "AI this week: the big story"},
		{false, 5, "AI this week: 5 things people are actually doing"},
		{false, 0, "AI this week"},
	}
	for _, tt := range tests {
		if got := SubjectLine(tt.hasBigNews, tt.count); got != tt.want {
			t.Errorf("SubjectLine(%v, %d) = %q, want %q", tt.hasBigNews, tt.count, got, tt.want)
		}
	}
}

func TestSend(t *testing.T) {
	issue := &database.NewsletterIssue{
		ID: 7, SubjectLine: "AI this week",
		BigNewsSummary: strPtr("Something big."),
		Examples: []database.NewsletterExample{
			{Position: 1, Title: "Agentic refactors", Description: "d", HowToReplicate: "h",
				SourceTitle: "Coding with agents", SourceURL: strPtr("https://example.com/42")},
		},
	}
	store := &fakeStore{issues: map[int64]*database.NewsletterIssue{7: issue}}
	mailer := &fakeMailer{}
	sender := NewSender(store, mailer, zerolog.Nop())

	if err := sender.Send(context.Background(), 7, false); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if mailer.sends != 1 || mailer.subject != "AI this week" {
		t.Errorf("mailer = %+v", mailer)
	}
	if len(store.sent) != 1 || store.sent[0] != 7 {
		t.Errorf("sent stamps = %v", store.sent)
	}
}

func TestSend_DryRunAndAlreadySent(t *testing.T) {
	now := time.Now()
	store := &fakeStore{issues: map[int64]*database.NewsletterIssue{
		1: {ID: 1, SubjectLine: "s"},
		2: {ID: 2, SubjectLine: "s", SentAt: &now},
	}}
	mailer := &fakeMailer{}
	sender := NewSender(store, mailer, zerolog.Nop())

	if err := sender.Send(context.Background(), 1, true); err != nil {
		t.Fatalf("dry-run Send() error: %v", err)
	}
	if mailer.sends != 0 || len(store.sent) != 0 {
		t.Error("dry run delivered or stamped")
	}

	if err := sender.Send(context.Background(), 2, false); err == nil {
		t.Error("already-sent issue should be refused")
	}
}

func TestRenderBody(t *testing.T) {
	body := RenderBody(&database.NewsletterIssue{
		BigNewsSummary: strPtr("GPT-5 shipped."),
		Examples: []database.NewsletterExample{
			{Position: 1, Title: "T", Description: "D", HowToReplicate: "H", WhyUseful: "W", SourceTitle: "S"},
		},
	})
	for _, want := range []string{"THE BIG STORY", "GPT-5 shipped.", "1. T", "How to try it: H", "Why it matters: W", "From: S"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}
