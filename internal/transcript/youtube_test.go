package transcript

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newCaptionServer(t *testing.T, handler http.HandlerFunc) *YouTubeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	yt := NewYouTubeClient(0, zerolog.Nop())
	yt.baseURL = srv.URL
	return yt
}

func TestYouTubeAcquire_PrefersManualEnglish(t *testing.T) {
	yt := newCaptionServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") == "list" {
			fmt.Fprint(w, `<transcript_list>
				<track lang_code="en" kind="asr"/>
				<track lang_code="en"/>
				<track lang_code="de"/>
			</transcript_list>`)
			return
		}
		if q.Get("lang") != "en" || q.Get("kind") != "" {
			t.Errorf("fetched track lang=%q kind=%q, want manual en", q.Get("lang"), q.Get("kind"))
		}
		fmt.Fprint(w, `<transcript>
			<text start="0" dur="2">Hello &amp; welcome</text>
			<text start="2" dur="3">to the show</text>
		</transcript>`)
	})

	out := yt.Acquire(context.Background(), Request{EpisodeGUID: "AAAAAAAAAAA"})
	if out.Kind != OutcomeOK {
		t.Fatalf("Kind = %v, reason %q; want OK", out.Kind, out.Reason)
	}
	if out.Text != "Hello & welcome to the show" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.AutoGenerated {
		t.Error("AutoGenerated = true for a manual track")
	}
	if out.WordCount != 6 {
		t.Errorf("WordCount = %d, want 6", out.WordCount)
	}
}

func TestYouTubeAcquire_NonEnglishAutoOnly(t *testing.T) {
	yt := newCaptionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") == "list" {
			fmt.Fprint(w, `<transcript_list><track lang_code="ja" kind="asr"/></transcript_list>`)
			return
		}
		fmt.Fprint(w, `<transcript><text>こんにちは</text></transcript>`)
	})

	out := yt.Acquire(context.Background(), Request{EpisodeGUID: "AAAAAAAAAAA"})
	if out.Kind != OutcomeOK {
		t.Fatalf("Kind = %v, want OK", out.Kind)
	}
	if out.Language != "ja" || !out.AutoGenerated {
		t.Errorf("Language = %q AutoGenerated = %v, want ja/true", out.Language, out.AutoGenerated)
	}
}

func TestYouTubeAcquire_NoTracks(t *testing.T) {
	yt := newCaptionServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Empty body is what timedtext returns for videos without captions.
	})

	out := yt.Acquire(context.Background(), Request{EpisodeGUID: "AAAAAAAAAAA"})
	if out.Kind != OutcomeNotAvailable {
		t.Fatalf("Kind = %v, want NotAvailable", out.Kind)
	}
	if !IsPermanentFailure(out.Reason) {
		t.Errorf("reason %q should classify as permanent", out.Reason)
	}
}

func TestYouTubeAcquire_NotFoundIsPermanent(t *testing.T) {
	yt := newCaptionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	out := yt.Acquire(context.Background(), Request{EpisodeGUID: "AAAAAAAAAAA"})
	if out.Kind != OutcomeNotAvailable {
		t.Fatalf("Kind = %v, want NotAvailable", out.Kind)
	}
	if !IsPermanentFailure(out.Reason) {
		t.Errorf("reason %q should classify as permanent", out.Reason)
	}
}

func TestYouTubeAcquire_RateLimitIsTransient(t *testing.T) {
	yt := newCaptionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	out := yt.Acquire(context.Background(), Request{EpisodeGUID: "AAAAAAAAAAA"})
	if out.Kind != OutcomeTransient {
		t.Fatalf("Kind = %v, want Transient", out.Kind)
	}
	if IsPermanentFailure(out.Reason) {
		t.Errorf("reason %q should not classify as permanent", out.Reason)
	}
}
