package transcript

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/metrics"
)

const timedtextEndpoint = "https://www.youtube.com/api/timedtext"

// YouTubeClient fetches caption tracks from YouTube's timedtext API.
// The client keeps per-instance fetch-pacing state and is NOT safe for
// concurrent use; construct one per worker.
type YouTubeClient struct {
	client  *http.Client
	baseURL string
	log     zerolog.Logger

	// Delay enforced between successive fetches on this client, the
	// polite-crawling guard against caption endpoint rate limits.
	fetchDelay time.Duration
	lastFetch  time.Time
	sleep      func(time.Duration)
}

func NewYouTubeClient(fetchDelay time.Duration, log zerolog.Logger) *YouTubeClient {
	return &YouTubeClient{
		client:     &http.Client{Timeout: 60 * time.Second},
		baseURL:    timedtextEndpoint,
		log:        log,
		fetchDelay: fetchDelay,
		sleep:      time.Sleep,
	}
}

// captionTrack is one <track> in the timedtext list response.
type captionTrack struct {
	LangCode string `xml:"lang_code,attr"`
	Kind     string `xml:"kind,attr"` // "asr" marks auto-generated
	Name     string `xml:"name,attr"`
}

type trackList struct {
	XMLName xml.Name       `xml:"transcript_list"`
	Tracks  []captionTrack `xml:"track"`
}

type timedText struct {
	XMLName xml.Name        `xml:"transcript"`
	Texts   []timedTextLine `xml:"text"`
}

type timedTextLine struct {
	Body string `xml:",chardata"`
}

// Acquire fetches the best available caption track for a video:
// manual over auto-generated, English over other languages. A non-English
// only video still returns OK with its actual language.
func (yt *YouTubeClient) Acquire(ctx context.Context, req Request) Outcome {
	yt.pace()

	tracks, out, failed := yt.listTracks(ctx, req.EpisodeGUID)
	if failed {
		metrics.TranscriptFetchesTotal.WithLabelValues("youtube", outcomeLabel(out)).Inc()
		return out
	}
	if len(tracks) == 0 {
		metrics.TranscriptFetchesTotal.WithLabelValues("youtube", "not_available").Inc()
		return notAvailable("no subtitles for video " + req.EpisodeGUID)
	}

	best := pickTrack(tracks)
	text, out, failed := yt.fetchTrack(ctx, req.EpisodeGUID, best)
	if failed {
		metrics.TranscriptFetchesTotal.WithLabelValues("youtube", outcomeLabel(out)).Inc()
		return out
	}

	metrics.TranscriptFetchesTotal.WithLabelValues("youtube", "ok").Inc()
	return ok(text, best.LangCode, best.Kind == "asr")
}

// pickTrack chooses manual over asr, then English over other languages,
// then lexicographic language code for determinism.
func pickTrack(tracks []captionTrack) captionTrack {
	sorted := make([]captionTrack, len(tracks))
	copy(sorted, tracks)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if (a.Kind == "asr") != (b.Kind == "asr") {
			return a.Kind != "asr"
		}
		aEn := strings.HasPrefix(a.LangCode, "en")
		bEn := strings.HasPrefix(b.LangCode, "en")
		if aEn != bEn {
			return aEn
		}
		return a.LangCode < b.LangCode
	})
	return sorted[0]
}

func (yt *YouTubeClient) listTracks(ctx context.Context, videoID string) ([]captionTrack, Outcome, bool) {
	q := url.Values{"type": {"list"}, "v": {videoID}}
	body, out, failed := yt.get(ctx, yt.baseURL+"?"+q.Encode())
	if failed {
		return nil, out, true
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, Outcome{}, false
	}
	var list trackList
	if err := xml.Unmarshal(body, &list); err != nil {
		return nil, notAvailable(fmt.Sprintf("corrupt track list for %s: %v", videoID, err)), true
	}
	return list.Tracks, Outcome{}, false
}

func (yt *YouTubeClient) fetchTrack(ctx context.Context, videoID string, track captionTrack) (string, Outcome, bool) {
	q := url.Values{"v": {videoID}, "lang": {track.LangCode}}
	if track.Kind != "" {
		q.Set("kind", track.Kind)
	}
	if track.Name != "" {
		q.Set("name", track.Name)
	}
	body, out, failed := yt.get(ctx, yt.baseURL+"?"+q.Encode())
	if failed {
		return "", out, true
	}

	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return "", notAvailable(fmt.Sprintf("corrupt captions for %s: %v", videoID, err)), true
	}

	var b strings.Builder
	for _, line := range tt.Texts {
		s := strings.TrimSpace(html.UnescapeString(line.Body))
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	text := b.String()
	if text == "" {
		return "", notAvailable("no subtitles: empty caption track for " + videoID), true
	}
	return text, Outcome{}, false
}

// get fetches a URL and classifies HTTP failures into the outcome taxonomy.
// The third return is true when the caller should stop and return out.
func (yt *YouTubeClient) get(ctx context.Context, rawURL string) ([]byte, Outcome, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, transient(err.Error()), true
	}
	resp, err := yt.client.Do(req)
	if err != nil {
		return nil, transient(err.Error()), true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notAvailable("404: video unavailable"), true
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, transient("429: caption endpoint rate limited"), true
	case resp.StatusCode >= 500:
		return nil, transient(fmt.Sprintf("caption endpoint status %d", resp.StatusCode)), true
	case resp.StatusCode != http.StatusOK:
		return nil, notAvailable(fmt.Sprintf("caption endpoint status %d", resp.StatusCode)), true
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(err.Error()), true
	}
	return body, Outcome{}, false
}

// pace enforces the inter-fetch delay within this worker's client.
func (yt *YouTubeClient) pace() {
	if yt.fetchDelay <= 0 {
		return
	}
	if wait := yt.fetchDelay - time.Since(yt.lastFetch); wait > 0 && !yt.lastFetch.IsZero() {
		yt.log.Debug().Dur("wait", wait).Msg("pacing transcript fetch")
		yt.sleep(wait)
	}
	yt.lastFetch = time.Now()
}

func outcomeLabel(out Outcome) string {
	switch out.Kind {
	case OutcomeOK:
		return "ok"
	case OutcomeNotAvailable:
		return "not_available"
	default:
		return "transient"
	}
}
