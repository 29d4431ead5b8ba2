// Package feed discovers candidate episodes from subscribed feed URLs.
package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	fetchTimeout = 30 * time.Second
	maxAttempts  = 3
	userAgent    = "digest-engine/1.0"

	// Legacy behavior: at most one new episode per feed per discovery round.
	maxPerFeedPerRound = 1
)

// youtubeIDPattern is the expected grammar for YouTube video ids.
var youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Descriptor is one candidate episode discovered from a feed.
type Descriptor struct {
	EpisodeGUID     string
	Title           string
	Description     string
	PublishedAt     time.Time
	ContentURL      string
	DurationSeconds int // 0 when the feed does not carry one
}

// Reader fetches one feed URL and yields candidate episode descriptors.
// Fetch and parse failures never propagate to the orchestrator: after
// retries are exhausted the reader returns an empty slice and logs a
// warning.
type Reader struct {
	client *http.Client
	log    zerolog.Logger
	sleep  func(time.Duration) // swapped out in tests
}

func NewReader(log zerolog.Logger) *Reader {
	return &Reader{
		client: &http.Client{Timeout: fetchTimeout},
		log:    log,
		sleep:  time.Sleep,
	}
}

// transientError marks failures worth retrying (timeouts, 429s, HTML
// rate-limit interstitials where XML was expected).
type transientError struct{ msg string }

func (e *transientError) Error() string { return e.msg }

// Read fetches the feed and returns descriptors published within the
// lookback window, newest first, capped per round.
func (r *Reader) Read(ctx context.Context, feedURL string, lookbackDays int) []Descriptor {
	if !strings.Contains(feedURL, "youtube.com/feeds/videos.xml") {
		r.log.Warn().Str("url", feedURL).Msg("unrecognized feed type, skipping")
		return nil
	}
	if channelID(feedURL) == "" {
		r.log.Warn().Str("url", feedURL).Msg("feed URL missing channel_id, skipping")
		return nil
	}

	var body []byte
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err = r.fetch(ctx, feedURL)
		if err == nil {
			break
		}
		var te *transientError
		if !errors.As(err, &te) || attempt == maxAttempts {
			r.log.Warn().Err(err).Str("url", feedURL).Int("attempts", attempt).Msg("feed fetch failed")
			return nil
		}
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		r.log.Debug().Err(err).Dur("backoff", backoff).Msg("transient feed error, retrying")
		r.sleep(backoff)
	}

	entries, err := parseVideoFeed(body)
	if err != nil {
		r.log.Warn().Err(err).Str("url", feedURL).Msg("feed parse failed")
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -lookbackDays)
	var out []Descriptor
	for _, e := range entries {
		if !youtubeIDPattern.MatchString(e.VideoID) {
			continue
		}
		published, err := time.Parse(time.RFC3339, e.Published)
		if err != nil {
			continue
		}
		if published.Before(cutoff) {
			continue
		}
		out = append(out, Descriptor{
			EpisodeGUID: e.VideoID,
			Title:       e.Title,
			Description: e.Description,
			PublishedAt: published,
			ContentURL:  "https://www.youtube.com/watch?v=" + e.VideoID,
		})
		if len(out) >= maxPerFeedPerRound {
			break
		}
	}
	return out
}

func (r *Reader) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &transientError{msg: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &transientError{msg: fmt.Sprintf("feed returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	// Rate-limit and captcha interstitials come back as HTML with a 200.
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return nil, &transientError{msg: "feed returned HTML instead of XML"}
	}

	return io.ReadAll(resp.Body)
}

// channelID extracts the channel_id query parameter from a YouTube feed URL.
func channelID(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("channel_id")
}

// videoEntry is one <entry> in a YouTube videos.xml Atom feed.
type videoEntry struct {
	VideoID     string
	Title       string
	Published   string
	Description string
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	VideoID   string     `xml:"videoId"`
	Title     string     `xml:"title"`
	Published string     `xml:"published"`
	Media     mediaGroup `xml:"group"`
}

type mediaGroup struct {
	Description string `xml:"description"`
}

func parseVideoFeed(body []byte) ([]videoEntry, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse atom feed: %w", err)
	}
	entries := make([]videoEntry, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		entries = append(entries, videoEntry{
			VideoID:     strings.TrimSpace(e.VideoID),
			Title:       e.Title,
			Published:   e.Published,
			Description: e.Media.Description,
		})
	}
	return entries, nil
}
