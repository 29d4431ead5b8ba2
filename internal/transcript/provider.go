// Package transcript acquires episode transcripts from caption and
// speech-to-text providers.
package transcript

import (
	"context"
	"strings"
)

// OutcomeKind tags the result of one acquisition attempt.
type OutcomeKind int

const (
	// OutcomeOK carries a transcript.
	OutcomeOK OutcomeKind = iota
	// OutcomeNotAvailable is permanent for this attempt: no subtitles,
	// video unavailable or private. The episode will not be retried.
	OutcomeNotAvailable
	// OutcomeTransient may succeed on a later run (HTTP 429, timeouts).
	OutcomeTransient
)

// Outcome is the tagged result of acquiring one transcript.
type Outcome struct {
	Kind          OutcomeKind
	Text          string
	WordCount     int
	Language      string
	AutoGenerated bool
	Reason        string
}

// Request identifies what to transcribe.
type Request struct {
	EpisodeGUID string // YouTube video id
	ContentURL  string // audio/video URL for STT providers
}

// Acquirer produces transcript text for an episode descriptor. Providers
// that are not documented as thread-safe are instantiated per worker.
type Acquirer interface {
	Acquire(ctx context.Context, req Request) Outcome
}

// wordsPerMinute is the speech-rate assumption used to estimate duration
// when the feed does not carry one.
const wordsPerMinute = 150

// EstimateDurationSeconds estimates audio duration from transcript length.
func EstimateDurationSeconds(wordCount int) int {
	if wordCount <= 0 {
		return 0
	}
	return wordCount * 60 / wordsPerMinute
}

// permanentSignatures are failure reasons known to never succeed on retry.
// Episodes failing with one of these are marked not_relevant instead of
// failed so the backfill stops reprocessing them.
var permanentSignatures = []string{
	"404",
	"video unavailable",
	"private video",
	"no subtitles",
	"failed validation",
	"corrupt",
}

// IsPermanentFailure reports whether a failure reason matches a
// known-permanent signature.
func IsPermanentFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, sig := range permanentSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func ok(text, language string, autoGenerated bool) Outcome {
	return Outcome{
		Kind:          OutcomeOK,
		Text:          text,
		WordCount:     len(strings.Fields(text)),
		Language:      language,
		AutoGenerated: autoGenerated,
	}
}

func notAvailable(reason string) Outcome {
	return Outcome{Kind: OutcomeNotAvailable, Reason: reason}
}

func transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}
