package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/arcs"
	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/metrics"
	"github.com/snarg/digest-engine/internal/scoring"
	"github.com/snarg/digest-engine/internal/transcript"
)

// ArcTracker is the story-arc extraction surface. *arcs.Extractor
// satisfies it; nil disables tracking.
type ArcTracker interface {
	Extract(ctx context.Context, transcriptText, digestTopic string, activeArcs []*database.StoryArc) (arcs.Extraction, error)
	Apply(ctx context.Context, store arcs.ArcStore, digestTopic string, ex arcs.Extraction, src arcs.EpisodeSource, maxEventsPerArc int) (arcs.ApplyResult, error)
}

type arcTracker struct {
	impl ArcTracker
}

func (t *arcTracker) enabled() bool { return t.impl != nil }

// worker processes one episode end to end. Each worker owns its acquirer;
// everything else is shared and safe for concurrent use.
type worker struct {
	store    Store
	scorer   Scorer
	tracker  *arcTracker
	acquirer transcript.Acquirer
	env      workerEnv
	log      zerolog.Logger
}

// process runs the per-episode state machine. The bool reports whether a
// transcript was fetched this call, for the daily budget. Errors are
// classified into the outcome; they never propagate as run failures.
func (w *worker) process(ctx context.Context, ep *database.Episode) (Outcome, bool, error) {
	fresh, err := w.store.GetEpisode(ctx, ep.ID)
	if err != nil {
		return w.outcome(OutcomeFailed, false, fmt.Errorf("episode %d: reload: %w", ep.ID, err))
	}
	if fresh.Status != database.StatusPending {
		w.log.Debug().Str("status", fresh.Status).Msg("no longer pending, skipping")
		return w.outcome(OutcomeSkipped, false, nil)
	}

	claimed, err := w.store.ClaimEpisode(ctx, fresh.ID)
	if err != nil {
		return w.outcome(OutcomeFailed, false, fmt.Errorf("episode %d: claim: %w", fresh.ID, err))
	}
	if !claimed {
		w.log.Debug().Msg("lost claim race, skipping")
		return w.outcome(OutcomeSkipped, false, nil)
	}

	text, fetched, outcome, err := w.ensureTranscript(ctx, fresh)
	if outcome != nil {
		return w.outcome(*outcome, fetched, err)
	}

	res, err := w.scorer.Score(ctx, text, w.env.topics)
	if err != nil {
		// Keep the transcript so a retry does not re-fetch it.
		if serr := w.store.SetEpisodeStatus(ctx, fresh.ID, database.StatusTranscribed); serr != nil {
			w.log.Warn().Err(serr).Msg("failed to park episode in transcribed")
		}
		return w.outcome(OutcomeFailed, fetched, fmt.Errorf("episode %d: score: %w", fresh.ID, err))
	}

	relevant := scoring.IsRelevant(res.Scores, w.env.threshold)
	if err := w.store.SaveScores(ctx, fresh.ID, res.Scores, relevant); err != nil {
		return w.outcome(OutcomeFailed, fetched, fmt.Errorf("episode %d: save scores: %w", fresh.ID, err))
	}
	if !relevant {
		w.log.Info().Msg("scored below threshold on every topic")
		return w.outcome(OutcomeNotRelevant, fetched, nil)
	}

	if err := w.trackArcs(ctx, fresh, text, res.Scores); err != nil {
		// The episode is scored and stays scored; arc trouble is recorded
		// but does not fail the worker.
		w.log.Warn().Err(err).Msg("arc extraction failed")
		return w.outcome(OutcomeRelevant, fetched, err)
	}
	return w.outcome(OutcomeRelevant, fetched, nil)
}

// ensureTranscript returns the transcript text, fetching it when the
// episode does not already carry one. A non-nil outcome means processing
// stops here.
func (w *worker) ensureTranscript(ctx context.Context, ep *database.Episode) (string, bool, *Outcome, error) {
	if ep.Transcript != nil && *ep.Transcript != "" {
		return *ep.Transcript, false, nil, nil
	}

	contentURL := ""
	if ep.ContentURL != nil {
		contentURL = *ep.ContentURL
	}
	out := w.acquirer.Acquire(ctx, transcript.Request{
		EpisodeGUID: ep.EpisodeGUID,
		ContentURL:  contentURL,
	})

	switch out.Kind {
	case transcript.OutcomeNotAvailable:
		permanent := transcript.IsPermanentFailure(out.Reason)
		if err := w.store.MarkEpisodeFailed(ctx, ep.ID, out.Reason, permanent); err != nil {
			return "", false, outcomePtr(OutcomeFailed), fmt.Errorf("episode %d: mark failed: %w", ep.ID, err)
		}
		if permanent {
			w.log.Info().Str("reason", out.Reason).Msg("transcript permanently unavailable")
			return "", false, outcomePtr(OutcomeNotRelevant), nil
		}
		return "", false, outcomePtr(OutcomeFailed), fmt.Errorf("episode %d: transcript unavailable: %s", ep.ID, out.Reason)

	case transcript.OutcomeTransient:
		// Back to pending so the next run retries.
		if err := w.store.SetEpisodeStatus(ctx, ep.ID, database.StatusPending); err != nil {
			w.log.Warn().Err(err).Msg("failed to revert episode to pending")
		}
		return "", false, outcomePtr(OutcomeFailed), fmt.Errorf("episode %d: transient transcript failure: %s", ep.ID, out.Reason)
	}

	duration := 0
	if ep.DurationSeconds != nil {
		duration = *ep.DurationSeconds
	}
	if duration == 0 {
		duration = transcript.EstimateDurationSeconds(out.WordCount)
	}
	if err := w.store.SaveTranscript(ctx, ep.ID, out.Text, out.WordCount, out.Language, out.AutoGenerated, duration); err != nil {
		return "", false, outcomePtr(OutcomeFailed), fmt.Errorf("episode %d: save transcript: %w", ep.ID, err)
	}
	w.log.Info().Int("words", out.WordCount).Str("language", out.Language).
		Bool("auto_generated", out.AutoGenerated).Msg("transcript acquired")
	return out.Text, true, nil, nil
}

// trackArcs runs arc extraction for every relevant topic with tracking
// enabled, applying results through the store.
func (w *worker) trackArcs(ctx context.Context, ep *database.Episode, text string, scores map[string]float64) error {
	if !w.tracker.enabled() {
		return nil
	}

	for _, name := range scoring.RelevantTopics(scores, w.env.threshold) {
		topic := topicByName(w.env.topics, name)
		if topic == nil || !topic.EnableTopicTracking {
			continue
		}

		active, err := w.store.ActiveArcs(ctx, name, w.env.retentionDays)
		if err != nil {
			return fmt.Errorf("episode %d: load arcs for %q: %w", ep.ID, name, err)
		}
		ex, err := w.tracker.impl.Extract(ctx, text, name, active)
		if err != nil {
			return fmt.Errorf("episode %d: extract arcs for %q: %w", ep.ID, name, err)
		}

		src := arcs.EpisodeSource{
			FeedID:      ep.FeedID,
			EpisodeID:   ep.ID,
			EpisodeGUID: ep.EpisodeGUID,
			SourceName:  ep.Title,
			PublishedAt: ep.PublishedAt,
			Relevance:   scores[name],
		}
		res, err := w.tracker.impl.Apply(ctx, w.store, name, ex, src, w.env.maxEventsPerArc)
		if err != nil {
			return fmt.Errorf("episode %d: apply arcs for %q: %w", ep.ID, name, err)
		}
		w.log.Info().Str("topic", name).Int("arcs_created", res.ArcsCreated).
			Int("events_appended", res.EventsAppended).Msg("arc extraction applied")

		if w.env.writeEpisodeTopic {
			if err := w.writeEpisodeTopics(ctx, ep, ex, name, scores[name]); err != nil {
				w.log.Warn().Err(err).Str("topic", name).Msg("episode topic write failed")
			}
		}
	}
	return nil
}

// writeEpisodeTopics keeps the legacy episode_topics rows populated when
// the toggle is on, so the dedup pass keeps seeing fresh data.
func (w *worker) writeEpisodeTopics(ctx context.Context, ep *database.Episode, ex arcs.Extraction, digestTopic string, score float64) error {
	for _, e := range append(append([]arcs.Entry{}, ex.Continuing...), ex.New...) {
		et := &database.EpisodeTopic{
			TopicSlug:      database.SlugifyArcName(e.ArcName),
			TopicName:      e.ArcName,
			KeyPoints:      e.KeyPoints,
			DigestTopic:    digestTopic,
			RelevanceScore: score,
		}
		if err := w.store.UpsertEpisodeTopic(ctx, et); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) outcome(o Outcome, fetched bool, err error) (Outcome, bool, error) {
	metrics.EpisodesProcessedTotal.WithLabelValues(o.String()).Inc()
	return o, fetched, err
}

func topicByName(topics []database.Topic, name string) *database.Topic {
	for i := range topics {
		if topics[i].Name == name {
			return &topics[i]
		}
	}
	return nil
}

func outcomePtr(o Outcome) *Outcome { return &o }
