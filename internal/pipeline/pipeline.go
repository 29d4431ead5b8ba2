// Package pipeline drives the ingestion run: discovery, transcript
// acquisition, scoring and arc extraction, with smart backfill until the
// target number of relevant episodes is produced.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/feed"
	"github.com/snarg/digest-engine/internal/scoring"
	"github.com/snarg/digest-engine/internal/transcript"
)

const (
	defaultMaxWorkers   = 4
	defaultStuckMinutes = 10
	defaultGracePeriod  = 30 * time.Second

	// The stuck-processing sweep reruns every this many processed episodes.
	sweepInterval = 5
)

// Store is the database surface the orchestrator and its workers use.
// *database.DB satisfies it.
type Store interface {
	ActiveFeeds(ctx context.Context, feedID int64) ([]database.Feed, error)
	ActiveTopics(ctx context.Context) ([]database.Topic, error)
	KnownGUIDs(ctx context.Context, feedID int64, guids []string) (map[string]bool, error)
	InsertEpisode(ctx context.Context, p database.InsertEpisodeParams) (int64, bool, error)
	PendingEpisodes(ctx context.Context, feedID int64) ([]*database.Episode, error)
	GetEpisode(ctx context.Context, id int64) (*database.Episode, error)
	ClaimEpisode(ctx context.Context, id int64) (bool, error)
	SetEpisodeStatus(ctx context.Context, id int64, status string) error
	SaveTranscript(ctx context.Context, id int64, text string, wordCount int, language string, autoGenerated bool, durationSeconds int) error
	SaveScores(ctx context.Context, id int64, scores map[string]float64, relevant bool) error
	MarkEpisodeFailed(ctx context.Context, id int64, reason string, permanent bool) error
	ResetStuckProcessing(ctx context.Context, timeout time.Duration) (int64, error)
	TranscriptsToday(ctx context.Context, dayStart time.Time) (int, error)
	ActiveArcs(ctx context.Context, digestTopic string, retentionDays int) ([]*database.StoryArc, error)
	GetOrCreateArc(ctx context.Context, arcName, digestTopic, category string, initialEvent *database.ArcEvent) (*database.StoryArc, bool, error)
	AddArcEvent(ctx context.Context, arcID int64, ev database.ArcEvent, maxEvents int) (int64, error)
	UpsertEpisodeTopic(ctx context.Context, et *database.EpisodeTopic) error
}

// SettingsReader is the typed settings surface. *database.Settings
// satisfies it.
type SettingsReader interface {
	GetInt(ctx context.Context, category, key string, def int) int
	GetFloat(ctx context.Context, category, key string, def float64) float64
	GetBool(ctx context.Context, category, key string, def bool) bool
	GetString(ctx context.Context, category, key, def string) string
	RequireInt(ctx context.Context, category, key string) (int, error)
}

// FeedReader yields candidate descriptors for one feed URL.
type FeedReader interface {
	Read(ctx context.Context, feedURL string, lookbackDays int) []feed.Descriptor
}

// Scorer maps a transcript onto the active topic set.
type Scorer interface {
	Score(ctx context.Context, transcriptText string, topics []database.Topic) (scoring.Result, error)
}

// Outcome is what one worker produced for one episode.
type Outcome int

const (
	OutcomeRelevant Outcome = iota
	OutcomeNotRelevant
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelevant:
		return "relevant"
	case OutcomeNotRelevant:
		return "not_relevant"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Summary aggregates a run. Success requires zero failures; finding zero
// relevant episodes cleanly is still a success.
type Summary struct {
	Discovered  int
	Processed   int
	Relevant    int
	NotRelevant int
	Failed      int
	Skipped     int
	Errors      []string
}

func (s Summary) Success() bool { return s.Failed == 0 }

// Config tunes one run.
type Config struct {
	MaxWorkers int   // 0 means the default
	Limit      int   // overrides pipeline.max_episodes_per_run when > 0
	FeedID     int64 // restrict to one feed; 0 means all
	DryRun     bool
	NoParallel bool
	Grace      time.Duration // wait for in-flight workers after cancellation
}

// Orchestrator owns a run. Shared collaborators (store, settings, scorer,
// arc tracker) are safe for concurrent use; transcript acquirers are not
// and come from the factory, one per worker.
type Orchestrator struct {
	store       Store
	settings    SettingsReader
	reader      FeedReader
	scorer      Scorer
	tracker     *arcTracker
	newAcquirer func() transcript.Acquirer
	cfg         Config
	log         zerolog.Logger

	now func() time.Time
}

func NewOrchestrator(store Store, settings SettingsReader, reader FeedReader, scorer Scorer, tracker ArcTracker, newAcquirer func() transcript.Acquirer, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.NoParallel {
		cfg.MaxWorkers = 1
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGracePeriod
	}
	return &Orchestrator{
		store:       store,
		settings:    settings,
		reader:      reader,
		scorer:      scorer,
		tracker:     &arcTracker{impl: tracker},
		newAcquirer: newAcquirer,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// Run executes one scheduled invocation: sweep, cap check, discovery, then
// the backfill loop. The returned error covers only setup-level problems;
// per-episode failures land in the summary.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	topics, err := o.store.ActiveTopics(ctx)
	if err != nil {
		return sum, fmt.Errorf("load topics: %w", err)
	}
	if len(topics) == 0 {
		return sum, fmt.Errorf("no active topics configured")
	}

	target := o.cfg.Limit
	if target <= 0 {
		target, err = o.settings.RequireInt(ctx, "pipeline", "max_episodes_per_run")
		if err != nil {
			return sum, err
		}
	}

	stuckTimeout := time.Duration(o.settings.GetInt(ctx, "pipeline", "stuck_processing_minutes", defaultStuckMinutes)) * time.Minute
	if _, err := o.store.ResetStuckProcessing(ctx, stuckTimeout); err != nil {
		return sum, err
	}

	dailyCap := o.settings.GetInt(ctx, "youtube", "max_transcripts_per_day", 7)
	transcribedToday, err := o.store.TranscriptsToday(ctx, dayStart(o.now()))
	if err != nil {
		return sum, fmt.Errorf("daily cap check: %w", err)
	}
	if transcribedToday >= dailyCap {
		o.log.Info().Int("transcribed_today", transcribedToday).Int("cap", dailyCap).
			Msg("daily transcript cap reached, nothing to do")
		return sum, nil
	}

	sum.Discovered, err = o.discover(ctx)
	if err != nil {
		return sum, err
	}

	queue, err := o.store.PendingEpisodes(ctx, o.cfg.FeedID)
	if err != nil {
		return sum, fmt.Errorf("load pending episodes: %w", err)
	}
	o.log.Info().Int("discovered", sum.Discovered).Int("pending", len(queue)).
		Int("target", target).Msg("starting backfill")

	if o.cfg.DryRun {
		o.log.Info().Msg("dry run, not processing")
		return sum, nil
	}

	env := o.loadWorkerEnv(ctx, topics, stuckTimeout)
	o.backfill(ctx, queue, target, dailyCap-transcribedToday, env, &sum)

	o.log.Info().
		Int("relevant", sum.Relevant).
		Int("not_relevant", sum.NotRelevant).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Msg("run complete")
	return sum, nil
}

// workerEnv is the per-run context every worker shares.
type workerEnv struct {
	topics            []database.Topic
	threshold         float64
	retentionDays     int
	maxEventsPerArc   int
	writeEpisodeTopic bool
	stuckTimeout      time.Duration
}

func (o *Orchestrator) loadWorkerEnv(ctx context.Context, topics []database.Topic, stuckTimeout time.Duration) workerEnv {
	return workerEnv{
		topics:            topics,
		threshold:         o.settings.GetFloat(ctx, "content_filtering", "score_threshold", 0.6),
		retentionDays:     o.settings.GetInt(ctx, "story_arcs", "retention_days", 14),
		maxEventsPerArc:   o.settings.GetInt(ctx, "story_arcs", "max_events_per_arc", 20),
		writeEpisodeTopic: o.settings.GetBool(ctx, "topic_tracking", "write_episode_topics", false),
		stuckTimeout:      stuckTimeout,
	}
}

// discover inserts new pending episodes from every active feed.
func (o *Orchestrator) discover(ctx context.Context) (int, error) {
	feeds, err := o.store.ActiveFeeds(ctx, o.cfg.FeedID)
	if err != nil {
		return 0, fmt.Errorf("load feeds: %w", err)
	}
	lookback := o.settings.GetInt(ctx, "pipeline", "discovery_lookback_days", 5)

	inserted := 0
	for _, f := range feeds {
		descriptors := o.reader.Read(ctx, f.SourceURL, lookback)
		if len(descriptors) == 0 {
			continue
		}
		guids := make([]string, len(descriptors))
		for i, d := range descriptors {
			guids[i] = d.EpisodeGUID
		}
		known, err := o.store.KnownGUIDs(ctx, f.ID, guids)
		if err != nil {
			return inserted, fmt.Errorf("check known guids for feed %d: %w", f.ID, err)
		}
		for _, d := range descriptors {
			if known[d.EpisodeGUID] {
				continue
			}
			params := database.InsertEpisodeParams{
				FeedID:      f.ID,
				EpisodeGUID: d.EpisodeGUID,
				Title:       d.Title,
				Description: d.Description,
				PublishedAt: d.PublishedAt,
			}
			if d.ContentURL != "" {
				u := d.ContentURL
				params.ContentURL = &u
			}
			if d.DurationSeconds > 0 {
				secs := d.DurationSeconds
				params.DurationSeconds = &secs
			}
			if o.cfg.DryRun {
				inserted++
				continue
			}
			_, created, err := o.store.InsertEpisode(ctx, params)
			if err != nil {
				return inserted, fmt.Errorf("insert episode %s: %w", d.EpisodeGUID, err)
			}
			if created {
				inserted++
				o.log.Info().Str("guid", d.EpisodeGUID).Str("title", d.Title).
					Int64("feed_id", f.ID).Msg("discovered episode")
			}
		}
	}
	return inserted, nil
}

// backfill dispatches batches until enough relevant episodes are produced,
// the queue drains, the daily budget runs out, or the run is cancelled.
func (o *Orchestrator) backfill(ctx context.Context, queue []*database.Episode, target, transcriptBudget int, env workerEnv, sum *Summary) {
	type result struct {
		outcome     Outcome
		transcribed bool
		err         error
	}

	round := 0
	sinceSweep := 0
	for sum.Relevant < target && len(queue) > 0 {
		if ctx.Err() != nil {
			o.log.Warn().Msg("cancelled, not dispatching further batches")
			return
		}
		if transcriptBudget <= 0 {
			o.log.Info().Msg("daily transcript budget exhausted, stopping backfill")
			return
		}

		round++
		batchSize := o.cfg.MaxWorkers
		if rem := target - sum.Relevant; rem < batchSize {
			batchSize = rem
		}
		if len(queue) < batchSize {
			batchSize = len(queue)
		}
		if transcriptBudget < batchSize {
			batchSize = transcriptBudget
		}
		batch := queue[:batchSize]
		queue = queue[batchSize:]

		o.log.Debug().Int("round", round).Int("batch", len(batch)).Msg("dispatching batch")

		results := make(chan result, len(batch))
		for _, ep := range batch {
			go func(ep *database.Episode) {
				w := &worker{
					store:    o.store,
					scorer:   o.scorer,
					tracker:  o.tracker,
					acquirer: o.newAcquirer(),
					env:      env,
					log:      o.log.With().Int64("episode_id", ep.ID).Str("guid", ep.EpisodeGUID).Logger(),
				}
				outcome, transcribed, err := w.process(ctx, ep)
				results <- result{outcome: outcome, transcribed: transcribed, err: err}
			}(ep)
		}

		collected := 0
		done := ctx.Done()
		graceTimer := (<-chan time.Time)(nil)
		for collected < len(batch) {
			select {
			case res := <-results:
				collected++
				o.record(res.outcome, res.err, sum)
				if res.transcribed {
					transcriptBudget--
				}
				sinceSweep++
				if sinceSweep >= sweepInterval {
					sinceSweep = 0
					if _, err := o.store.ResetStuckProcessing(ctx, env.stuckTimeout); err != nil {
						o.log.Warn().Err(err).Msg("periodic stuck sweep failed")
					}
				}
			case <-done:
				o.log.Warn().Dur("grace", o.cfg.Grace).Msg("cancelled, waiting for in-flight workers")
				graceTimer = time.After(o.cfg.Grace)
				done = nil
			case <-graceTimer:
				o.log.Warn().Int("abandoned", len(batch)-collected).
					Msg("grace period elapsed, leaving claimed episodes to the next sweep")
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (o *Orchestrator) record(outcome Outcome, err error, sum *Summary) {
	sum.Processed++
	switch outcome {
	case OutcomeRelevant:
		sum.Relevant++
	case OutcomeNotRelevant:
		sum.NotRelevant++
	case OutcomeFailed:
		sum.Failed++
	case OutcomeSkipped:
		sum.Skipped++
	}
	if err != nil {
		sum.Errors = append(sum.Errors, err.Error())
	}
}

// dayStart is local midnight, the daily transcript cap window boundary.
func dayStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
