package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/arcs"
	"github.com/snarg/digest-engine/internal/config"
	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/feed"
	"github.com/snarg/digest-engine/internal/llm"
	"github.com/snarg/digest-engine/internal/pipeline"
	"github.com/snarg/digest-engine/internal/scoring"
	"github.com/snarg/digest-engine/internal/transcript"
)

var version = "dev"

// Delay between transcript fetches within one worker.
const transcriptFetchDelay = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dryRun     = flag.Bool("dry-run", false, "discover episodes but do not process them")
		limit      = flag.Int("limit", 0, "override pipeline.max_episodes_per_run")
		verbose    = flag.Bool("verbose", false, "debug logging")
		noParallel = flag.Bool("no-parallel", false, "process episodes one at a time")
		feedID     = flag.Int64("feed-id", 0, "restrict the run to one feed")
		envFile    = flag.String("env-file", "", "path to .env file")
	)
	flag.Parse()

	cfg, err := config.Load(config.Overrides{EnvFile: *envFile})
	early := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err != nil {
		early.Error().Err(err).Msg("failed to load config")
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return 2
		}
		return 1
	}

	log := newLogger(cfg.LogLevel, *verbose)
	log.Info().Str("version", version).Msg("pipeline starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Error().Err(err).Msg("schema init failed")
		return 1
	}
	if err := db.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migrations failed")
		return 1
	}

	settings := database.NewSettings(db)
	llmClient := llm.NewClient(cfg.OpenAIAPIKey, log.With().Str("component", "llm").Logger())

	scoreModel := settings.GetString(ctx, "ai_content_scoring", "model", "gpt-4o-mini")
	scoreTokens := settings.GetInt(ctx, "ai_content_scoring", "max_tokens", 500)
	scorer := scoring.NewScorer(llmClient, scoreModel, int64(scoreTokens), log.With().Str("component", "scorer").Logger())

	extractModel := settings.GetString(ctx, "topic_tracking", "extraction_model", "gpt-4o-mini")
	extractor := arcs.NewExtractor(llmClient, extractModel, log.With().Str("component", "arcs").Logger())

	reader := feed.NewReader(log.With().Str("component", "feed").Logger())

	newAcquirer := func() transcript.Acquirer {
		tlog := log.With().Str("component", "transcript").Logger()
		return transcript.NewRouter(
			transcript.NewYouTubeClient(transcriptFetchDelay, tlog),
			transcript.NewElevenLabsClient(cfg.ElevenLabsAPIKey, "", 5*time.Minute, tlog),
		)
	}

	orch := pipeline.NewOrchestrator(db, settings, reader, scorer, extractor, newAcquirer, pipeline.Config{
		Limit:      *limit,
		FeedID:     *feedID,
		DryRun:     *dryRun,
		NoParallel: *noParallel,
	}, log.With().Str("component", "pipeline").Logger())

	runID := os.Getenv("PIPELINE_RUN_ID")
	trigger := "cron"
	if runID == "" {
		runID = uuid.NewString()
		trigger = "manual"
	}
	if err := db.RecordRunStart(ctx, runID, "pipeline", trigger); err != nil {
		log.Warn().Err(err).Msg("could not record run start")
	}

	sum, err := orch.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("pipeline run failed")
		finishRun(context.Background(), db, log, runID, sum, database.RunConclusionFailure)
		return 1
	}

	if perr := db.RecordRunPhase(ctx, runID, sum); perr != nil {
		log.Warn().Err(perr).Msg("could not record run phase")
	}

	switch {
	case ctx.Err() != nil:
		finishRun(context.Background(), db, log, runID, sum, database.RunConclusionCancelled)
		return 1
	case !sum.Success():
		for _, e := range sum.Errors {
			log.Error().Msg(e)
		}
		finishRun(ctx, db, log, runID, sum, database.RunConclusionFailure)
		return 1
	}

	finishRun(ctx, db, log, runID, sum, database.RunConclusionSuccess)
	return 0
}

func finishRun(ctx context.Context, db *database.DB, log zerolog.Logger, runID string, sum pipeline.Summary, conclusion string) {
	status := database.RunStatusCompleted
	if conclusion != database.RunConclusionSuccess {
		status = database.RunStatusFailed
	}
	notes := ""
	if len(sum.Errors) > 0 {
		notes = sum.Errors[0]
	}
	if err := db.RecordRunFinish(ctx, runID, status, conclusion, notes); err != nil {
		log.Warn().Err(err).Msg("could not record run finish")
	}
}

func newLogger(level string, verbose bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}
