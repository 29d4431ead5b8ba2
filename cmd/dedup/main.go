package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/config"
	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/dedup"
	"github.com/snarg/digest-engine/internal/llm"
	"github.com/snarg/digest-engine/internal/semantic"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dryRun      = flag.Bool("dry-run", false, "report what would change without mutating")
		digestTopic = flag.String("digest-topic", "", "restrict to one digest topic (default: all active)")
		daysBack    = flag.Int("days-back", 30, "window of topic rows to examine")
		threshold   = flag.Float64("similarity-threshold", dedup.DefaultSimilarityThreshold, "semantic duplicate threshold")
		verbose     = flag.Bool("verbose", false, "debug logging")
		envFile     = flag.String("env-file", "", "path to .env file")
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

	lvl, lerr := zerolog.ParseLevel(cfg.LogLevel)
	if lerr != nil {
		lvl = zerolog.InfoLevel
	}
	if *verbose {
		lvl = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer db.Close()

	settings := database.NewSettings(db)
	embedModel := settings.GetString(ctx, "topic_evolution", "embedding_model", "text-embedding-3-small")

	llmClient := llm.NewClient(cfg.OpenAIAPIKey, log.With().Str("component", "llm").Logger())
	matcher := semantic.NewMatcher(llmClient, embedModel, log.With().Str("component", "semantic").Logger())
	pass := dedup.NewPass(db, matcher, log.With().Str("component", "dedup").Logger())

	topics := []string{*digestTopic}
	if *digestTopic == "" {
		active, err := db.ActiveTopics(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to load topics")
			return 1
		}
		topics = topics[:0]
		for _, t := range active {
			topics = append(topics, t.Name)
		}
	}

	failed := false
	for _, topic := range topics {
		report, err := pass.Run(ctx, dedup.Options{
			DigestTopic:         topic,
			DaysBack:            *daysBack,
			SimilarityThreshold: *threshold,
			DryRun:              *dryRun,
		})
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("consolidation pass failed")
			failed = true
			continue
		}
		log.Info().
			Str("topic", topic).
			Int("examined", report.TopicsExamined).
			Int("keyword_groups", report.KeywordGroups).
			Int("semantic_groups", report.SemanticGroups).
			Int("deleted", report.Deleted).
			Int("key_points_added", report.KeyPointsAdded).
			Bool("dry_run", *dryRun).
			Msg("consolidation pass done")
		for _, gerr := range report.Errors {
			log.Error().Err(gerr).Str("topic", topic).Msg("group merge failed")
			failed = true
		}
	}

	if failed {
		return 1
	}
	return 0
}
