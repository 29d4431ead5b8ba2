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
	"github.com/snarg/digest-engine/internal/llm"
	"github.com/snarg/digest-engine/internal/newsletter"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		days    = flag.Int("days", newsletter.DefaultDays, "window of scored episodes to draw from")
		dryRun  = flag.Bool("dry-run", false, "generate but do not persist the issue")
		verbose = flag.Bool("verbose", false, "debug logging")
		envFile = flag.String("env-file", "", "path to .env file")
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
	model := settings.GetString(ctx, "ai_digest_generation", "model", "gpt-4o")

	llmClient := llm.NewClient(cfg.OpenAIAPIKey, log.With().Str("component", "llm").Logger())
	selector := newsletter.NewSelector(db, llmClient, model, log.With().Str("component", "newsletter").Logger())

	issue, err := selector.Generate(ctx, *days, *dryRun)
	if err != nil {
		log.Error().Err(err).Msg("newsletter generation failed")
		return 1
	}

	log.Info().
		Int64("issue_id", issue.ID).
		Str("subject", issue.SubjectLine).
		Int("examples", len(issue.Examples)).
		Bool("big_news", issue.BigNewsSummary != nil).
		Bool("dry_run", *dryRun).
		Msg("newsletter issue generated")
	return 0
}
