package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/smtp"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/config"
	"github.com/snarg/digest-engine/internal/database"
	"github.com/snarg/digest-engine/internal/newsletter"
)

// smtpMailer is the delivery collaborator, configured from SMTP_* env vars.
type smtpMailer struct {
	host, port string
	username   string
	password   string
	from       string
	to         []string
}

func newSMTPMailer() (*smtpMailer, error) {
	m := &smtpMailer{
		host:     os.Getenv("SMTP_HOST"),
		port:     os.Getenv("SMTP_PORT"),
		username: os.Getenv("SMTP_USERNAME"),
		password: os.Getenv("SMTP_PASSWORD"),
		from:     os.Getenv("NEWSLETTER_FROM"),
	}
	for _, addr := range strings.Split(os.Getenv("NEWSLETTER_TO"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			m.to = append(m.to, addr)
		}
	}
	if m.host == "" || m.from == "" || len(m.to) == 0 {
		return nil, fmt.Errorf("SMTP_HOST, NEWSLETTER_FROM and NEWSLETTER_TO must be set")
	}
	if m.port == "" {
		m.port = "587"
	}
	return m, nil
}

func (m *smtpMailer) Send(_ context.Context, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.from, strings.Join(m.to, ", "), subject, body)

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}
	return smtp.SendMail(m.host+":"+m.port, auth, m.from, m.to, []byte(msg))
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		issueID = flag.Int64("issue-id", 0, "newsletter issue to send (required)")
		dryRun  = flag.Bool("dry-run", false, "render without delivering")
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

	if *issueID == 0 {
		log.Error().Msg("--issue-id is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer db.Close()

	var mailer newsletter.Mailer
	if !*dryRun {
		mailer, err = newSMTPMailer()
		if err != nil {
			log.Error().Err(err).Msg("mailer not configured")
			return 1
		}
	}

	sender := newsletter.NewSender(db, mailer, log.With().Str("component", "sender").Logger())
	if err := sender.Send(ctx, *issueID, *dryRun); err != nil {
		log.Error().Err(err).Msg("send failed")
		return 1
	}
	return 0
}
