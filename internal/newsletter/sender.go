package newsletter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/database"
)

// Mailer delivers one rendered issue. The SMTP wiring lives behind this
// interface so delivery can be swapped or stubbed.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// IssueStore is the slice of the database layer the sender needs.
type IssueStore interface {
	GetNewsletterIssue(ctx context.Context, id int64) (*database.NewsletterIssue, error)
	MarkIssueSent(ctx context.Context, id int64) error
}

// Sender delivers a stored issue and stamps it sent.
type Sender struct {
	store  IssueStore
	mailer Mailer
	log    zerolog.Logger
}

func NewSender(store IssueStore, mailer Mailer, log zerolog.Logger) *Sender {
	return &Sender{store: store, mailer: mailer, log: log}
}

// Send renders and delivers the issue. Already-sent issues are refused.
// In dry-run mode the body is rendered and logged but nothing is delivered
// or stamped.
func (s *Sender) Send(ctx context.Context, issueID int64, dryRun bool) error {
	issue, err := s.store.GetNewsletterIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue.SentAt != nil {
		return fmt.Errorf("issue %d was already sent at %s", issueID, issue.SentAt.Format("2006-01-02 15:04"))
	}

	body := RenderBody(issue)
	if dryRun {
		s.log.Info().Int64("issue_id", issueID).Int("body_chars", len(body)).
			Msg("dry run, not sending")
		return nil
	}

	if err := s.mailer.Send(ctx, issue.SubjectLine, body); err != nil {
		return fmt.Errorf("deliver issue %d: %w", issueID, err)
	}
	if err := s.store.MarkIssueSent(ctx, issueID); err != nil {
		return fmt.Errorf("mark issue %d sent: %w", issueID, err)
	}
	s.log.Info().Int64("issue_id", issueID).Str("subject", issue.SubjectLine).Msg("newsletter sent")
	return nil
}

// RenderBody formats an issue as plain text.
func RenderBody(issue *database.NewsletterIssue) string {
	var b strings.Builder
	if issue.BigNewsSummary != nil {
		b.WriteString("THE BIG STORY\n\n")
		b.WriteString(*issue.BigNewsSummary)
		b.WriteString("\n\n")
	}
	if len(issue.Examples) > 0 {
		b.WriteString("WHAT PEOPLE ARE DOING WITH AI\n\n")
	}
	for _, ex := range issue.Examples {
		fmt.Fprintf(&b, "%d. %s\n", ex.Position, ex.Title)
		fmt.Fprintf(&b, "%s\n", ex.Description)
		fmt.Fprintf(&b, "How to try it: %s\n", ex.HowToReplicate)
		if ex.WhyUseful != "" {
			fmt.Fprintf(&b, "Why it matters: %s\n", ex.WhyUseful)
		}
		if ex.SourceTitle != "" {
			b.WriteString("From: " + ex.SourceTitle)
			if ex.SourceURL != nil {
				b.WriteString(" (" + *ex.SourceURL + ")")
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}
