package postmark

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/mrz1836/postmark"

	"github.com/forgeworks/workq/core/queue"
)

var (
	ErrInvalidConfig     = errors.New("postmark: invalid config")
	ErrFailedToSendEmail = errors.New("postmark: failed to send email")
)

// Sender is the part of *postmark.Client the alert uses.
type Sender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// DeadLetterAlert emails the on-call address for every dead-lettered message.
// It implements queue.Archive so it can be combined with durable archives
// through queue.Archives.
type DeadLetterAlert struct {
	sender Sender
	config Config
}

var _ queue.Archive = (*DeadLetterAlert)(nil)

// New creates an alert backed by Postmark. Both tokens are required, so a
// misconfigured deployment fails at startup instead of silently dropping alerts.
func New(cfg Config) (*DeadLetterAlert, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
	}
	return NewWithSender(postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken), cfg)
}

// NewWithSender creates an alert over an existing sender.
func NewWithSender(sender Sender, cfg Config) (*DeadLetterAlert, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.AlertEmail) {
		return nil, fmt.Errorf("%w: AlertEmail must be a valid email address", ErrInvalidConfig)
	}
	return &DeadLetterAlert{sender: sender, config: cfg}, nil
}

var alertBody = template.Must(template.New("alert").Parse(`<p>A message was moved to dead-letter queue <b>{{.DeadLetterQueue}}</b>.</p>
<table>
<tr><td>Message</td><td>{{.Message.ID}}</td></tr>
<tr><td>Queue</td><td>{{.OriginalQueue}}</td></tr>
<tr><td>Priority</td><td>{{.Message.Priority}}</td></tr>
<tr><td>Trace</td><td>{{.Message.Metadata.TraceID}}</td></tr>
<tr><td>Retries</td><td>{{.FinalRetryCount}}</td></tr>
<tr><td>Reason</td><td>{{.Reason}}</td></tr>
<tr><td>At</td><td>{{.DeadLetteredAt.UTC.Format "2006-01-02T15:04:05Z07:00"}}</td></tr>
</table>`))

// Archive implements queue.Archive by sending one email.
func (a *DeadLetterAlert) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("postmark: dead letter record cannot be nil")
	}

	var body strings.Builder
	if err := alertBody.Execute(&body, rec); err != nil {
		return fmt.Errorf("render alert: %w", err)
	}

	resp, err := a.sender.SendEmail(ctx, postmark.Email{
		From:     a.config.SenderEmail,
		To:       a.config.AlertEmail,
		Subject:  fmt.Sprintf("[workq] %s dead-lettered from %s", rec.Message.ID, rec.OriginalQueue),
		Tag:      a.config.Tag,
		HTMLBody: body.String(),
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}
