// Package notify sends escalation and blocked-task notifications to a
// human-facing channel. It implements the worker.Notifier port with a
// Slack incoming-webhook backend and a no-op fallback for environments
// without one configured.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/ralph-build/ralphd/internal/logging"
)

// Notifier matches worker.Notifier's shape so either implementation here
// satisfies it without importing the worker package.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Nop discards every notification. Used when RALPH_SLACK_WEBHOOK is unset.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) error { return nil }

// Slack posts to a single incoming webhook URL.
type Slack struct {
	webhookURL string
	logger     logging.Logger
}

// NewSlack builds a Slack notifier posting to webhookURL.
func NewSlack(webhookURL string, logger logging.Logger) *Slack {
	return &Slack{webhookURL: webhookURL, logger: logging.OrNop(logger)}
}

// Notify posts subject and body as a single Slack message. The webhook API
// does not expose a request-scoped context, so ctx is honored only insofar
// as a caller may have already canceled upstream work; slack-go's
// PostWebhook call itself runs to completion once started.
func (s *Slack) Notify(ctx context.Context, subject, body string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", subject, body),
	}
	if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	s.logger.Info("notify: posted to slack: %s", subject)
	return nil
}

// Composite fans a notification out to every wrapped Notifier, continuing
// past individual failures and returning the first error encountered.
type Composite struct {
	notifiers []Notifier
}

// NewComposite builds a Notifier that delegates to every notifier in ns.
func NewComposite(ns ...Notifier) *Composite { return &Composite{notifiers: ns} }

func (c *Composite) Notify(ctx context.Context, subject, body string) error {
	var first error
	for _, n := range c.notifiers {
		if err := n.Notify(ctx, subject, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}
