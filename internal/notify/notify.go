// Package notify sends operator-facing alerts about health-band
// transitions detected by the Health-Aware Router over Slack and Discord
// webhooks.
package notify

import (
	"context"
	"errors"
)

// HealthAlert describes one health-band transition worth paging a human
// about.
type HealthAlert struct {
	System    string
	Score     float64
	Band      string // "warning" or "critical"
	Message   string
	Timestamp float64
}

// Notifier sends a HealthAlert to some external channel.
type Notifier interface {
	Notify(ctx context.Context, alert HealthAlert) error
}

// MultiNotifier fans an alert out to multiple notifiers, continuing past
// individual failures and joining every error encountered.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier from the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify sends alert to every configured notifier, returning a joined
// error if any failed.
func (m *MultiNotifier) Notify(ctx context.Context, alert HealthAlert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewNotifier creates a Notifier based on notifyType: "slack", "discord",
// or "both".
func NewNotifier(notifyType, slackURL, discordURL string) (Notifier, error) {
	switch notifyType {
	case "slack":
		if slackURL == "" {
			return nil, errors.New("slack webhook URL is required for slack notifier")
		}
		return NewSlackNotifier(slackURL), nil
	case "discord":
		if discordURL == "" {
			return nil, errors.New("discord webhook URL is required for discord notifier")
		}
		return NewDiscordNotifier(discordURL), nil
	case "both":
		if slackURL == "" {
			return nil, errors.New("slack webhook URL is required for 'both' notifier")
		}
		if discordURL == "" {
			return nil, errors.New("discord webhook URL is required for 'both' notifier")
		}
		return NewMultiNotifier(
			NewSlackNotifier(slackURL),
			NewDiscordNotifier(discordURL),
		), nil
	default:
		return nil, errors.New("unsupported notifier type: " + notifyType)
	}
}
