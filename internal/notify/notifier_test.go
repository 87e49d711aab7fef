package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mockNotifier struct {
	called bool
	err    error
}

func (m *mockNotifier) Notify(ctx context.Context, alert HealthAlert) error {
	m.called = true
	return m.err
}

func TestMultiNotifierNotifyAll(t *testing.T) {
	n1 := &mockNotifier{}
	n2 := &mockNotifier{}

	multi := NewMultiNotifier(n1, n2)
	err := multi.Notify(context.Background(), HealthAlert{System: "payments", Band: "critical"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n1.called || !n2.called {
		t.Error("expected both notifiers to be called")
	}
}

func TestMultiNotifierContinuesOnError(t *testing.T) {
	n1 := &mockNotifier{err: errors.New("n1 failed")}
	n2 := &mockNotifier{}

	multi := NewMultiNotifier(n1, n2)
	err := multi.Notify(context.Background(), HealthAlert{})
	if err == nil {
		t.Fatal("expected error from failing notifier")
	}
	if !n1.called || !n2.called {
		t.Error("expected second notifier to run despite first failing")
	}
}

func TestMultiNotifierReturnsJoinedErrors(t *testing.T) {
	n1 := &mockNotifier{err: errors.New("n1 failed")}
	n2 := &mockNotifier{err: errors.New("n2 failed")}

	multi := NewMultiNotifier(n1, n2)
	err := multi.Notify(context.Background(), HealthAlert{})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "n1 failed") || !strings.Contains(msg, "n2 failed") {
		t.Errorf("expected joined error to contain both messages, got %q", msg)
	}

	var unwrapped interface{ Unwrap() []error }
	if !errors.As(err, &unwrapped) {
		t.Fatal("expected errors.Join result to implement Unwrap() []error")
	}
	if len(unwrapped.Unwrap()) != 2 {
		t.Errorf("expected 2 wrapped errors, got %d", len(unwrapped.Unwrap()))
	}
}

func TestNewNotifierSlack(t *testing.T) {
	n, err := NewNotifier("slack", "https://hooks.slack.com/test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*SlackNotifier); !ok {
		t.Errorf("expected *SlackNotifier, got %T", n)
	}
}

func TestNewNotifierDiscord(t *testing.T) {
	n, err := NewNotifier("discord", "", "https://discord.com/api/webhooks/test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*DiscordNotifier); !ok {
		t.Errorf("expected *DiscordNotifier, got %T", n)
	}
}

func TestNewNotifierBoth(t *testing.T) {
	n, err := NewNotifier("both", "https://hooks.slack.com/test", "https://discord.com/api/webhooks/test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	multi, ok := n.(*MultiNotifier)
	if !ok {
		t.Fatalf("expected *MultiNotifier, got %T", n)
	}
	if len(multi.notifiers) != 2 {
		t.Errorf("expected 2 notifiers, got %d", len(multi.notifiers))
	}
}

func TestNewNotifierMissingURLs(t *testing.T) {
	cases := []struct {
		name, notifyType, slack, discord string
	}{
		{"slack missing", "slack", "", ""},
		{"discord missing", "discord", "", ""},
		{"both missing slack", "both", "", "https://discord.com/api/webhooks/test"},
		{"both missing discord", "both", "https://hooks.slack.com/test", ""},
		{"unsupported", "email", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewNotifier(tc.notifyType, tc.slack, tc.discord); err == nil {
				t.Error("expected error")
			}
		})
	}
}
