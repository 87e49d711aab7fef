package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestBuildDiscordPayload_Structure(t *testing.T) {
	alert := HealthAlert{
		System:  "payments",
		Score:   0.15,
		Band:    "critical",
		Message: "failure probability spiked above threshold",
	}

	payload := BuildDiscordPayload(alert)

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	embeds, ok := parsed["embeds"].([]interface{})
	if !ok || len(embeds) != 1 {
		t.Fatal("expected exactly 1 embed")
	}

	embed := embeds[0].(map[string]interface{})

	title := embed["title"].(string)
	if title != "Health alert: payments" {
		t.Errorf("unexpected title: %q", title)
	}

	color := int(embed["color"].(float64))
	if color != discordColorCritical {
		t.Errorf("expected critical color %d, got %d", discordColorCritical, color)
	}

	fields := embed["fields"].([]interface{})
	if len(fields) != 4 { // System, Health score, Band, Message
		t.Errorf("expected 4 fields, got %d", len(fields))
	}

	footer := embed["footer"].(map[string]interface{})
	if footer["text"] != "eventbus health router" {
		t.Errorf("unexpected footer text: %q", footer["text"])
	}
}

func TestBuildDiscordPayload_WarningColor(t *testing.T) {
	alert := HealthAlert{System: "payments", Score: 0.45, Band: "warning"}
	payload := BuildDiscordPayload(alert)
	if payload.Embeds[0].Color != discordColorWarning {
		t.Errorf("expected warning color %d, got %d", discordColorWarning, payload.Embeds[0].Color)
	}
}

func TestBuildDiscordPayload_NoMessage(t *testing.T) {
	alert := HealthAlert{System: "payments", Score: 0.6, Band: "warning"}

	payload := BuildDiscordPayload(alert)
	if len(payload.Embeds[0].Fields) != 3 {
		t.Errorf("expected 3 fields without message, got %d", len(payload.Embeds[0].Fields))
	}
}

func TestDiscordNotifier_Notify_Success(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %q", r.Header.Get("Content-Type"))
		}
		var err error
		receivedBody, err = io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewDiscordNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.9, Band: "warning"}

	err := notifier.Notify(context.Background(), alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(receivedBody) == 0 {
		t.Error("expected non-empty request body")
	}
}

func TestDiscordNotifier_Notify_HTTPError(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	notifier := NewDiscordNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.1, Band: "critical"}

	err := notifier.Notify(context.Background(), alert)
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}

	if got := callCount.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestDiscordNotifier_Notify_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewDiscordNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.1, Band: "critical"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := notifier.Notify(ctx, alert)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestDiscordNotifier_Notify_VerifiesRequestBodyJSON(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	var gotMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		var err error
		gotBody, err = io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewDiscordNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.42, Band: "critical", Message: "looks like a bug"}

	err := notifier.Notify(context.Background(), alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST method, got %q", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", gotContentType)
	}

	var payload discordPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("request body is not valid discord payload JSON: %v", err)
	}

	if len(payload.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(payload.Embeds))
	}

	embed := payload.Embeds[0]
	if len(embed.Fields) != 4 {
		t.Errorf("expected 4 fields, got %d", len(embed.Fields))
	}
	if embed.Footer == nil {
		t.Error("expected non-nil footer")
	}
}

func TestDiscordNotifier_ClientTimeout(t *testing.T) {
	notifier := NewDiscordNotifier("http://example.com")
	if notifier.client.Timeout != 30*time.Second {
		t.Errorf("expected client timeout of 30s, got %v", notifier.client.Timeout)
	}
}

func TestDiscordNotifier_Notify_TimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timeout test in short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := &DiscordNotifier{
		webhookURL: server.URL,
		client: &http.Client{
			Timeout: 100 * time.Millisecond,
		},
	}

	alert := HealthAlert{System: "payments", Score: 0.1, Band: "critical"}

	err := notifier.Notify(context.Background(), alert)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "Client.Timeout") && !strings.Contains(errStr, "deadline exceeded") && !strings.Contains(errStr, "context deadline") {
		t.Errorf("expected timeout-related error, got: %v", err)
	}
}
