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

func TestBuildSlackPayload_Structure(t *testing.T) {
	alert := HealthAlert{
		System:  "payments",
		Score:   0.15,
		Band:    "critical",
		Message: "failure probability spiked above threshold",
	}

	payload := BuildSlackPayload(alert)

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	blocks, ok := parsed["blocks"].([]interface{})
	if !ok {
		t.Fatal("expected blocks array")
	}
	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}

	header := blocks[0].(map[string]interface{})
	if header["type"] != "header" {
		t.Errorf("expected header block, got %q", header["type"])
	}
	headerText := header["text"].(map[string]interface{})
	if headerText["text"] != "System Health CRITICAL" {
		t.Errorf("unexpected header text: %v", headerText["text"])
	}
}

func TestBuildSlackPayload_WarningBand(t *testing.T) {
	alert := HealthAlert{System: "payments", Score: 0.45, Band: "warning"}
	payload := BuildSlackPayload(alert)
	header := payload.Blocks[0].Text.Text
	if header != "System Health Degraded" {
		t.Errorf("expected warning header, got %q", header)
	}
}

func TestBuildSlackPayload_NoMessage(t *testing.T) {
	alert := HealthAlert{System: "payments", Score: 0.6, Band: "warning"}

	payload := BuildSlackPayload(alert)
	if len(payload.Blocks) != 3 {
		t.Errorf("expected 3 blocks without message, got %d", len(payload.Blocks))
	}
}

func TestSlackNotifier_Notify_Success(t *testing.T) {
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

	notifier := NewSlackNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.9, Band: "warning"}

	err := notifier.Notify(context.Background(), alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(receivedBody) == 0 {
		t.Error("expected non-empty request body")
	}
}

func TestSlackNotifier_Notify_HTTPErrorRetriesOnce(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.1, Band: "critical"}

	err := notifier.Notify(context.Background(), alert)
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}

	if got := callCount.Load(); got != 2 {
		t.Errorf("expected 2 calls (1 retry), got %d", got)
	}
}

func TestSlackNotifier_Notify_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	alert := HealthAlert{System: "payments", Score: 0.1, Band: "critical"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := notifier.Notify(ctx, alert)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestSlackNotifier_Notify_VerifiesRequestBodyJSON(t *testing.T) {
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

	notifier := NewSlackNotifier(server.URL)
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

	var payload slackPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("request body is not valid slack payload JSON: %v", err)
	}
	if len(payload.Blocks) != 4 {
		t.Errorf("expected 4 blocks, got %d", len(payload.Blocks))
	}
}

func TestSlackNotifier_ClientTimeout(t *testing.T) {
	notifier := NewSlackNotifier("http://example.com")
	if notifier.client.Timeout != 10*time.Second {
		t.Errorf("expected client timeout of 10s, got %v", notifier.client.Timeout)
	}
}

func TestSlackNotifier_Notify_TimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timeout test in short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := &SlackNotifier{
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
