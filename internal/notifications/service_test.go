package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"extractflow/internal/config"
	"extractflow/internal/notifications"
	"extractflow/internal/runstore"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if notifications.Enabled(svc) {
		t.Fatal("expected a disabled service without a topic")
	}
	if err := svc.BatchFinished(context.Background(), &runstore.BatchRun{ID: "b"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type capturedRequest struct {
	title    string
	tags     string
	priority string
	body     string
}

func newCapture(t *testing.T, status int) (*config.Config, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		captured.title = r.Header.Get("Title")
		captured.tags = r.Header.Get("Tags")
		captured.priority = r.Header.Get("Priority")
		body, _ := io.ReadAll(r.Body)
		captured.body = string(body)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RequestTimeoutSeconds = 5
	return &cfg, captured
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)

	tests := []struct {
		name           string
		send           func(notifications.Service) error
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name: "batch completed",
			send: func(svc notifications.Service) error {
				return svc.BatchFinished(context.Background(), &runstore.BatchRun{
					ID: "b1", Name: "invoices", State: runstore.BatchCompleted,
					MatchedEntities: 3, TotalExpectedEntities: 4,
					StartedAt: &started, CompletedAt: &finished,
				})
			},
			expectTitle:   "extractflow - Batch Complete",
			expectMessage: "invoices: matched 3 of 4 entities (75.0%) in 1m30s",
			expectTags:    "extractflow,batch,completed",
		},
		{
			name: "batch failed",
			send: func(svc notifications.Service) error {
				return svc.BatchFinished(context.Background(), &runstore.BatchRun{
					ID: "b2", State: runstore.BatchFailed, TotalExpectedEntities: 2,
					FailedUnits: 1, ErrorMessage: "1 units failed",
				})
			},
			expectTitle:    "extractflow - Batch Failed",
			expectMessage:  "b2: matched 0 of 2 entities (0.0%), 1 units failed\n1 units failed",
			expectTags:     "extractflow,batch,failed",
			expectPriority: "high",
		},
		{
			name: "schedule failed",
			send: func(svc notifications.Service) error {
				return svc.ScheduleFailed(context.Background(), "nightly", errors.New("manifest missing"))
			},
			expectTitle:    "extractflow - Schedule Failed",
			expectMessage:  "Schedule nightly could not submit its batch: manifest missing",
			expectTags:     "extractflow,schedule,alert",
			expectPriority: "high",
		},
		{
			name:           "test",
			send:           func(svc notifications.Service) error { return svc.TestNotification(context.Background()) },
			expectTitle:    "extractflow - Test",
			expectMessage:  "Notification system test",
			expectTags:     "extractflow,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, captured := newCapture(t, http.StatusOK)
			if err := tc.send(notifications.NewService(cfg)); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}
			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	cfg, _ := newCapture(t, http.StatusForbidden)
	if err := notifications.NewService(cfg).TestNotification(context.Background()); err == nil {
		t.Fatal("expected an error for a 403 response")
	}
}
