package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"extractflow/internal/config"
	"extractflow/internal/runstore"
)

const userAgent = "extractflow/0.1"

// Service is the notification surface used by the orchestrator and scheduler.
type Service interface {
	BatchFinished(ctx context.Context, batch *runstore.BatchRun) error
	ScheduleFailed(ctx context.Context, schedule string, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed service, or a no-op one when no topic is
// configured.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

// Enabled reports whether svc delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return svc != nil && !noop
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

func (n *ntfyService) BatchFinished(ctx context.Context, batch *runstore.BatchRun) error {
	if batch == nil {
		return nil
	}
	label := batch.Name
	if strings.TrimSpace(label) == "" {
		label = batch.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: matched %d of %d entities (%.1f%%)",
		label, batch.ReportedMatched(), batch.TotalExpectedEntities, batch.MatchRate()*100)
	if batch.FailedUnits > 0 {
		fmt.Fprintf(&b, ", %d units failed", batch.FailedUnits)
	}
	if active := batch.ActiveDuration(n.now()).Round(time.Second); active > 0 {
		fmt.Fprintf(&b, " in %s", active)
	}
	if batch.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n%s", batch.ErrorMessage)
	}

	data := payload{message: b.String()}
	switch batch.State {
	case runstore.BatchCompleted:
		data.title = "extractflow - Batch Complete"
		data.tags = []string{"extractflow", "batch", "completed"}
	case runstore.BatchCompletedWithFailures:
		data.title = "extractflow - Batch Complete (with failures)"
		data.tags = []string{"extractflow", "batch", "warning"}
	default:
		data.title = "extractflow - Batch Failed"
		data.tags = []string{"extractflow", "batch", "failed"}
		data.priority = "high"
	}
	return n.send(ctx, data)
}

func (n *ntfyService) ScheduleFailed(ctx context.Context, schedule string, err error) error {
	reason := "unknown"
	if err != nil {
		reason = strings.TrimSpace(err.Error())
	}
	return n.send(ctx, payload{
		title:    "extractflow - Schedule Failed",
		message:  fmt.Sprintf("Schedule %s could not submit its batch: %s", strings.TrimSpace(schedule), reason),
		tags:     []string{"extractflow", "schedule", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "extractflow - Test",
		message:  "Notification system test",
		tags:     []string{"extractflow", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) BatchFinished(context.Context, *runstore.BatchRun) error { return nil }
func (noopService) ScheduleFailed(context.Context, string, error) error     { return nil }
func (noopService) TestNotification(context.Context) error                 { return nil }
