package alert

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingSender struct {
	sent []string
}

func (r *recordingSender) SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error {
	r.sent = append(r.sent, email)
	return nil
}

func TestThrottledCooldown(t *testing.T) {
	sender := &recordingSender{}
	svc := New(sender, "tpl-alert", []string{"ops@example.gc.ca"}, 3*time.Minute, zap.NewNop())
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	if !svc.Throttled(ctx, "Bulk send error", nil) {
		t.Fatal("first alert must go out")
	}
	if svc.Throttled(ctx, "Bulk send error", nil) {
		t.Fatal("second alert inside the window must be suppressed")
	}
	now = base.Add(2 * time.Minute)
	if svc.Throttled(ctx, "Bulk send error", nil) {
		t.Fatal("alert still inside the window must be suppressed")
	}
	now = base.Add(3 * time.Minute)
	if !svc.Throttled(ctx, "Bulk send error", nil) {
		t.Fatal("alert after the window must go out")
	}
	if len(sender.sent) != 2 {
		t.Errorf("sent = %d alerts, want 2", len(sender.sent))
	}
}

func TestLetUsKnowFansOut(t *testing.T) {
	sender := &recordingSender{}
	svc := New(sender, "tpl-alert", []string{"a@example.gc.ca", "b@example.gc.ca"}, 0, zap.NewNop())

	svc.LetUsKnow(context.Background(), "Notify rate limited", map[string]string{"type": "request_429"})
	if len(sender.sent) != 2 {
		t.Fatalf("sent to %d recipients, want 2", len(sender.sent))
	}
}

func TestAlertsDisabledWithoutSender(t *testing.T) {
	svc := New(nil, "tpl-alert", nil, 0, zap.NewNop())
	// Must not panic, and still reports the window as consumed.
	if !svc.Throttled(context.Background(), "Bulk send error", nil) {
		t.Error("first throttled call must claim the window even when disabled")
	}
}
