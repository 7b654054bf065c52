package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/alert"
	"github.com/x-notify/core/internal/pkg/notify"
	"github.com/x-notify/core/internal/pkg/queue"
	"go.uber.org/zap"
)

type fakeSender struct {
	emailErr error
	bulkErr  error
	emails   int
	bulks    int
}

func (f *fakeSender) SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error {
	f.emails++
	return f.emailErr
}

func (f *fakeSender) SendBulk(ctx context.Context, name, templateID string, rows [][]string) error {
	f.bulks++
	return f.bulkErr
}

type fakeSenderSource struct{ sender *fakeSender }

func (f fakeSenderSource) Get(apiKey string) Sender { return f.sender }

type fakeAudit struct {
	badEmails []models.NotifyBadEmailLogModel
	tooMany   []models.NotifyTooManyReqLogModel
	notify    []models.NotifyLogModel
}

func (f *fakeAudit) LogBadEmail(ctx context.Context, entry *models.NotifyBadEmailLogModel) error {
	f.badEmails = append(f.badEmails, *entry)
	return nil
}

func (f *fakeAudit) LogTooManyReq(ctx context.Context, entry *models.NotifyTooManyReqLogModel) error {
	f.tooMany = append(f.tooMany, *entry)
	return nil
}

func (f *fakeAudit) LogNotify(ctx context.Context, entry *models.NotifyLogModel) error {
	f.notify = append(f.notify, *entry)
	return nil
}

type fakeMarker struct {
	sent []string
	err  error
}

func (f *fakeMarker) MarkSent(ctx context.Context, mailingID string) error {
	f.sent = append(f.sent, mailingID)
	return f.err
}

func newTestWorker(sender *fakeSender) (*Worker, *fakeAudit, *fakeMarker) {
	audit := &fakeAudit{}
	marker := &fakeMarker{}
	alerts := alert.New(nil, "", nil, 0, zap.NewNop())
	w := NewWorker(fakeSenderSource{sender}, audit, marker, alerts, zap.NewNop())
	return w, audit, marker
}

func confirmJob() *queue.Job {
	return &queue.Job{
		Lane:       queue.LaneConfirm,
		TemplateID: "tpl-confirm",
		NotifyKey:  "key",
		Email:      "user@example.com",
		Reference:  "code-0001",
	}
}

func TestHandleConfirmOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		wantRetry bool
		wantBad   int
		want429   int
		wantAudit int
	}{
		{
			name: "success",
		},
		{
			name:    "bad address dropped",
			sendErr: &notify.Error{StatusCode: 400, Category: notify.CategoryBadAddress, Message: "email_address Not a valid email address"},
			wantBad: 1,
		},
		{
			name:      "rate limited retried",
			sendErr:   &notify.Error{StatusCode: 429, Category: notify.CategoryRateLimited, Message: "Exceeded rate limit"},
			wantRetry: true,
			want429:   1,
		},
		{
			name:      "server error retried",
			sendErr:   &notify.Error{StatusCode: 503, Category: notify.CategoryServer, Message: "Service unavailable"},
			wantRetry: true,
			wantAudit: 1,
		},
		{
			name:      "template error dropped",
			sendErr:   &notify.Error{StatusCode: 400, Category: notify.CategoryOther, Message: "Missing personalisation"},
			wantAudit: 1,
		},
		{
			name:      "transport error retried",
			sendErr:   errors.New("dial tcp: connection refused"),
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, audit, _ := newTestWorker(&fakeSender{emailErr: tt.sendErr})
			err := w.HandleConfirm(context.Background(), confirmJob())
			if (err != nil) != tt.wantRetry {
				t.Errorf("err = %v, want retry = %v", err, tt.wantRetry)
			}
			if len(audit.badEmails) != tt.wantBad {
				t.Errorf("bad email logs = %d, want %d", len(audit.badEmails), tt.wantBad)
			}
			if len(audit.tooMany) != tt.want429 {
				t.Errorf("rate limit logs = %d, want %d", len(audit.tooMany), tt.want429)
			}
			if len(audit.notify) != tt.wantAudit {
				t.Errorf("notify logs = %d, want %d", len(audit.notify), tt.wantAudit)
			}
		})
	}
}

func TestHandleConfirmBadAddressAudit(t *testing.T) {
	sendErr := &notify.Error{StatusCode: 400, Category: notify.CategoryBadAddress, Message: "email_address Not a valid email address"}
	w, audit, _ := newTestWorker(&fakeSender{emailErr: sendErr})

	if err := w.HandleConfirm(context.Background(), confirmJob()); err != nil {
		t.Fatalf("bad address must settle the job, got %v", err)
	}
	entry := audit.badEmails[0]
	if entry.Email != "user@example.com" || entry.SubCode != "code-0001" {
		t.Errorf("audit entry = %+v", entry)
	}
}

func bulkJob(final bool) *queue.Job {
	return &queue.Job{
		Lane:       queue.LaneBulk,
		TemplateID: "tpl-mailing",
		NotifyKey:  "key",
		BatchName:  "Bulk_email-water-quality",
		Rows: [][]string{
			{"email address", "unsub_link"},
			{"a@example.com", "https://apps.example.ca/x-notify/subs/remove/code-a/853e0212b92a127"},
		},
		MailingID:  "m-0001",
		FinalBatch: final,
	}
}

func TestHandleBulkFinalBatchMarksSent(t *testing.T) {
	w, _, marker := newTestWorker(&fakeSender{})

	if err := w.HandleBulk(context.Background(), bulkJob(false)); err != nil {
		t.Fatal(err)
	}
	if len(marker.sent) != 0 {
		t.Fatal("non-final batch must not advance the mailing")
	}

	if err := w.HandleBulk(context.Background(), bulkJob(true)); err != nil {
		t.Fatal(err)
	}
	if len(marker.sent) != 1 || marker.sent[0] != "m-0001" {
		t.Errorf("marked sent = %v, want [m-0001]", marker.sent)
	}
}

func TestHandleBulkMarkSentFailureIsNotRetried(t *testing.T) {
	w, _, marker := newTestWorker(&fakeSender{})
	marker.err = errors.New("not in required state")

	if err := w.HandleBulk(context.Background(), bulkJob(true)); err != nil {
		t.Errorf("delivered batch must settle even if the state move fails, got %v", err)
	}
}

func TestHandleBulkFailures(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		wantRetry bool
		wantAudit int
	}{
		{
			name:      "server error retried",
			sendErr:   &notify.Error{StatusCode: 500, Category: notify.CategoryServer, Message: "Internal server error"},
			wantRetry: true,
			wantAudit: 1,
		},
		{
			name:      "rate limited retried",
			sendErr:   &notify.Error{StatusCode: 429, Category: notify.CategoryRateLimited, Message: "Exceeded rate limit"},
			wantRetry: true,
			wantAudit: 1,
		},
		{
			name:      "payload rejected dropped",
			sendErr:   &notify.Error{StatusCode: 400, Category: notify.CategoryOther, Message: "Request entity too large"},
			wantAudit: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, audit, marker := newTestWorker(&fakeSender{bulkErr: tt.sendErr})
			err := w.HandleBulk(context.Background(), bulkJob(true))
			if (err != nil) != tt.wantRetry {
				t.Errorf("err = %v, want retry = %v", err, tt.wantRetry)
			}
			if len(audit.notify) != tt.wantAudit {
				t.Errorf("notify logs = %d, want %d", len(audit.notify), tt.wantAudit)
			}
			if len(audit.notify) == 1 && audit.notify[0].BodySize == 0 {
				t.Error("failed batch audit must record the payload size")
			}
			if len(marker.sent) != 0 {
				t.Error("failed batch must not advance the mailing")
			}
		})
	}
}
