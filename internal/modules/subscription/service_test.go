package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/x-notify/core/internal/config"
	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/queue"
	"go.uber.org/zap"
)

type fakeStore struct {
	guards      map[string]string // email|topic -> guard code
	unconfirmed map[string]*models.SubUnconfirmedModel
	confirmed   map[string]*models.SubConfirmedModel
	recents     map[string]*models.SubRecentModel
	legacy      map[string]string
	subsLogs    []models.SubsLogModel
	bulkLogs    []models.BulkLogModel
	codeSeq     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		guards:      make(map[string]string),
		unconfirmed: make(map[string]*models.SubUnconfirmedModel),
		confirmed:   make(map[string]*models.SubConfirmedModel),
		recents:     make(map[string]*models.SubRecentModel),
		legacy:      make(map[string]string),
	}
}

func guardKey(email, topicID string) string { return email + "|" + topicID }

func (f *fakeStore) InsertGuard(ctx context.Context, email, topicID string) (string, error) {
	key := guardKey(email, topicID)
	if _, ok := f.guards[key]; ok {
		return "", ErrGuardExists
	}
	f.codeSeq++
	code := fmt.Sprintf("code-%04d", f.codeSeq)
	f.guards[key] = code
	return code, nil
}

func (f *fakeStore) DeleteGuard(ctx context.Context, email, topicID string) error {
	delete(f.guards, guardKey(email, topicID))
	return nil
}

func (f *fakeStore) CreateUnconfirmed(ctx context.Context, sub *models.SubUnconfirmedModel) error {
	f.unconfirmed[sub.SubCode] = sub
	return nil
}

func (f *fakeStore) ClaimResend(ctx context.Context, email, topicID string, now, nextNotBefore time.Time) (*models.SubUnconfirmedModel, bool, error) {
	for _, sub := range f.unconfirmed {
		if sub.Email == email && sub.TopicID == topicID {
			if sub.NotBefore.After(now) {
				return nil, true, nil
			}
			sub.NotBefore = nextNotBefore
			return sub, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeStore) TakeUnconfirmed(ctx context.Context, subCode, email string) (*models.SubUnconfirmedModel, error) {
	sub, ok := f.unconfirmed[subCode]
	if !ok || (email != "" && sub.Email != email) {
		return nil, nil
	}
	delete(f.unconfirmed, subCode)
	return sub, nil
}

func (f *fakeStore) CreateConfirmed(ctx context.Context, sub *models.SubConfirmedModel) error {
	if _, ok := f.confirmed[sub.SubCode]; ok {
		return nil
	}
	f.confirmed[sub.SubCode] = sub
	return nil
}

func (f *fakeStore) TakeConfirmed(ctx context.Context, subCode, email string) (*models.SubConfirmedModel, error) {
	sub, ok := f.confirmed[subCode]
	if !ok || (email != "" && sub.Email != email) {
		return nil, nil
	}
	delete(f.confirmed, subCode)
	return sub, nil
}

func (f *fakeStore) ListConfirmed(ctx context.Context, topicID string) ([]models.SubConfirmedModel, error) {
	var subs []models.SubConfirmedModel
	for _, sub := range f.confirmed {
		if sub.TopicID == topicID {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

func (f *fakeStore) DeleteConfirmedByEmail(ctx context.Context, email, topicID string) (*models.SubConfirmedModel, error) {
	for code, sub := range f.confirmed {
		if sub.Email == email && sub.TopicID == topicID {
			delete(f.confirmed, code)
			return sub, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpsertRecent(ctx context.Context, recent *models.SubRecentModel) error {
	f.recents[recent.SubCode] = recent
	return nil
}

func (f *fakeStore) GetRecent(ctx context.Context, subCode string) (*models.SubRecentModel, error) {
	return f.recents[subCode], nil
}

func (f *fakeStore) PurgeRecents(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for code, recent := range f.recents {
		if recent.CreatedAt.Before(olderThan) {
			delete(f.recents, code)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) TranslateLegacyCode(ctx context.Context, oldCode string) (string, error) {
	return f.legacy[oldCode], nil
}

func (f *fakeStore) LogSubs(ctx context.Context, entry *models.SubsLogModel) error {
	f.subsLogs = append(f.subsLogs, *entry)
	return nil
}

func (f *fakeStore) LogBulk(ctx context.Context, entry *models.BulkLogModel) error {
	f.bulkLogs = append(f.bulkLogs, *entry)
	return nil
}

type fakeTopics map[string]*models.TopicModel

func (f fakeTopics) Get(ctx context.Context, topicID string) (*models.TopicModel, bool) {
	t, ok := f[topicID]
	return t, ok
}

type fakeQueue struct {
	jobs []*queue.Job
	err  error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.Subscription.BaseURL = "https://apps.example.ca/x-notify"
	cfg.Subscription.LinkSuffix = "853e0212b92a127"
	cfg.Subscription.ResendIntervalMinutes = 25
	cfg.Subscription.RecentsTTLDays = 7
	cfg.Queue.Confirm.Attempts = 5
	cfg.Queue.Confirm.Backoff = "fixed"
	cfg.Queue.Confirm.DelaySeconds = 60
	cfg.Queue.Bulk.Attempts = 5
	cfg.Queue.Bulk.Backoff = "exponential"
	cfg.Queue.Bulk.DelaySeconds = 300
	cfg.Queue.BatchSize = 45000
	return cfg
}

func testTopic() *models.TopicModel {
	return &models.TopicModel{
		ID:         "water-quality",
		TemplateID: "tpl-confirm",
		NotifyKey:  "key-water",
		ConfirmURL: "https://canada.ca/subscription-confirmed",
		UnsubURL:   "https://canada.ca/goodbye",
		ThankURL:   "https://canada.ca/check-your-email",
	}
}

func newTestService() (*Service, *fakeStore, *fakeQueue) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := NewService(store, fakeTopics{"water-quality": testTopic()}, q, testConfig(), zap.NewNop())
	return svc, store, q
}

func TestSubscribeQueuesConfirmation(t *testing.T) {
	svc, store, q := newTestService()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	if err := svc.Subscribe(context.Background(), "User@Example.com", "water-quality"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	code, ok := store.guards[guardKey("user@example.com", "water-quality")]
	if !ok {
		t.Fatal("guard missing after subscribe")
	}
	sub := store.unconfirmed[code]
	if sub == nil {
		t.Fatal("pending subscription missing")
	}
	if sub.Email != "user@example.com" {
		t.Errorf("email = %q, want normalized lowercase", sub.Email)
	}
	if want := base.Add(25 * time.Minute); !sub.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", sub.NotBefore, want)
	}
	if sub.TemplateID != "tpl-confirm" || sub.NotifyKey != "key-water" {
		t.Errorf("topic settings not captured on pending row: %+v", sub)
	}

	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(q.jobs))
	}
	job := q.jobs[0]
	if job.Lane != queue.LaneConfirm {
		t.Errorf("lane = %q, want confirm", job.Lane)
	}
	link := job.Personalisation["confirm_link"]
	if !strings.HasSuffix(link, "/subs/confirm/"+code) {
		t.Errorf("confirm_link = %q, want suffix /subs/confirm/%s", link, code)
	}
}

func TestSubscribeResendGate(t *testing.T) {
	svc, store, q := newTestService()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatal(err)
	}

	// Inside the gate: accepted silently, nothing re-sent.
	now = base.Add(10 * time.Minute)
	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs after gated resend = %d, want 1", len(q.jobs))
	}
	if len(store.unconfirmed) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(store.unconfirmed))
	}

	// After the gate: confirmation re-sent and the gate pushed forward.
	now = base.Add(26 * time.Minute)
	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("jobs after open resend = %d, want 2", len(q.jobs))
	}
	for _, sub := range store.unconfirmed {
		if want := now.Add(25 * time.Minute); !sub.NotBefore.Equal(want) {
			t.Errorf("NotBefore = %v, want pushed to %v", sub.NotBefore, want)
		}
	}

	// The resend log records that a pending row was found.
	last := store.subsLogs[len(store.subsLogs)-1]
	if last.Task != "resend" || !last.Found {
		t.Errorf("last log = %+v, want resend/found", last)
	}
}

func TestSubscribeWhileConfirmedIsSilent(t *testing.T) {
	svc, store, q := newTestService()
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatal(err)
	}
	code := store.guards[guardKey("user@example.com", "water-quality")]
	if _, err := svc.Confirm(ctx, code, ""); err != nil {
		t.Fatal(err)
	}

	sent := len(q.jobs)
	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatalf("re-subscribe while confirmed: %v", err)
	}
	if len(q.jobs) != sent {
		t.Error("re-subscribe while confirmed must not send email")
	}
	last := store.subsLogs[len(store.subsLogs)-1]
	if last.Task != "resend" || last.Found {
		t.Errorf("last log = %+v, want resend/not-found", last)
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	svc, store, q := newTestService()
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "not-an-email", "water-quality"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("invalid email: err = %v, want ErrInvalidEmail", err)
	}
	if err := svc.Subscribe(ctx, "user@example.com", "no-such-topic"); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("unknown topic: err = %v, want ErrTopicNotFound", err)
	}
	if len(store.guards) != 0 || len(store.unconfirmed) != 0 || len(q.jobs) != 0 {
		t.Error("rejected subscribe must leave no state behind")
	}
}

func TestConfirmActivatesSubscription(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatal(err)
	}
	code := store.guards[guardKey("user@example.com", "water-quality")]

	link, err := svc.Confirm(ctx, code, "user@example.com")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if link != "https://canada.ca/subscription-confirmed" {
		t.Errorf("redirect = %q, want confirmed page", link)
	}
	if len(store.unconfirmed) != 0 {
		t.Error("pending row must be consumed")
	}
	if store.confirmed[code] == nil {
		t.Fatal("confirmed row missing")
	}
	recent := store.recents[code]
	if recent == nil || recent.MustSub {
		t.Errorf("recent = %+v, want stored with MustSub=false", recent)
	}
}

func TestConfirmUsesURLCapturedAtSubscribe(t *testing.T) {
	store := newFakeStore()
	topics := fakeTopics{"water-quality": testTopic()}
	svc := NewService(store, topics, &fakeQueue{}, testConfig(), zap.NewNop())
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatal(err)
	}
	code := store.guards[guardKey("user@example.com", "water-quality")]

	// The topic is retired between subscribe and confirm. The emailed link
	// still lands on the page recorded on the pending row.
	delete(topics, "water-quality")

	link, err := svc.Confirm(ctx, code, "")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if link != "https://canada.ca/subscription-confirmed" {
		t.Errorf("redirect = %q, want the page captured at subscribe time", link)
	}
}

func TestConfirmReplayRedirectsAgain(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	svc.Subscribe(ctx, "user@example.com", "water-quality")
	code := store.guards[guardKey("user@example.com", "water-quality")]
	first, err := svc.Confirm(ctx, code, "")
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.Confirm(ctx, code, "")
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if second != first {
		t.Errorf("replay redirect = %q, want %q", second, first)
	}
	if len(store.confirmed) != 1 {
		t.Errorf("confirmed rows = %d, want 1", len(store.confirmed))
	}
}

func TestUnsubscribeAndReSubscribe(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	svc.Subscribe(ctx, "user@example.com", "water-quality")
	code := store.guards[guardKey("user@example.com", "water-quality")]
	svc.Confirm(ctx, code, "")

	link, err := svc.Unsubscribe(ctx, code, "")
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if link != "https://canada.ca/goodbye" {
		t.Errorf("redirect = %q, want goodbye page", link)
	}
	if len(store.confirmed) != 0 {
		t.Error("confirmed row must be removed")
	}
	if _, ok := store.guards[guardKey("user@example.com", "water-quality")]; ok {
		t.Error("guard must be released on unsubscribe")
	}
	if recent := store.recents[code]; recent == nil || !recent.MustSub {
		t.Errorf("recent = %+v, want MustSub=true", recent)
	}

	// The pair is free again: a fresh subscribe starts a new pipeline with a
	// new code.
	if err := svc.Subscribe(ctx, "user@example.com", "water-quality"); err != nil {
		t.Fatalf("re-subscribe after unsubscribe: %v", err)
	}
	newCode := store.guards[guardKey("user@example.com", "water-quality")]
	if newCode == code {
		t.Error("re-subscribe must issue a fresh code")
	}
}

func TestConfirmReplayAfterUnsubscribeReactivates(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	svc.Subscribe(ctx, "user@example.com", "water-quality")
	code := store.guards[guardKey("user@example.com", "water-quality")]
	svc.Confirm(ctx, code, "")
	svc.Unsubscribe(ctx, code, "")

	link, err := svc.Confirm(ctx, code, "")
	if err != nil {
		t.Fatalf("confirm after unsubscribe: %v", err)
	}
	if link != "https://canada.ca/subscription-confirmed" {
		t.Errorf("redirect = %q, want confirmed page", link)
	}
	if store.confirmed[code] == nil {
		t.Error("subscription must be re-activated")
	}
	if _, ok := store.guards[guardKey("user@example.com", "water-quality")]; !ok {
		t.Error("guard must be restored")
	}
}

func TestUnknownCode(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, "nope", ""); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("Confirm unknown: err = %v, want ErrCodeNotFound", err)
	}
	if _, err := svc.Unsubscribe(ctx, "nope", ""); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("Unsubscribe unknown: err = %v, want ErrCodeNotFound", err)
	}
}

func TestLegacyCodeTranslation(t *testing.T) {
	svc, store, _ := newTestService()
	svc.cfg.Subscription.ConvertLegacyCodes = true
	ctx := context.Background()

	svc.Subscribe(ctx, "user@example.com", "water-quality")
	code := store.guards[guardKey("user@example.com", "water-quality")]
	store.legacy["1588043121528"] = code

	link, err := svc.Confirm(ctx, "1588043121528", "")
	if err != nil {
		t.Fatalf("confirm via legacy code: %v", err)
	}
	if link != "https://canada.ca/subscription-confirmed" {
		t.Errorf("redirect = %q, want confirmed page", link)
	}
	if store.confirmed[code] == nil {
		t.Error("confirmed row must exist under the new code")
	}
}

func TestPurgeExpiredRecents(t *testing.T) {
	svc, store, _ := newTestService()
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	store.recents["old"] = &models.SubRecentModel{SubCode: "old", CreatedAt: base.AddDate(0, 0, -8)}
	store.recents["new"] = &models.SubRecentModel{SubCode: "new", CreatedAt: base.AddDate(0, 0, -1)}

	n, err := svc.PurgeExpiredRecents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if store.recents["old"] != nil || store.recents["new"] == nil {
		t.Error("only rows older than the TTL should be purged")
	}
}

func TestBulkAddAndRemove(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	added, err := svc.AddBulk(ctx, "water-quality", []string{
		"A@example.com",
		"b@example.com",
		"not-an-email",
		"a@example.com", // duplicate of the first after normalization
	})
	if err != nil {
		t.Fatalf("AddBulk: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if len(store.confirmed) != 2 {
		t.Errorf("confirmed rows = %d, want 2", len(store.confirmed))
	}

	removed, err := svc.RemoveBulk(ctx, "water-quality", []string{"a@example.com", "ghost@example.com"})
	if err != nil {
		t.Fatalf("RemoveBulk: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := store.guards[guardKey("a@example.com", "water-quality")]; ok {
		t.Error("guard must be released by bulk remove")
	}
	if len(store.bulkLogs) != 2 {
		t.Errorf("bulk logs = %d, want 2", len(store.bulkLogs))
	}
}
