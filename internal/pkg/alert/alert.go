// Package alert emails operators about delivery incidents (rate limiting,
// bulk queue failures). Throttled sends share one cool-down window so a
// sustained incident produces a single alert instead of a storm.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sender is the provider-call surface the alert service needs.
type Sender interface {
	SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error
}

// Service sends operator alert emails with an anti-storm cool-down.
type Service struct {
	sender     Sender
	templateID string
	emails     []string
	cooldown   time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	lastAt time.Time
}

// New builds an alert service. A nil sender or empty recipient list disables
// sending; calls then only log.
func New(sender Sender, templateID string, emails []string, cooldown time.Duration, log *zap.Logger) *Service {
	if cooldown <= 0 {
		cooldown = 3 * time.Minute
	}
	return &Service{
		sender:     sender,
		templateID: templateID,
		emails:     emails,
		cooldown:   cooldown,
		log:        log,
		now:        time.Now,
	}
}

// LetUsKnow sends an alert immediately to every configured operator.
func (s *Service) LetUsKnow(ctx context.Context, subject string, details map[string]string) {
	if s.sender == nil || len(s.emails) == 0 {
		s.log.Warn("operator alert (no recipients configured)", zap.String("subject", subject), zap.Any("details", details))
		return
	}

	personalisation := map[string]string{"subject": subject}
	for k, v := range details {
		personalisation[k] = v
	}

	for _, email := range s.emails {
		if err := s.sender.SendEmail(ctx, s.templateID, email, personalisation, "x-notify_alert"); err != nil {
			s.log.Error("operator alert send failed", zap.String("email", email), zap.Error(err))
		}
	}
}

// Throttled sends at most one alert per cool-down window. Reports whether an
// alert actually went out, and resets the window when it does.
func (s *Service) Throttled(ctx context.Context, subject string, details map[string]string) bool {
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastAt) < s.cooldown {
		s.mu.Unlock()
		return false
	}
	s.lastAt = now
	s.mu.Unlock()

	s.LetUsKnow(ctx, subject, details)
	return true
}
