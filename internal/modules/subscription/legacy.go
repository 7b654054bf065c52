package subscription

import (
	"context"

	"go.uber.org/zap"
)

// resolveCode maps a pre-migration subscription code to its replacement when
// the conversion shim is enabled; otherwise the code passes through
// unchanged. The shim exists for links mailed out before the code format
// changed and can be switched off once they have aged out.
func (s *Service) resolveCode(ctx context.Context, subCode string) string {
	if !s.cfg.Subscription.ConvertLegacyCodes {
		return subCode
	}
	newCode, err := s.store.TranslateLegacyCode(ctx, subCode)
	if err != nil {
		s.log.Warn("legacy code lookup failed", zap.Error(err))
		return subCode
	}
	if newCode == "" {
		return subCode
	}
	return newCode
}
