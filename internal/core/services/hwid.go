package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

// HWIDValidator applies format, risk and change-throttle policy to device ids.
type HWIDValidator struct {
	strict  bool
	changes ports.AttemptLimiter
	logger  *slog.Logger
}

// NewHWIDValidator creates a validator. In strict mode warning-level risk
// findings are rejected too. changes may be nil to disable the change throttle.
func NewHWIDValidator(strict bool, changes ports.AttemptLimiter, logger *slog.Logger) *HWIDValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HWIDValidator{strict: strict, changes: changes, logger: logger}
}

// Check validates the raw hwid and returns its canonical form with the risk findings.
// Blocking findings always fail; warnings fail only in strict mode.
func (v *HWIDValidator) Check(hwid string) (string, domain.RiskAssessment, error) {
	if _, err := domain.ValidateHWIDFormat(hwid); err != nil {
		return "", domain.RiskAssessment{}, err
	}
	normalized := domain.NormalizeHWID(hwid)
	risk := domain.AssessHWIDRisk(normalized)
	for _, code := range risk.Codes() {
		metrics.HWIDRiskFindings.WithLabelValues(code).Inc()
	}

	if risk.Blocking() || (v.strict && risk.Suspicious) {
		return "", risk, domain.NewError(domain.KindValidation,
			fmt.Sprintf("hwid rejected: %s", strings.Join(risk.Codes(), ", ")))
	}
	if risk.Suspicious {
		v.logger.Warn("suspicious hwid accepted", "reasons", risk.Codes(), "entropy", risk.Entropy)
	}
	return normalized, risk, nil
}

// AllowChange consumes one slot of the user's device-change window.
func (v *HWIDValidator) AllowChange(ctx context.Context, userID string) error {
	if v.changes == nil {
		return nil
	}
	allowed, retryAfter, err := v.changes.Allow(ctx, "hwid_change:"+userID)
	if err != nil {
		return fmt.Errorf("failed to check hwid change limit: %w", err)
	}
	if !allowed {
		metrics.RateLimited.WithLabelValues("hwid_change").Inc()
		return domain.NewError(domain.KindRateLimited,
			fmt.Sprintf("too many device changes, retry in %s", retryAfter.Round(time.Second)))
	}
	return nil
}
