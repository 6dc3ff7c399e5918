package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	scopeVerifyFailUser = "verify_fail_user"
	scopeVerifyFailIP   = "verify_fail_ip"

	minLockDuration = 5 * time.Minute
)

// AccountLocker is the slice of account persistence the lockout policy needs.
type AccountLocker interface {
	SetLockedUntil(ctx context.Context, id string, until time.Time) error
}

// AlertSender delivers security notifications to the account owner.
type AlertSender interface {
	SendSecurityAlert(ctx context.Context, email, subject, body string) error
}

type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// LockoutPolicy counts failed verifications per account and applies a
// temporary lock once the threshold is crossed inside the window. A parallel
// per-IP counter is recorded for visibility but never locks anything, since
// an attacker could otherwise lock out a whole NAT.
type LockoutPolicy struct {
	limiter  *RateLimiter
	accounts AccountLocker
	events   EventRecorder
	alerts   AlertSender
	config   LockoutConfig
	logger   *slog.Logger
}

func NewLockoutPolicy(limiter *RateLimiter, accounts AccountLocker, events EventRecorder, alerts AlertSender, config LockoutConfig, logger *slog.Logger) *LockoutPolicy {
	if config.Duration < minLockDuration {
		config.Duration = minLockDuration
	}
	return &LockoutPolicy{
		limiter:  limiter,
		accounts: accounts,
		events:   events,
		alerts:   alerts,
		config:   config,
		logger:   logger,
	}
}

// RegisterFailure records a failed verification against the account and the
// source IP. Returns true when this failure tripped the lock.
func (p *LockoutPolicy) RegisterFailure(ctx context.Context, accountID, email, ip string) (bool, error) {
	if ip != "" {
		if _, err := p.limiter.Hit(ctx, scopeVerifyFailIP, ip, p.config.Threshold, p.config.Window); err != nil {
			p.logger.Error("failed to record per-ip failure counter", slog.Any("error", err))
		}
	}

	if accountID == "" {
		return false, nil
	}

	result, err := p.limiter.Hit(ctx, scopeVerifyFailUser, accountID, p.config.Threshold, p.config.Window)
	if err != nil {
		return false, err
	}
	if !result.Limited {
		return false, nil
	}

	lockedUntil := time.Now().Add(p.config.Duration)
	if err := p.accounts.SetLockedUntil(ctx, accountID, lockedUntil); err != nil {
		return false, fmt.Errorf("failed to lock account: %w", err)
	}

	p.events.Record("account_locked", map[string]string{
		"account_id":   accountID,
		"ip":           ip,
		"locked_until": lockedUntil.Format(time.RFC3339),
		"failures":     fmt.Sprintf("%d", result.Count),
	})

	if email != "" && p.alerts != nil {
		subject := "Security alert: sign-in temporarily locked"
		body := fmt.Sprintf(
			"Repeated failed sign-in attempts were detected for your account. Sign-in is locked until %s. If this was not you, no action is needed; the link attempts never succeeded.",
			lockedUntil.Format(time.RFC1123),
		)
		if err := p.alerts.SendSecurityAlert(ctx, email, subject, body); err != nil {
			// Alert delivery is best effort, the lock itself already holds.
			p.logger.Error("failed to send lockout alert",
				slog.String("account_id", accountID),
				slog.Any("error", err),
			)
		}
	}

	return true, nil
}

// ClearFailures resets both failure counters after a successful sign-in.
func (p *LockoutPolicy) ClearFailures(ctx context.Context, accountID, ip string) {
	if accountID != "" {
		if err := p.limiter.Clear(ctx, scopeVerifyFailUser, accountID); err != nil {
			p.logger.Error("failed to clear account failure counter", slog.Any("error", err))
		}
	}
	if ip != "" {
		if err := p.limiter.Clear(ctx, scopeVerifyFailIP, ip); err != nil {
			p.logger.Error("failed to clear ip failure counter", slog.Any("error", err))
		}
	}
}
