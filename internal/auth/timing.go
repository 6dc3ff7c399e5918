package auth

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// DelayConfig bounds the jittered sleep applied on verification failure paths.
type DelayConfig struct {
	MinMs int
	MaxMs int
}

// FailureDelay makes failed verifications indistinguishable by timing: every
// failure branch sleeps a crypto-random duration inside the configured range,
// so "selector absent" and "wrong secret" cost the same to an observer.
type FailureDelay struct {
	config DelayConfig
}

// NewFailureDelay creates a FailureDelay. A zero range disables sleeping,
// which tests rely on.
func NewFailureDelay(config DelayConfig) *FailureDelay {
	if config.MaxMs < config.MinMs {
		config.MaxMs = config.MinMs
	}
	return &FailureDelay{config: config}
}

// Sleep blocks for a random duration in [MinMs, MaxMs] milliseconds.
func (d *FailureDelay) Sleep() {
	if d == nil || d.config.MaxMs == 0 {
		return
	}

	jitterRange := d.config.MaxMs - d.config.MinMs
	jitter := 0
	if jitterRange > 0 {
		if v, err := cryptoRandIntn(jitterRange + 1); err == nil {
			jitter = v
		}
	}

	time.Sleep(time.Duration(d.config.MinMs+jitter) * time.Millisecond)
}

// cryptoRandIntn returns a secure random number in [0, max). Uses crypto/rand
// because the jitter must not be predictable.
func cryptoRandIntn(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return 0, err
	}

	randomValue := binary.BigEndian.Uint64(randomBytes)
	return int(randomValue % uint64(max)), nil
}
