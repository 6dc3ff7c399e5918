package models

// VerificationStatus classifies the outcome of a magic-link verification.
// These are expected results, not errors: callers map them to user-facing
// messaging while infrastructure faults travel as ordinary Go errors.
type VerificationStatus string

const (
	StatusSuccess             VerificationStatus = "success"
	StatusInvalid             VerificationStatus = "invalid"
	StatusExpired             VerificationStatus = "expired"
	StatusConsumed            VerificationStatus = "consumed"
	StatusFingerprintMismatch VerificationStatus = "fingerprint_mismatch"
	StatusLocked              VerificationStatus = "locked"
)

// VerificationResult carries the status plus whatever account context the
// verification was able to resolve before failing.
type VerificationResult struct {
	Status    VerificationStatus
	AccountID string
	Email     string
	Details   map[string]string
}

// IsSuccess reports whether the token was consumed for a known account.
func (r *VerificationResult) IsSuccess() bool {
	return r.Status == StatusSuccess && r.AccountID != ""
}
