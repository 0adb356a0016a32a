package models

import "time"

// OTPChallenge is a one-time code issued for a PENDING_OTP session. Only the code hash
// is stored; the challenge is consumed exactly once.
type OTPChallenge struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	SessionID    string    `json:"session_id" db:"session_id"`
	CodeHash     string    `json:"-" db:"code_hash"`
	IdentityHash string    `json:"-" db:"identity_hash"`
	Attempts     int       `json:"attempts" db:"attempts"`
	Verified     bool      `json:"verified" db:"verified"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
