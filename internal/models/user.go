package models

import "time"

// User is the caller identity behind shell sessions. Rows are created on the first
// session request and never hard-deleted.
type User struct {
	ID             string     `json:"id" db:"id"`
	ContactAddress *string    `json:"contact_address,omitempty" db:"contact_address"`
	Verified       bool       `json:"verified" db:"verified"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty" db:"last_verified_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`

	// TrustedIdentities is the ordered set of hashed client identities the user has
	// already been admitted from. Loaded from user_trusted_identities.
	TrustedIdentities []string `json:"-" db:"-"`
}

// HasVerifiedContact returns true if an OTP can be delivered out of band.
func (u *User) HasVerifiedContact() bool {
	return u.Verified && u.ContactAddress != nil && *u.ContactAddress != ""
}
