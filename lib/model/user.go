package model

import "time"

// User is an authenticating principal. PasswordHash is a bcrypt digest;
// TOTPSecret, when non-empty, is the base32 shared secret used for 2FA.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// HasTOTP reports whether the user has completed TOTP enrollment.
func (u *User) HasTOTP() bool {
	return u.TOTPSecret != ""
}

// Passkey is a registered WebAuthn credential bound to a user. The signature
// counter must be monotonically non-decreasing per CredentialID; a caller
// observing a regression must abort authentication (spec.md §3).
type Passkey struct {
	UserID       string
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	Name         string
	BackedUp     bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
}
