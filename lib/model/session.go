package model

import "time"

// Session is the server-side record a session cookie points at. Every
// authentication-status transition discards the old Session (by ID) and
// writes a fresh one — see lib/authcore's rotateSession.
type Session struct {
	ID                   string
	UserID               string
	Username             string
	RequiresSecondFactor bool
	PendingAuth          *PendingAuth
	Challenge            *Challenge
	TempTOTPSecret       string
	ExpiresAt            time.Time
}

// PendingAuth is attached to a session after a successful password check
// when the user has TOTP enabled. It is short-lived (spec.md: 5 minutes).
type PendingAuth struct {
	UserID     string
	Username   string
	TempToken  string
	ExpiresAt  time.Time
	RememberMe bool
}

// Expired reports whether now is past the pending auth's expiry.
func (p *PendingAuth) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ChallengeKind distinguishes WebAuthn registration from authentication
// challenges; registration challenges are bound to a specific user handle.
type ChallengeKind string

const (
	ChallengeRegistration   ChallengeKind = "registration"
	ChallengeAuthentication ChallengeKind = "authentication"
)

// Challenge is a WebAuthn challenge record. Valid for at most 5 minutes from
// IssuedAt; consumed on any verification attempt (successful or not).
type Challenge struct {
	Kind       ChallengeKind
	Data       []byte
	IssuedAt   time.Time
	UserHandle string
}

// Expired reports whether now is more than maxAge past IssuedAt.
func (c *Challenge) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.IssuedAt) > maxAge
}
