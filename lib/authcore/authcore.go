/*
Copyright 2024 Nexus Terminal Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package authcore is the Authentication Core (spec.md §4.B): it drives the
// three-stage state machine Anonymous -> Pending2FA? -> Authenticated across
// password, TOTP and Passkey paths. The lockout/failed-attempt flow is
// adapted from zmb3-teleport/lib/auth/auth.go's WithUserLock helper; error
// handling follows the same trace.Wrap/trace.AccessDenied discipline used
// throughout that file.
package authcore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/pquerna/otp/totp"

	"github.com/Silentely/nexus-terminal-sub001/lib/events"
	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

var logger = log.WithField("component", "authcore")

// PendingAuthTTL and SessionDefaultTTL/SessionRememberMeTTL are the lifetimes
// named in spec.md §3/§9.
const (
	PendingAuthTTL       = 5 * time.Minute
	SessionDefaultTTL    = 24 * time.Hour
	SessionRememberMeTTL = 30 * 24 * time.Hour
)

// Generic, oracle-free error returned for every credential-path failure so a
// caller cannot distinguish "wrong user" from "wrong password" (spec.md §7).
var ErrInvalidCredentials = trace.AccessDenied("invalid credentials")

// ErrInvalidAuthState covers a missing/mismatched/expired Pending
// Authentication (spec.md §4.B "2FA verification").
var ErrInvalidAuthState = trace.AccessDenied("invalid authentication state")

// SessionStore is the out-of-scope server-side session persistence
// collaborator; the shape it must expose is in scope (spec.md §9).
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, s *model.Session) error
	Save(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, id string) error
}

// UserStore is the out-of-scope relational users table collaborator.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByID(ctx context.Context, id string) (*model.User, error)
	Update(ctx context.Context, u *model.User) error
}

// IPGuard is the out-of-scope IP-blacklist collaborator (lib/ipguard
// satisfies this with a RAM-only implementation).
type IPGuard interface {
	RecordFailure(ctx context.Context, ip string) error
	Reset(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// CaptchaVerifier is the out-of-scope CAPTCHA provider collaborator.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// Config bundles the AuthCore's collaborators and tunables.
type Config struct {
	Sessions       SessionStore
	Users          UserStore
	IPGuard        IPGuard
	Captcha        CaptchaVerifier // nil when CaptchaEnabled is false
	CaptchaEnabled bool
	Bus            *events.Bus
	Clock          clockwork.Clock
}

// AuthCore drives the login state machine.
type AuthCore struct {
	cfg Config
}

// New constructs an AuthCore. cfg.Clock defaults to the real clock when nil.
func New(cfg Config) *AuthCore {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &AuthCore{cfg: cfg}
}

// LoginRequest is the input to Login (spec.md §6 POST /auth/login).
type LoginRequest struct {
	Username     string
	Password     string
	CaptchaToken string
	RememberMe   bool
	ClientIP     string
}

// LoginResult reports what the caller must do next: either the session is
// now Authenticated, or a second factor is required and TempToken must be
// echoed back via VerifyTwoFactor.
type LoginResult struct {
	Authenticated        bool
	RequiresSecondFactor bool
	TempToken            string
	NewSessionID         string
}

// Login implements spec.md §4.B "Password login". sessionID is the caller's
// current (possibly anonymous) session id, or "" if none exists yet.
func (a *AuthCore) Login(ctx context.Context, sessionID string, req LoginRequest) (*LoginResult, error) {
	if a.cfg.CaptchaEnabled {
		ok, err := a.cfg.Captcha.Verify(ctx, req.CaptchaToken)
		if err != nil || !ok {
			a.recordFailure(ctx, req.ClientIP)
			return nil, trace.Wrap(ErrInvalidCredentials)
		}
	}

	blocked, err := a.cfg.IPGuard.IsBlocked(ctx, req.ClientIP)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if blocked {
		return nil, trace.LimitExceeded("too many failed attempts, try again later")
	}

	user, err := a.cfg.Users.GetByUsername(ctx, req.Username)
	if err != nil {
		// Do not let "user not found" take a different error path than
		// "wrong password" — both end at ErrInvalidCredentials.
		a.recordFailure(ctx, req.ClientIP)
		return nil, trace.Wrap(ErrInvalidCredentials)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		a.recordFailure(ctx, req.ClientIP)
		return nil, trace.Wrap(ErrInvalidCredentials)
	}

	if err := a.cfg.IPGuard.Reset(ctx, req.ClientIP); err != nil {
		logger.WithError(err).Warn("failed to reset ip guard counter")
	}

	if !user.HasTOTP() {
		newSession, err := a.rotateSession(ctx, sessionID, &model.Session{
			UserID:    user.ID,
			Username:  user.Username,
			ExpiresAt: a.cfg.Clock.Now().Add(ttlFor(req.RememberMe)),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		a.cfg.Bus.Publish(events.LoginSuccess{UserID: user.ID, Username: user.Username, At: a.cfg.Clock.Now()})
		return &LoginResult{Authenticated: true, NewSessionID: newSession.ID}, nil
	}

	tempToken, err := randomHexToken(32)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	newSession, err := a.rotateSession(ctx, sessionID, &model.Session{
		RequiresSecondFactor: true,
		PendingAuth: &model.PendingAuth{
			UserID:     user.ID,
			Username:   user.Username,
			TempToken:  tempToken,
			ExpiresAt:  a.cfg.Clock.Now().Add(PendingAuthTTL),
			RememberMe: req.RememberMe,
		},
		ExpiresAt: a.cfg.Clock.Now().Add(SessionDefaultTTL),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &LoginResult{RequiresSecondFactor: true, TempToken: tempToken, NewSessionID: newSession.ID}, nil
}

// VerifyTwoFactorRequest is the input to VerifyTwoFactor (spec.md §6 POST
// /auth/login/2fa).
type VerifyTwoFactorRequest struct {
	TempToken string
	Code      string
	ClientIP  string
}

// VerifyTwoFactor implements spec.md §4.B "2FA verification".
func (a *AuthCore) VerifyTwoFactor(ctx context.Context, sessionID string, req VerifyTwoFactorRequest) (*LoginResult, error) {
	sess, err := a.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidAuthState)
	}

	pending := sess.PendingAuth
	if pending == nil {
		a.recordFailure(ctx, req.ClientIP)
		return nil, trace.Wrap(ErrInvalidAuthState)
	}
	if subtle.ConstantTimeCompare([]byte(pending.TempToken), []byte(req.TempToken)) != 1 {
		a.recordFailure(ctx, req.ClientIP)
		return nil, trace.Wrap(ErrInvalidAuthState)
	}
	if pending.Expired(a.cfg.Clock.Now()) {
		a.recordFailure(ctx, req.ClientIP)
		return nil, trace.Wrap(ErrInvalidAuthState)
	}

	user, err := a.cfg.Users.GetByID(ctx, pending.UserID)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidAuthState)
	}

	valid, err := totp.ValidateCustom(req.Code, user.TOTPSecret, a.cfg.Clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: 0,
	})
	if err != nil || !valid {
		a.recordFailure(ctx, req.ClientIP)
		return nil, trace.Wrap(ErrInvalidCredentials)
	}

	if err := a.cfg.IPGuard.Reset(ctx, req.ClientIP); err != nil {
		logger.WithError(err).Warn("failed to reset ip guard counter")
	}

	newSession, err := a.rotateSession(ctx, sessionID, &model.Session{
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: a.cfg.Clock.Now().Add(ttlFor(pending.RememberMe)),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.cfg.Bus.Publish(events.LoginSuccess{UserID: user.ID, Username: user.Username, At: a.cfg.Clock.Now()})
	return &LoginResult{Authenticated: true, NewSessionID: newSession.ID}, nil
}

// Logout destroys the session (state machine: Any -> Anonymous).
func (a *AuthCore) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return trace.Wrap(a.cfg.Sessions.Delete(ctx, sessionID))
}

// rotateSession is the defining session-fixation defense (spec.md §4.B,
// §9 "callback-driven session regeneration"): it discards oldSessionID and
// installs a freshly-identified session carrying desired's fields. It is a
// single blocking call rather than the teacher's nested-callback style —
// the new state is only committed once the store confirms the create.
func (a *AuthCore) rotateSession(ctx context.Context, oldSessionID string, desired *model.Session) (*model.Session, error) {
	desired.ID = uuid.NewString()
	if err := a.cfg.Sessions.Create(ctx, desired); err != nil {
		return nil, trace.Wrap(err, "session store failure during rotation")
	}
	if oldSessionID != "" {
		if err := a.cfg.Sessions.Delete(ctx, oldSessionID); err != nil {
			logger.WithError(err).Warn("failed to delete pre-rotation session")
		}
	}
	return desired, nil
}

func (a *AuthCore) recordFailure(ctx context.Context, ip string) {
	if ip == "" {
		return
	}
	if err := a.cfg.IPGuard.RecordFailure(ctx, ip); err != nil {
		logger.WithError(err).Warn("failed to record ip guard failure")
	}
	a.cfg.Bus.Publish(events.LoginFailure{ClientIP: ip, Kind: "InvalidCredentials", At: a.cfg.Clock.Now()})
}

func ttlFor(rememberMe bool) time.Duration {
	if rememberMe {
		return SessionRememberMeTTL
	}
	return SessionDefaultTTL
}

func randomHexToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}
