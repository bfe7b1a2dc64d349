package authcore

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/pquerna/otp/totp"
)

// BeginTOTPEnrollment generates a fresh TOTP secret, stashes it on the
// session as TempTOTPSecret (spec.md §3 "used only during 2FA setup") and
// returns the otpauth:// URI for the user to scan. The secret is not
// committed to the user record until ConfirmTOTPEnrollment validates a code
// against it.
func (a *AuthCore) BeginTOTPEnrollment(ctx context.Context, sessionID, issuer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: accountName})
	if err != nil {
		return "", trace.Wrap(err)
	}

	sess, err := a.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sess.TempTOTPSecret = key.Secret()
	if err := a.cfg.Sessions.Save(ctx, sess); err != nil {
		return "", trace.Wrap(err)
	}

	return key.URL(), nil
}

// ConfirmTOTPEnrollment validates code against the session's pending secret
// and, on success, commits it to the user's record.
func (a *AuthCore) ConfirmTOTPEnrollment(ctx context.Context, sessionID, userID, code string) error {
	sess, err := a.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if sess.TempTOTPSecret == "" {
		return trace.BadParameter("no TOTP enrollment in progress")
	}

	valid, err := totp.ValidateCustom(code, sess.TempTOTPSecret, a.cfg.Clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: 0,
	})
	if err != nil || !valid {
		return trace.Wrap(ErrInvalidCredentials)
	}

	user, err := a.cfg.Users.GetByID(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	user.TOTPSecret = sess.TempTOTPSecret
	if err := a.cfg.Users.Update(ctx, user); err != nil {
		return trace.Wrap(err)
	}

	sess.TempTOTPSecret = ""
	return trace.Wrap(a.cfg.Sessions.Save(ctx, sess))
}
