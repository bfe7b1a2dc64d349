package authcore

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/gravitational/trace"

	wan "github.com/Silentely/nexus-terminal-sub001/lib/authcore/webauthn"
	"github.com/Silentely/nexus-terminal-sub001/lib/events"
	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

// Passkeys bundles a *wan.Ceremony onto an AuthCore. It is a thin sequencing
// layer: session storage of the challenge and session-id rotation on success
// are this package's job, cryptographic verification is the ceremony's
// (spec.md §1 non-goal: "does not implement the WebAuthn cryptography").
type Passkeys struct {
	core     *AuthCore
	ceremony *wan.Ceremony
}

// NewPasskeys attaches a webauthn ceremony to core.
func NewPasskeys(core *AuthCore, ceremony *wan.Ceremony) *Passkeys {
	return &Passkeys{core: core, ceremony: ceremony}
}

// BeginRegistration stores the returned challenge on the session and returns
// the options to send to the browser (spec.md §4.B "Passkey registration").
func (p *Passkeys) BeginRegistration(ctx context.Context, sessionID, userID string) (*protocol.CredentialCreation, error) {
	options, challenge, err := p.ceremony.BeginRegistration(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sess, err := p.core.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sess.Challenge = challenge
	if err := p.core.cfg.Sessions.Save(ctx, sess); err != nil {
		return nil, trace.Wrap(err)
	}
	return options, nil
}

// FinishRegistration validates response against the challenge stored on the
// session and clears it afterward, win or lose (challenges are
// single-use — spec.md §3).
func (p *Passkeys) FinishRegistration(ctx context.Context, sessionID, userID string, response *protocol.ParsedCredentialCreationData) error {
	sess, err := p.core.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	challenge := sess.Challenge
	sess.Challenge = nil
	if saveErr := p.core.cfg.Sessions.Save(ctx, sess); saveErr != nil {
		logger.WithError(saveErr).Warn("failed to clear registration challenge")
	}

	pk, err := p.ceremony.FinishRegistration(ctx, userID, challenge, response)
	if err != nil {
		return trace.Wrap(err)
	}

	p.core.cfg.Bus.Publish(events.PasskeyRegistered{
		UserID:       userID,
		CredentialID: pk.CredentialID,
		Name:         pk.Name,
		At:           p.core.cfg.Clock.Now(),
	})
	return nil
}

// BeginAuthentication stores the challenge on the session and returns the
// assertion options (spec.md §4.B "Passkey authentication"). username may be
// empty for a discoverable (resident-key) login.
func (p *Passkeys) BeginAuthentication(ctx context.Context, sessionID, username string) (*protocol.CredentialAssertion, error) {
	options, challenge, err := p.ceremony.BeginLogin(ctx, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sess, err := p.core.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		// An anonymous caller may not have a session row yet; provisioning
		// one is the out-of-scope session-cookie layer's job, not this
		// ceremony's, so the failure is surfaced as-is.
		return nil, trace.Wrap(err)
	}
	sess.Challenge = challenge
	if err := p.core.cfg.Sessions.Save(ctx, sess); err != nil {
		return nil, trace.Wrap(err)
	}
	return options, nil
}

// FinishAuthentication validates response, and on success rotates the
// session identifier and binds it to the resolved user — the same terminal
// step every other successful auth path takes (spec.md §4.B state machine).
func (p *Passkeys) FinishAuthentication(ctx context.Context, sessionID string, rememberMe bool, response *protocol.ParsedCredentialAssertionData) (*LoginResult, error) {
	sess, err := p.core.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidAuthState)
	}
	challenge := sess.Challenge
	sess.Challenge = nil
	if saveErr := p.core.cfg.Sessions.Save(ctx, sess); saveErr != nil {
		logger.WithError(saveErr).Warn("failed to clear authentication challenge")
	}

	pk, err := p.ceremony.FinishLogin(ctx, challenge, response)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	user, err := p.core.cfg.Users.GetByID(ctx, pk.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	newSession, err := p.core.rotateSession(ctx, sessionID, &model.Session{
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: p.core.cfg.Clock.Now().Add(ttlFor(rememberMe)),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.core.cfg.Bus.Publish(events.LoginSuccess{UserID: user.ID, Username: user.Username, At: p.core.cfg.Clock.Now()})
	return &LoginResult{Authenticated: true, NewSessionID: newSession.ID}, nil
}
