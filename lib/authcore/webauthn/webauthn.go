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

// Package webauthn sequences WebAuthn registration and login ceremonies on
// top of github.com/go-webauthn/webauthn. It does not implement the
// cryptography itself — spec.md §1 is explicit that this core "does not
// implement the WebAuthn cryptography (it only sequences it)". The shape of
// this package is adapted from zmb3-teleport/lib/auth/webauthn's
// Begin/Finish ceremony split (wanlib.RegistrationFlow / wanlib.LoginFlow),
// ported from the teacher's vendored duo-labs/webauthn onto the actively
// maintained go-webauthn/webauthn module.
package webauthn

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"

	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

// ErrChallengeExpired is returned when a challenge older than MaxChallengeAge
// is presented for verification.
var ErrChallengeExpired = trace.Errorf("webauthn challenge expired")

// ErrCounterRegression is returned when a presented signature counter does
// not strictly exceed the stored one — a cloned-authenticator signal.
var ErrCounterRegression = trace.Errorf("webauthn signature counter regression")

// MaxChallengeAge is the validity window for any challenge, registration or
// authentication (spec.md §3).
const MaxChallengeAge = 5 * time.Minute

// CredentialStore is the out-of-scope persistence collaborator for Passkey
// records.
type CredentialStore interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListPasskeys(ctx context.Context, userID string) ([]*model.Passkey, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*model.Passkey, error)
	PutPasskey(ctx context.Context, pk *model.Passkey) error
}

// Ceremony wraps a *webauthn.WebAuthn with the store it resolves users and
// credentials against.
type Ceremony struct {
	wan   *webauthn.WebAuthn
	store CredentialStore
	clock clockNow
}

type clockNow func() time.Time

// Config mirrors the fields spec.md §6 lists as required environment:
// relying-party id and origin.
type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigin      string
}

// New constructs a Ceremony. now is injected so tests can control expiry
// checks deterministically; pass time.Now in production.
func New(cfg Config, store CredentialStore, now func() time.Time) (*Ceremony, error) {
	if u, err := url.Parse(cfg.RPOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, trace.BadParameter("webauthn relying-party origin %q is not an absolute URL", cfg.RPOrigin)
	}
	wan, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     []string{cfg.RPOrigin},
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing webauthn relying party")
	}
	return &Ceremony{wan: wan, store: store, clock: now}, nil
}

// webauthnUser adapts model.User + its Passkeys to webauthn.User.
type webauthnUser struct {
	id          []byte
	username    string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                        { return u.id }
func (u *webauthnUser) WebAuthnName() string                      { return u.username }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.username }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u *webauthnUser) WebAuthnIcon() string                       { return "" }

func (c *Ceremony) loadUser(ctx context.Context, userID string) (*webauthnUser, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	passkeys, err := c.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	creds := make([]webauthn.Credential, 0, len(passkeys))
	for _, pk := range passkeys {
		creds = append(creds, webauthn.Credential{
			ID:        pk.CredentialID,
			PublicKey: pk.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: pk.SignCount,
			},
		})
	}
	return &webauthnUser{id: []byte(user.ID), username: user.Username, credentials: creds}, nil
}

// BeginRegistration produces registration options for userID and returns the
// options alongside the Challenge record the caller must store on the
// session (spec.md §4.B "Passkey registration").
func (c *Ceremony) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, *model.Challenge, error) {
	user, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	options, session, err := c.wan.BeginRegistration(user)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	data, err := marshalSession(session)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	return options, &model.Challenge{
		Kind:       model.ChallengeRegistration,
		Data:       data,
		IssuedAt:   c.clock(),
		UserHandle: userID,
	}, nil
}

// FinishRegistration validates response against challenge and, on success,
// persists the new Passkey. challenge must have been produced by
// BeginRegistration for the same userID.
func (c *Ceremony) FinishRegistration(ctx context.Context, userID string, challenge *model.Challenge, response *protocol.ParsedCredentialCreationData) (*model.Passkey, error) {
	if challenge == nil || challenge.Kind != model.ChallengeRegistration || challenge.UserHandle != userID {
		return nil, trace.BadParameter("no matching registration challenge for user")
	}
	if challenge.Expired(c.clock(), MaxChallengeAge) {
		return nil, trace.Wrap(ErrChallengeExpired)
	}

	user, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := unmarshalSession(challenge.Data)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cred, err := c.wan.CreateCredential(user, *session, response)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pk := &model.Passkey{
		UserID:       userID,
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		SignCount:    cred.Authenticator.SignCount,
		BackedUp:     cred.Flags.BackupEligible,
		Transports:   transportStrings(response.Response.Transports),
		CreatedAt:    c.clock(),
	}
	if err := c.store.PutPasskey(ctx, pk); err != nil {
		return nil, trace.Wrap(err)
	}
	return pk, nil
}

// BeginLogin produces an authentication challenge, optionally scoped to
// username (spec.md §4.B "Passkey authentication").
func (c *Ceremony) BeginLogin(ctx context.Context, username string) (*protocol.CredentialAssertion, *model.Challenge, error) {
	var options *protocol.CredentialAssertion
	var session *webauthn.SessionData
	var err error

	if username != "" {
		user, loadErr := c.loadUserByUsername(ctx, username)
		if loadErr != nil {
			return nil, nil, trace.Wrap(loadErr)
		}
		options, session, err = c.wan.BeginLogin(user)
	} else {
		options, session, err = c.wan.BeginDiscoverableLogin()
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	data, err := marshalSession(session)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	return options, &model.Challenge{
		Kind:     model.ChallengeAuthentication,
		Data:     data,
		IssuedAt: c.clock(),
	}, nil
}

func (c *Ceremony) loadUserByUsername(ctx context.Context, username string) (*webauthnUser, error) {
	user, err := c.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.loadUser(ctx, user.ID)
}

// FinishLogin validates response against challenge, rejecting any presented
// signature counter that does not strictly exceed the stored one. On
// success it updates the stored counter and last-used timestamp.
func (c *Ceremony) FinishLogin(ctx context.Context, challenge *model.Challenge, response *protocol.ParsedCredentialAssertionData) (*model.Passkey, error) {
	if challenge == nil || challenge.Kind != model.ChallengeAuthentication {
		return nil, trace.BadParameter("no matching authentication challenge")
	}
	if challenge.Expired(c.clock(), MaxChallengeAge) {
		return nil, trace.Wrap(ErrChallengeExpired)
	}

	pk, err := c.store.GetPasskeyByCredentialID(ctx, response.RawID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	user, err := c.loadUser(ctx, pk.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := unmarshalSession(challenge.Data)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cred, err := c.wan.ValidateLogin(user, *session, response)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if cred.Authenticator.SignCount <= pk.SignCount {
		return nil, trace.Wrap(ErrCounterRegression)
	}

	pk.SignCount = cred.Authenticator.SignCount
	pk.LastUsedAt = c.clock()
	if err := c.store.PutPasskey(ctx, pk); err != nil {
		return nil, trace.Wrap(err)
	}
	return pk, nil
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, len(transports))
	for i, t := range transports {
		out[i] = string(t)
	}
	return out
}

// marshalSession/unmarshalSession round-trip a webauthn.SessionData through
// the opaque Challenge.Data field. The library's own session struct already
// carries the challenge bytes; spec.md §3 additionally requires that *this*
// core, not the library, own the issuance timestamp used for the 5-minute
// expiry check, which is why it is tracked on model.Challenge rather than
// trusted from the library's session.
func marshalSession(session *webauthn.SessionData) ([]byte, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling webauthn session data")
	}
	return data, nil
}

func unmarshalSession(data []byte) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, trace.Wrap(err, "unmarshaling webauthn session data")
	}
	return &session, nil
}
