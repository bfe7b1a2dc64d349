package webauthn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

type fakeStore struct {
	users    map[string]*model.User
	byName   map[string]string
	passkeys map[string][]*model.Passkey
	byCredID map[string]*model.Passkey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*model.User),
		byName:   make(map[string]string),
		passkeys: make(map[string][]*model.Passkey),
		byCredID: make(map[string]*model.Passkey),
	}
}

func (f *fakeStore) addUser(u *model.User) {
	f.users[u.ID] = u
	f.byName[u.Username] = u.ID
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (*model.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	id, ok := f.byName[username]
	if !ok {
		return nil, assert.AnError
	}
	return f.users[id], nil
}

func (f *fakeStore) ListPasskeys(_ context.Context, userID string) ([]*model.Passkey, error) {
	return f.passkeys[userID], nil
}

func (f *fakeStore) GetPasskeyByCredentialID(_ context.Context, credentialID []byte) (*model.Passkey, error) {
	pk, ok := f.byCredID[string(credentialID)]
	if !ok {
		return nil, assert.AnError
	}
	return pk, nil
}

func (f *fakeStore) PutPasskey(_ context.Context, pk *model.Passkey) error {
	f.passkeys[pk.UserID] = append(f.passkeys[pk.UserID], pk)
	f.byCredID[string(pk.CredentialID)] = pk
	return nil
}

func newTestCeremony(t *testing.T, store CredentialStore, now func() time.Time) *Ceremony {
	t.Helper()
	c, err := New(Config{
		RPDisplayName: "Test RP",
		RPID:          "localhost",
		RPOrigin:      "https://localhost",
	}, store, now)
	require.NoError(t, err)
	return c
}

func TestNewRejectsInvalidOrigin(t *testing.T) {
	_, err := New(Config{RPDisplayName: "x", RPID: "localhost", RPOrigin: "not a url"}, newFakeStore(), time.Now)
	assert.Error(t, err)
}

func TestBeginRegistrationProducesChallenge(t *testing.T) {
	store := newFakeStore()
	store.addUser(&model.User{ID: "u1", Username: "alice"})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCeremony(t, store, func() time.Time { return fixed })

	options, challenge, err := c.BeginRegistration(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, options)
	assert.Equal(t, model.ChallengeRegistration, challenge.Kind)
	assert.Equal(t, "u1", challenge.UserHandle)
	assert.Equal(t, fixed, challenge.IssuedAt)
	assert.NotEmpty(t, challenge.Data)
}

func TestFinishRegistrationRejectsMismatchedChallenge(t *testing.T) {
	store := newFakeStore()
	store.addUser(&model.User{ID: "u1", Username: "alice"})
	c := newTestCeremony(t, store, time.Now)

	_, err := c.FinishRegistration(context.Background(), "u1", nil, nil)
	assert.Error(t, err)

	wrongKind := &model.Challenge{Kind: model.ChallengeAuthentication, UserHandle: "u1", IssuedAt: time.Now()}
	_, err = c.FinishRegistration(context.Background(), "u1", wrongKind, nil)
	assert.Error(t, err)

	wrongUser := &model.Challenge{Kind: model.ChallengeRegistration, UserHandle: "someone-else", IssuedAt: time.Now()}
	_, err = c.FinishRegistration(context.Background(), "u1", wrongUser, nil)
	assert.Error(t, err)
}

func TestFinishRegistrationRejectsExpiredChallenge(t *testing.T) {
	store := newFakeStore()
	store.addUser(&model.User{ID: "u1", Username: "alice"})
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := issued
	c := newTestCeremony(t, store, func() time.Time { return current })

	challenge := &model.Challenge{
		Kind:       model.ChallengeRegistration,
		UserHandle: "u1",
		IssuedAt:   issued,
		Data:       []byte(`{}`),
	}

	current = issued.Add(MaxChallengeAge + time.Second)
	_, err := c.FinishRegistration(context.Background(), "u1", challenge, nil)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestBeginLoginWithUsernameProducesAuthenticationChallenge(t *testing.T) {
	store := newFakeStore()
	store.addUser(&model.User{ID: "u1", Username: "alice"})
	store.passkeys["u1"] = []*model.Passkey{{
		UserID:       "u1",
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("public-key-bytes"),
	}}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCeremony(t, store, func() time.Time { return fixed })

	options, challenge, err := c.BeginLogin(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, options)
	assert.Equal(t, model.ChallengeAuthentication, challenge.Kind)
	assert.Equal(t, fixed, challenge.IssuedAt)
}

func TestBeginLoginUnknownUsernameFails(t *testing.T) {
	store := newFakeStore()
	c := newTestCeremony(t, store, time.Now)

	_, _, err := c.BeginLogin(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestFinishLoginRejectsMismatchedOrExpiredChallenge(t *testing.T) {
	store := newFakeStore()
	c := newTestCeremony(t, store, time.Now)

	_, err := c.FinishLogin(context.Background(), nil, nil)
	assert.Error(t, err)

	wrongKind := &model.Challenge{Kind: model.ChallengeRegistration, IssuedAt: time.Now()}
	_, err = c.FinishLogin(context.Background(), wrongKind, nil)
	assert.Error(t, err)

	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := &model.Challenge{Kind: model.ChallengeAuthentication, IssuedAt: issued}
	current := issued.Add(MaxChallengeAge + time.Second)
	c2 := newTestCeremony(t, store, func() time.Time { return current })
	_, err = c2.FinishLogin(context.Background(), expired, nil)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}
