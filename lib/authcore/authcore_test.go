package authcore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Silentely/nexus-terminal-sub001/internal/memstore"
	"github.com/Silentely/nexus-terminal-sub001/lib/events"
	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

type fakeGuard struct {
	blocked  map[string]bool
	failures map[string]int
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{blocked: make(map[string]bool), failures: make(map[string]int)}
}

func (g *fakeGuard) RecordFailure(_ context.Context, ip string) error {
	g.failures[ip]++
	return nil
}
func (g *fakeGuard) Reset(_ context.Context, ip string) error {
	delete(g.failures, ip)
	g.blocked[ip] = false
	return nil
}
func (g *fakeGuard) IsBlocked(_ context.Context, ip string) (bool, error) {
	return g.blocked[ip], nil
}

func hashPassword(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestCore(t *testing.T, clock clockwork.Clock) (*AuthCore, *memstore.Sessions, *memstore.Users, *fakeGuard) {
	t.Helper()
	sessions := memstore.NewSessions()
	users := memstore.NewUsers()
	guard := newFakeGuard()
	core := New(Config{
		Sessions: sessions,
		Users:    users,
		IPGuard:  guard,
		Bus:      events.NewBus(),
		Clock:    clock,
	})
	return core, sessions, users, guard
}

func TestLoginWithoutTOTPAuthenticatesImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})

	res, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.NotEmpty(t, res.NewSessionID)
}

func TestLoginWrongPasswordIsGenericError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})

	_, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUserIsSameGenericError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, _, _ := newTestCore(t, clock)

	_, err := core.Login(context.Background(), "", LoginRequest{Username: "nobody", Password: "whatever"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectedWhenIPBlocked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, guard := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})
	guard.blocked["9.9.9.9"] = true

	_, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2", ClientIP: "9.9.9.9"})
	require.Error(t, err)
}

// TestSessionFixationProtection verifies that a successful login never
// reuses the caller's pre-authentication session id (S0 != S1), and that
// the stale id no longer resolves.
func TestSessionFixationProtection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, sessions, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})

	oldSession := &model.Session{ID: "anon-session-0"}
	require.NoError(t, sessions.Create(context.Background(), oldSession))

	res, err := core.Login(context.Background(), "anon-session-0", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)
	assert.NotEqual(t, "anon-session-0", res.NewSessionID)

	_, err = sessions.Get(context.Background(), "anon-session-0")
	assert.Error(t, err, "pre-auth session must be discarded on rotation")

	_, err = sessions.Get(context.Background(), res.NewSessionID)
	assert.NoError(t, err)
}

func TestLoginWithTOTPRequiresSecondFactor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2"), TOTPSecret: "JBSWY3DPEHPK3PXP"})

	res, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)
	assert.False(t, res.Authenticated)
	assert.True(t, res.RequiresSecondFactor)
	assert.NotEmpty(t, res.TempToken)
	assert.NotEmpty(t, res.NewSessionID)
}

func TestVerifyTwoFactorWrongTempTokenRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2"), TOTPSecret: "JBSWY3DPEHPK3PXP"})

	login, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)

	code, err := totp.GenerateCode("JBSWY3DPEHPK3PXP", clock.Now())
	require.NoError(t, err)

	_, err = core.VerifyTwoFactor(context.Background(), login.NewSessionID, VerifyTwoFactorRequest{
		TempToken: "not-the-right-token",
		Code:      code,
	})
	assert.ErrorIs(t, err, ErrInvalidAuthState)
}

func TestVerifyTwoFactorCorrectTokenRotatesSessionAgain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2"), TOTPSecret: "JBSWY3DPEHPK3PXP"})

	login, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)

	code, err := totp.GenerateCode("JBSWY3DPEHPK3PXP", clock.Now())
	require.NoError(t, err)

	res, err := core.VerifyTwoFactor(context.Background(), login.NewSessionID, VerifyTwoFactorRequest{
		TempToken: login.TempToken,
		Code:      code,
	})
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.NotEqual(t, login.NewSessionID, res.NewSessionID)
}

func TestVerifyTwoFactorExpiredPendingAuthRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, _, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2"), TOTPSecret: "JBSWY3DPEHPK3PXP"})

	login, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)

	clock.Advance(PendingAuthTTL + time.Second)
	code, err := totp.GenerateCode("JBSWY3DPEHPK3PXP", clock.Now())
	require.NoError(t, err)

	_, err = core.VerifyTwoFactor(context.Background(), login.NewSessionID, VerifyTwoFactorRequest{
		TempToken: login.TempToken,
		Code:      code,
	})
	assert.ErrorIs(t, err, ErrInvalidAuthState)
}

func TestLogoutDeletesSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, sessions, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})

	res, err := core.Login(context.Background(), "", LoginRequest{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)

	require.NoError(t, core.Logout(context.Background(), res.NewSessionID))
	_, err = sessions.Get(context.Background(), res.NewSessionID)
	assert.Error(t, err)
}

func TestTOTPEnrollmentRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, sessions, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})
	require.NoError(t, sessions.Create(context.Background(), &model.Session{ID: "s1", UserID: "u1"}))

	uri, err := core.BeginTOTPEnrollment(context.Background(), "s1", "Nexus Terminal", "alice")
	require.NoError(t, err)
	assert.Contains(t, uri, "otpauth://")

	sess, err := sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.TempTOTPSecret)

	code, err := totp.GenerateCode(sess.TempTOTPSecret, clock.Now())
	require.NoError(t, err)

	require.NoError(t, core.ConfirmTOTPEnrollment(context.Background(), "s1", "u1", code))

	user, err := users.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, user.TOTPSecret)

	sess, err = sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, sess.TempTOTPSecret)
}

func TestTOTPEnrollmentRejectsWrongCode(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, sessions, users, _ := newTestCore(t, clock)
	users.Put(&model.User{ID: "u1", Username: "alice", PasswordHash: hashPassword(t, "hunter2")})
	require.NoError(t, sessions.Create(context.Background(), &model.Session{ID: "s1", UserID: "u1"}))

	_, err := core.BeginTOTPEnrollment(context.Background(), "s1", "Nexus Terminal", "alice")
	require.NoError(t, err)

	err = core.ConfirmTOTPEnrollment(context.Background(), "s1", "u1", "000000")
	assert.Error(t, err)
}
