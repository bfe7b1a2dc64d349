package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := New([]byte("too short"))
	require.Error(t, err)
}

func TestParseMasterKeyHexAndBase64(t *testing.T) {
	raw := testKey()

	hexKey, err := ParseMasterKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, hexKey)

	b64Key, err := ParseMasterKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, b64Key)

	_, err = ParseMasterKey("not-a-valid-key")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("super secret"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("super secret"), ciphertext)

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super secret", string(plaintext))
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	c1, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)
	c2, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2, "fresh nonce must vary each call")
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = v.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrCredentialCorrupted)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	v1, err := New(testKey())
	require.NoError(t, err)
	other := bytes.Repeat([]byte{0x99}, KeySize)
	v2, err := New(other)
	require.NoError(t, err)

	ciphertext, err := v1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrCredentialCorrupted)
}

func TestEncryptDecryptStringEmptyIsNoop(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	ciphertext, err := v.EncryptString("")
	require.NoError(t, err)
	assert.Nil(t, ciphertext)

	plaintext, err := v.DecryptString(nil)
	require.NoError(t, err)
	assert.Equal(t, "", plaintext)
}

type fakeConnStore struct {
	conns map[string]*model.Connection
}

func (f *fakeConnStore) GetConnection(_ context.Context, id string) (*model.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return nil, assert.AnError
	}
	return c, nil
}

func TestLoadDecryptsPasswordAuth(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	encPass, err := v.EncryptString("hunter2")
	require.NoError(t, err)

	store := &fakeConnStore{conns: map[string]*model.Connection{
		"c1": {ID: "c1", AuthKind: model.AuthKindPassword, EncryptedPassword: encPass},
	}}

	conn, creds, err := v.Load(context.Background(), store, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestLoadDecryptsKeyAuthWithPassphrase(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	encKey, err := v.EncryptString("PRIVATE-KEY-BYTES")
	require.NoError(t, err)
	encPass, err := v.EncryptString("passphrase")
	require.NoError(t, err)

	store := &fakeConnStore{conns: map[string]*model.Connection{
		"c2": {
			ID:                  "c2",
			AuthKind:            model.AuthKindKey,
			EncryptedPrivateKey: encKey,
			EncryptedPassphrase: encPass,
		},
	}}

	_, creds, err := v.Load(context.Background(), store, "c2")
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE-KEY-BYTES", creds.PrivateKey)
	assert.Equal(t, "passphrase", creds.Passphrase)
}

func TestLoadRejectsInvalidConnection(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	store := &fakeConnStore{conns: map[string]*model.Connection{
		"c3": {ID: "c3", AuthKind: model.AuthKindPassword}, // missing ciphertext
	}}

	_, _, err = v.Load(context.Background(), store, "c3")
	assert.Error(t, err)
}
