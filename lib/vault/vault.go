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

// Package vault implements the Credential Vault (spec.md §4.A): symmetric
// authenticated encryption of the secret fields on a Connection record, and
// a convenience loader that resolves a connection id to its decrypted
// credentials. The cipher follows the NaCl-keyed-box pattern used by
// gravitational-teleport's lib/backend/encryptedbk/encryptor package, built
// on golang.org/x/crypto/nacl/secretbox rather than a hand-rolled AES mode.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

// KeySize is the required length, in bytes, of the vault master key.
const KeySize = 32

// ErrCredentialCorrupted is returned when ciphertext fails to authenticate.
// Per spec.md §4.A the error must not leak key material or which byte
// failed; it carries no details beyond the sentinel itself.
var ErrCredentialCorrupted = trace.Errorf("credential ciphertext failed to authenticate")

// Vault encrypts and decrypts the opaque secret blobs on Connection records.
// It is stateless apart from the master key, matching spec.md §5's "Shared
// resources" description.
type Vault struct {
	key [KeySize]byte
}

// New constructs a Vault from a raw 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, trace.BadParameter("vault master key must be %d bytes, got %d", KeySize, len(key))
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// ParseMasterKey decodes an env-var-supplied key, accepting either hex or
// base64 (raw 32-byte binary is rejected as it can't travel safely through
// an environment variable).
func ParseMasterKey(s string) ([]byte, error) {
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	return nil, trace.BadParameter("master key must decode (hex or base64) to %d bytes", KeySize)
}

// Encrypt seals plaintext with a fresh random nonce, returning nonce||box.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &v.key)
	return sealed, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any authentication failure
// collapses to ErrCredentialCorrupted, never exposing the underlying cause.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, trace.Wrap(ErrCredentialCorrupted)
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &v.key)
	if !ok {
		return nil, trace.Wrap(ErrCredentialCorrupted)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for the three textual secret fields.
func (v *Vault) EncryptString(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	return v.Encrypt([]byte(plaintext))
}

// DecryptString is the inverse of EncryptString; an empty/nil ciphertext
// decrypts to the empty string without touching the cipher.
func (v *Vault) DecryptString(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(plaintext), nil
}

// ConnectionStore is the out-of-scope relational-table collaborator; Load
// only needs to fetch a record by id.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
}

// Load fetches the connection record and decrypts whichever secret fields
// apply to its AuthKind, returning a composite ready to hand to the SSH
// dialer. The returned DecryptedCredentials must not be logged or persisted.
func (v *Vault) Load(ctx context.Context, store ConnectionStore, connectionID string) (*model.Connection, *model.DecryptedCredentials, error) {
	conn, err := store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if err := conn.Validate(); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	creds := &model.DecryptedCredentials{}
	switch conn.AuthKind {
	case model.AuthKindPassword:
		creds.Password, err = v.DecryptString(conn.EncryptedPassword)
	case model.AuthKindKey:
		if creds.PrivateKey, err = v.DecryptString(conn.EncryptedPrivateKey); err == nil {
			creds.Passphrase, err = v.DecryptString(conn.EncryptedPassphrase)
		}
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return conn, creds, nil
}
