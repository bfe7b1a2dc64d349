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

// Package model holds the persistence-agnostic data types shared by the
// authentication core, the batch executor and the transfer orchestrator.
// Nothing in this package talks to a database; stores live behind the
// interfaces declared alongside their consumers.
package model

import (
	"time"

	"github.com/gravitational/trace"
)

// AuthKind is how a Connection authenticates to its target host.
type AuthKind string

const (
	AuthKindNone     AuthKind = "none"
	AuthKindPassword AuthKind = "password"
	AuthKindKey      AuthKind = "key"
)

// Connection identifies a target host. Secret fields hold opaque ciphertext
// produced by lib/vault; they are never meaningful outside a Decrypt call.
type Connection struct {
	ID          string
	DisplayName string
	Host        string
	Port        int
	User        string
	AuthKind    AuthKind

	EncryptedPassword   []byte
	EncryptedPrivateKey []byte
	EncryptedPassphrase []byte

	// ProxyID optionally references another Connection used as a jump host.
	ProxyID string
}

// Validate checks the invariants from spec.md §3: a password-kind connection
// must carry an encrypted password, a key-kind connection an encrypted key.
func (c *Connection) Validate() error {
	switch c.AuthKind {
	case AuthKindPassword:
		if len(c.EncryptedPassword) == 0 {
			return trace.BadParameter("connection %q: password auth requires encrypted_password", c.ID)
		}
	case AuthKindKey:
		if len(c.EncryptedPrivateKey) == 0 {
			return trace.BadParameter("connection %q: key auth requires encrypted_private_key", c.ID)
		}
	case AuthKindNone:
	default:
		return trace.BadParameter("connection %q: unknown auth kind %q", c.ID, c.AuthKind)
	}
	return nil
}

// DecryptedCredentials is transient, in-memory only. Callers must not log or
// persist it; it is discarded when the operation that requested it ends.
type DecryptedCredentials struct {
	Password   string
	PrivateKey string
	Passphrase string
}

// Timestamps pairs a record's creation and update times. No type in the
// model package embeds it; BatchTask and TransferTask declare their own
// CreatedAt/UpdatedAt fields.
type Timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}
