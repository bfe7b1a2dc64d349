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

// Package memstore provides RAM-only implementations of the persistence
// collaborators lib/authcore, lib/vault and lib/authcore/webauthn depend on
// (SessionStore, UserStore, ConnectionStore, CredentialStore). The real
// relational/session stores are out of this repo's scope (spec.md §1); this
// package exists solely so cmd/nexusd has something concrete to wire and
// health-probe at startup.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

// Sessions is a RAM-only authcore.SessionStore.
type Sessions struct {
	mu   sync.RWMutex
	byID map[string]*model.Session
}

// NewSessions constructs an empty Sessions store.
func NewSessions() *Sessions {
	return &Sessions{byID: make(map[string]*model.Session)}
}

func (s *Sessions) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, trace.NotFound("session %q not found", id)
	}
	return sess, nil
}

func (s *Sessions) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess
	return nil
}

func (s *Sessions) Save(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sess.ID]; !ok {
		return trace.NotFound("session %q not found", sess.ID)
	}
	s.byID[sess.ID] = sess
	return nil
}

func (s *Sessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

// Health reports whether the store is usable; always nil for an in-memory
// map, but kept so cmd/nexusd's startup probe has something uniform to call
// across every collaborator (spec.md §6 "initial health probe").
func (s *Sessions) Health(context.Context) error { return nil }

// Users is a RAM-only authcore.UserStore and webauthn.CredentialStore.
type Users struct {
	mu         sync.RWMutex
	byID       map[string]*model.User
	byUsername map[string]string // username -> id
	passkeys   map[string][]*model.Passkey
}

// NewUsers constructs an empty Users store.
func NewUsers() *Users {
	return &Users{
		byID:       make(map[string]*model.User),
		byUsername: make(map[string]string),
		passkeys:   make(map[string][]*model.Passkey),
	}
}

// Put seeds or replaces a user record.
func (u *Users) Put(user *model.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.byID[user.ID] = user
	u.byUsername[user.Username] = user.ID
}

func (u *Users) GetByUsername(_ context.Context, username string) (*model.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	id, ok := u.byUsername[username]
	if !ok {
		return nil, trace.NotFound("user %q not found", username)
	}
	return u.byID[id], nil
}

func (u *Users) GetByID(_ context.Context, id string) (*model.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.byID[id]
	if !ok {
		return nil, trace.NotFound("user %q not found", id)
	}
	return user, nil
}

func (u *Users) Update(_ context.Context, user *model.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byID[user.ID]; !ok {
		return trace.NotFound("user %q not found", user.ID)
	}
	u.byID[user.ID] = user
	return nil
}

// GetUser is the webauthn.CredentialStore alias for GetByID.
func (u *Users) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return u.GetByID(ctx, userID)
}

// GetUserByUsername satisfies webauthn.CredentialStore directly.
func (u *Users) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return u.GetByUsername(ctx, username)
}

func (u *Users) ListPasskeys(_ context.Context, userID string) ([]*model.Passkey, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]*model.Passkey{}, u.passkeys[userID]...), nil
}

func (u *Users) GetPasskeyByCredentialID(_ context.Context, credentialID []byte) (*model.Passkey, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, list := range u.passkeys {
		for _, pk := range list {
			if bytes.Equal(pk.CredentialID, credentialID) {
				return pk, nil
			}
		}
	}
	return nil, trace.NotFound("passkey credential not found")
}

func (u *Users) PutPasskey(_ context.Context, pk *model.Passkey) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	list := u.passkeys[pk.UserID]
	for i, existing := range list {
		if bytes.Equal(existing.CredentialID, pk.CredentialID) {
			list[i] = pk
			u.passkeys[pk.UserID] = list
			return nil
		}
	}
	u.passkeys[pk.UserID] = append(list, pk)
	return nil
}

// Health reports whether the store is usable.
func (u *Users) Health(context.Context) error { return nil }

// Connections is a RAM-only vault.ConnectionStore.
type Connections struct {
	mu   sync.RWMutex
	byID map[string]*model.Connection
}

// NewConnections constructs an empty Connections store.
func NewConnections() *Connections {
	return &Connections{byID: make(map[string]*model.Connection)}
}

// Put seeds or replaces a connection record.
func (c *Connections) Put(conn *model.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[conn.ID] = conn
}

func (c *Connections) GetConnection(_ context.Context, id string) (*model.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.byID[id]
	if !ok {
		return nil, trace.NotFound("connection %q not found", id)
	}
	return conn, nil
}

// Health reports whether the store is usable.
func (c *Connections) Health(context.Context) error { return nil }
