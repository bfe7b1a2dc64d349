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

// Package ipguard is a RAM-only failed-attempt counter for client IPs,
// standing in for the out-of-scope rate-limit store. It is adapted from the
// per-user lockout flow in zmb3-teleport/lib/auth/auth.go (WithUserLock /
// AddUserLoginAttempt / MaxLoginAttempts), generalized from a per-user key
// to a per-IP key since spec.md §4.B/§7 key failed attempts by client IP.
package ipguard

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxAttempts and DefaultWindow are the lockout policy applied unless
// overridden via New.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
)

type entry struct {
	failures  int
	blockedAt time.Time
}

// Guard tracks failed attempts per client IP and blocks further attempts
// once MaxAttempts is reached, for Window.
type Guard struct {
	mu          sync.Mutex
	byIP        map[string]*entry
	maxAttempts int
	window      time.Duration
	clock       clockwork.Clock
}

// New constructs a Guard with the given policy. Pass clockwork.NewRealClock()
// in production and a fake clock in tests.
func New(maxAttempts int, window time.Duration, clock clockwork.Clock) *Guard {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{byIP: make(map[string]*entry), maxAttempts: maxAttempts, window: window, clock: clock}
}

// RecordFailure increments the failure counter for ip. Once the counter
// reaches maxAttempts, ip is blocked for Window from this call.
func (g *Guard) RecordFailure(_ context.Context, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.byIP[ip]
	if !ok {
		e = &entry{}
		g.byIP[ip] = e
	}
	e.failures++
	if e.failures >= g.maxAttempts {
		e.blockedAt = g.clock.Now()
	}
	return nil
}

// Reset clears the failure counter for ip, called on every successful auth
// step (spec.md §7).
func (g *Guard) Reset(_ context.Context, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byIP, ip)
	return nil
}

// IsBlocked reports whether ip is currently within its block window.
func (g *Guard) IsBlocked(_ context.Context, ip string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.byIP[ip]
	if !ok || e.blockedAt.IsZero() {
		return false, nil
	}
	if g.clock.Now().Sub(e.blockedAt) > g.window {
		delete(g.byIP, ip)
		return false, nil
	}
	return true, nil
}
