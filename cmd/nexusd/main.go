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

// Command nexusd wires the control-plane core (Credential Vault, SSH Dialer,
// Authentication Core, Batch Fan-out Executor, Cross-Host Transfer
// Orchestrator, Event Bus) into a Server and validates its environment at
// startup. It does not listen on the network itself — the HTTP routing
// layer that would call into Server is out of this repo's scope — it exists
// to prove the wiring and the fail-fast config checks, mirroring the
// startup-validation shape of zmb3-teleport/lib/service.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/Silentely/nexus-terminal-sub001/internal/memstore"
	"github.com/Silentely/nexus-terminal-sub001/lib/authcore"
	"github.com/Silentely/nexus-terminal-sub001/lib/authcore/webauthn"
	"github.com/Silentely/nexus-terminal-sub001/lib/batch"
	"github.com/Silentely/nexus-terminal-sub001/lib/events"
	"github.com/Silentely/nexus-terminal-sub001/lib/ipguard"
	"github.com/Silentely/nexus-terminal-sub001/lib/sshdialer"
	"github.com/Silentely/nexus-terminal-sub001/lib/transfer"
	"github.com/Silentely/nexus-terminal-sub001/lib/vault"
)

var logger = log.WithField("component", "nexusd")

// Server bundles the wired components a routing layer would call into.
type Server struct {
	Auth     *authcore.AuthCore
	Passkeys *authcore.Passkeys
	Vault    *vault.Vault
	Dialer   *sshdialer.Dialer
	Batch    *batch.Executor
	Transfer *transfer.Orchestrator
	Bus      *events.Bus
}

type config struct {
	sessionSecret    string
	masterKey        string
	allowedOrigins   []string
	webauthnRPID     string
	webauthnRPOrigin string
}

func loadConfig() (*config, error) {
	sessionSecret := os.Getenv("NEXUS_SESSION_SECRET")
	masterKey := os.Getenv("NEXUS_MASTER_KEY")
	rpID := os.Getenv("NEXUS_WEBAUTHN_RP_ID")
	rpOrigin := os.Getenv("NEXUS_WEBAUTHN_RP_ORIGIN")

	var missing []string
	if sessionSecret == "" {
		missing = append(missing, "NEXUS_SESSION_SECRET")
	}
	if masterKey == "" {
		missing = append(missing, "NEXUS_MASTER_KEY")
	}
	if rpID == "" {
		missing = append(missing, "NEXUS_WEBAUTHN_RP_ID")
	}
	if rpOrigin == "" {
		missing = append(missing, "NEXUS_WEBAUTHN_RP_ORIGIN")
	}
	if len(missing) > 0 {
		return nil, trace.BadParameter("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	var origins []string
	if raw := os.Getenv("NEXUS_ALLOWED_ORIGINS"); raw != "" {
		origins = strings.Split(raw, ",")
	}

	return &config{
		sessionSecret:    sessionSecret,
		masterKey:        masterKey,
		allowedOrigins:   origins,
		webauthnRPID:     rpID,
		webauthnRPOrigin: rpOrigin,
	}, nil
}

// healthProbe is the uniform shape every wired collaborator store exposes
// so startup can fail fast with exit code 2 (spec.md §6).
type healthProbe interface {
	Health(context.Context) error
}

func buildServer(cfg *config) (*Server, error) {
	masterKey, err := vault.ParseMasterKey(cfg.masterKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	v, err := vault.New(masterKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sessions := memstore.NewSessions()
	users := memstore.NewUsers()
	connections := memstore.NewConnections()

	stores := []healthProbe{sessions, users, connections}
	for _, s := range stores {
		if err := s.Health(context.Background()); err != nil {
			return nil, trace.Wrap(err, "collaborator health probe failed")
		}
	}

	clock := clockwork.NewRealClock()
	bus := events.NewBus()
	guard := ipguard.New(ipguard.DefaultMaxAttempts, ipguard.DefaultWindow, clock)

	core := authcore.New(authcore.Config{
		Sessions: sessions,
		Users:    users,
		IPGuard:  guard,
		Bus:      bus,
		Clock:    clock,
	})

	ceremony, err := webauthn.New(webauthn.Config{
		RPDisplayName: "Nexus Terminal",
		RPID:          cfg.webauthnRPID,
		RPOrigin:      cfg.webauthnRPOrigin,
	}, users, clock.Now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	passkeys := authcore.NewPasskeys(core, ceremony)

	dialer := sshdialer.New()
	resolver := batch.NewVaultResolver(v, connections)
	batchExec := batch.New(dialer, resolver, bus, clock.Now)

	ctx := context.Background()
	transferOrch := transfer.New(ctx, dialer, resolver, bus, clock.Now)

	events.Subscribe(bus, func(e events.LoginSuccess) {
		logger.WithField("user", e.Username).Info("login succeeded")
	})
	events.Subscribe(bus, func(e events.LoginFailure) {
		logger.WithField("ip", e.ClientIP).WithField("kind", e.Kind).Warn("login failed")
	})

	return &Server{
		Auth:     core,
		Passkeys: passkeys,
		Vault:    v,
		Dialer:   dialer,
		Batch:    batchExec,
		Transfer: transferOrch,
		Bus:      bus,
	}, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}

	srv, err := buildServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(2)
	}

	logger.WithField("origins", strings.Join(cfg.allowedOrigins, ",")).Info("nexusd core wired; no network listener in this build")
	_ = srv
}
