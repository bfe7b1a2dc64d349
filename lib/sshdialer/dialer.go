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

// Package sshdialer is the SSH Dialer (spec.md §4.C): it opens, authenticates
// and tears down SSH sessions against a Connection record and its decrypted
// credentials. It does not terminate SSH itself — it only drives
// golang.org/x/crypto/ssh, the client library the spec treats as an external
// collaborator.
package sshdialer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

const (
	// ReadyTimeout bounds the initial TCP connect + SSH handshake.
	ReadyTimeout = 20 * time.Second
	// KeepAliveInterval is how often a keepalive request is sent once open.
	KeepAliveInterval = 10 * time.Second
)

// Error kinds. Every dialer failure is surfaced as one of these, wrapped
// with trace so callers can match via errors.Is/trace.Unwrap.
var (
	ErrUnreachable = trace.Errorf("host unreachable")
	ErrAuthFailed  = trace.Errorf("authentication failed")
	ErrTimeout     = trace.Errorf("operation timed out")
	ErrProtocol    = trace.Errorf("ssh protocol error")
)

// Dialer opens SSH sessions on demand. It holds no per-connection state.
type Dialer struct{}

// New constructs a Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Dial opens, authenticates and returns a Session for conn using creds.
func (d *Dialer) Dial(ctx context.Context, conn *model.Connection, creds *model.DecryptedCredentials) (*Session, error) {
	authMethods, err := authMethodsFor(conn, creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg := &ssh.ClientConfig{
		User:            conn.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // target host keys are not pinned by this control plane
		Timeout:         ReadyTimeout,
	}

	addr := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	dialCtx, cancel := context.WithTimeout(ctx, ReadyTimeout)
	defer cancel()

	var d2 net.Dialer
	rawConn, err := d2.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(ErrUnreachable, err.Error())
	}

	// The handshake shares the ReadyTimeout budget with the TCP connect.
	deadline, _ := dialCtx.Deadline()
	rawConn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, cfg)
	if err != nil {
		rawConn.Close()
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return nil, trace.Wrap(ErrTimeout, err.Error())
		}
		return nil, trace.Wrap(ErrAuthFailed, err.Error())
	}
	rawConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	sess := &Session{client: client, stop: make(chan struct{})}
	sess.startKeepAlive()
	return sess, nil
}

func authMethodsFor(conn *model.Connection, creds *model.DecryptedCredentials) ([]ssh.AuthMethod, error) {
	switch conn.AuthKind {
	case model.AuthKindPassword:
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	case model.AuthKindKey:
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, trace.Wrap(ErrAuthFailed, err.Error())
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case model.AuthKindNone:
		return nil, nil
	default:
		return nil, trace.BadParameter("unsupported auth kind %q", conn.AuthKind)
	}
}

// Session wraps an authenticated *ssh.Client with exec/sftp helpers and a
// keepalive loop. Ownership transfers to the caller on Dial; the caller must
// call Close on every exit path (spec.md §5, "Shared resources").
type Session struct {
	client *ssh.Client
	stop   chan struct{}
}

func (s *Session) startKeepAlive() {
	go func() {
		ticker := time.NewTicker(KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
				if err != nil {
					return
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Close tears down the keepalive loop and the underlying SSH connection.
func (s *Session) Close() error {
	close(s.stop)
	return s.client.Close()
}

// ExecOptions configures a single command execution.
type ExecOptions struct {
	PTY bool

	// OnOutput, when set, is invoked with every chunk written to stdout or
	// stderr as the command runs, in addition to the chunk being captured
	// for the final ExecResult. stream is "stdout" or "stderr". The callback
	// must not retain the slice beyond the call.
	OnOutput func(stream string, chunk []byte)
}

// streamWriter forwards every Write to a callback before the data reaches
// the underlying buffer it is paired with via io.MultiWriter.
type streamWriter struct {
	stream  string
	onChunk func(stream string, chunk []byte)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.onChunk(w.stream, p)
	return len(p), nil
}

// ExecResult carries the captured output and exit status of a completed
// command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Exec runs cmd to completion, bounded by ctx, and returns its captured
// output and exit code. Cancelling ctx closes the underlying SSH session,
// which unblocks Wait with an error that Exec reports as ErrTimeout (the
// caller is responsible for distinguishing an explicit abort from a real
// timeout via the context's own Err()).
func (s *Session) Exec(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, trace.Wrap(ErrProtocol, err.Error())
	}
	defer sess.Close()

	if opts.PTY {
		if err := sess.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
			return nil, trace.Wrap(ErrProtocol, err.Error())
		}
	}

	var stdout, stderr bytes.Buffer
	if opts.OnOutput != nil {
		sess.Stdout = io.MultiWriter(&stdout, &streamWriter{stream: "stdout", onChunk: opts.OnOutput})
		sess.Stderr = io.MultiWriter(&stderr, &streamWriter{stream: "stderr", onChunk: opts.OnOutput})
	} else {
		sess.Stdout = &stdout
		sess.Stderr = &stderr
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, trace.Wrap(ErrTimeout, ctx.Err().Error())
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			var exitErr *ssh.ExitError
			if asExitError(runErr, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, trace.Wrap(ErrProtocol, runErr.Error())
			}
		}
		return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// SFTP opens an SFTP handle over the existing SSH session.
func (s *Session) SFTP() (*sftp.Client, error) {
	clt, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, trace.Wrap(ErrProtocol, err.Error())
	}
	return clt, nil
}
