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

// Package batch is the Batch Fan-out Executor (spec.md §4.D): it accepts a
// command and a target set, runs it concurrently under a bounded limit with
// per-host timeouts and cooperative cancellation, and tracks progress at
// every transition in an in-memory map; nothing in this package writes tasks
// to a durable store. The concurrency gate follows the bounded-parallelism
// pattern in zmb3-teleport/lib/srv/session_control.go (a single limiter
// object, a logrus.Entry field for diagnostics), generalized from a global
// session limit to a per-task weighted semaphore.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Silentely/nexus-terminal-sub001/lib/events"
	"github.com/Silentely/nexus-terminal-sub001/lib/model"
	"github.com/Silentely/nexus-terminal-sub001/lib/shellescape"
	"github.com/Silentely/nexus-terminal-sub001/lib/sshdialer"
	"github.com/Silentely/nexus-terminal-sub001/lib/store"
	"github.com/Silentely/nexus-terminal-sub001/lib/vault"
)

var logger = log.WithField("component", "batch")

// Limits from spec.md §4.D.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 50
	DefaultConcurrency = 5

	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 3600
	DefaultTimeoutSeconds = 60

	// MaxOutputBytes bounds the captured-output buffer per sub-task
	// (spec.md §3 "captured output ... bounded").
	MaxOutputBytes = 1 << 20 // 1 MiB
)

// ConnectionResolver fetches a connection and resolves it to decrypted
// credentials, via the Credential Vault.
type ConnectionResolver interface {
	Load(ctx context.Context, connectionID string) (*model.Connection, *model.DecryptedCredentials, error)
}

type vaultResolver struct {
	v     *vault.Vault
	store vault.ConnectionStore
}

func (r *vaultResolver) Load(ctx context.Context, connectionID string) (*model.Connection, *model.DecryptedCredentials, error) {
	return r.v.Load(ctx, r.store, connectionID)
}

// NewVaultResolver adapts a Vault + ConnectionStore pair into a
// ConnectionResolver.
func NewVaultResolver(v *vault.Vault, cs vault.ConnectionStore) ConnectionResolver {
	return &vaultResolver{v: v, store: cs}
}

// Executor is the Batch Fan-out Executor. Tasks are held in-memory for the
// lifetime of the process and are lost on restart: neither this package nor
// cmd/nexusd writes BatchTask snapshots to an external store, and the
// Executor does not use lib/store.TaskStore.
type Executor struct {
	dialer   *sshdialer.Dialer
	resolver ConnectionResolver
	bus      *events.Bus
	now      func() time.Time

	mu     sync.Mutex
	tasks  map[string]*model.BatchTask
	aborts map[string]*store.AbortToken
}

// New constructs an Executor. now defaults to time.Now when nil.
func New(dialer *sshdialer.Dialer, resolver ConnectionResolver, bus *events.Bus, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{
		dialer:   dialer,
		resolver: resolver,
		bus:      bus,
		now:      now,
		tasks:    make(map[string]*model.BatchTask),
		aborts:   make(map[string]*store.AbortToken),
	}
}

// SubmitRequest is the input to Submit (spec.md §6 POST /batch).
type SubmitRequest struct {
	OwnerUserID      string
	Command          string
	ConnectionIDs    []string
	ConnectionNames  map[string]string
	ConcurrencyLimit int
	TimeoutSeconds   int
	Env              map[string]string
	Workdir          string
	Sudo             bool
}

// Submit validates req, allocates the task and its sub-tasks in "queued",
// and starts asynchronous execution. It returns as soon as the task is
// recorded, per spec.md §4.D's async submit/poll contract.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*model.BatchTask, error) {
	if req.Command == "" {
		return nil, trace.BadParameter("command must not be empty")
	}
	if err := shellescape.CheckWellFormed(req.Command); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.ConnectionIDs) == 0 {
		return nil, trace.BadParameter("at least one target connection is required")
	}
	if req.ConcurrencyLimit == 0 {
		req.ConcurrencyLimit = DefaultConcurrency
	}
	if req.ConcurrencyLimit < MinConcurrency || req.ConcurrencyLimit > MaxConcurrency {
		return nil, trace.BadParameter("concurrencyLimit must be in [%d,%d]", MinConcurrency, MaxConcurrency)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if req.TimeoutSeconds < MinTimeoutSeconds || req.TimeoutSeconds > MaxTimeoutSeconds {
		return nil, trace.BadParameter("timeoutSeconds must be in [%d,%d]", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	for k := range req.Env {
		valid := k != ""
		for i, r := range k {
			if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (i > 0 && r >= '0' && r <= '9')) {
				valid = false
				break
			}
		}
		if !valid {
			return nil, trace.BadParameter("env name %q is not a valid shell variable name", k)
		}
	}

	now := e.now()
	task := &model.BatchTask{
		ID:               uuid.NewString(),
		OwnerUserID:      req.OwnerUserID,
		Status:           model.BatchQueued,
		ConcurrencyLimit: req.ConcurrencyLimit,
		TimeoutSeconds:   req.TimeoutSeconds,
		Command:          req.Command,
		ConnectionIDs:    req.ConnectionIDs,
		Env:              req.Env,
		Workdir:          req.Workdir,
		Sudo:             req.Sudo,
		TotalCount:       len(req.ConnectionIDs),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, connID := range req.ConnectionIDs {
		task.SubTasks = append(task.SubTasks, &model.BatchSubTask{
			ID:             uuid.NewString(),
			TaskID:         task.ID,
			ConnectionID:   connID,
			ConnectionName: req.ConnectionNames[connID],
			Command:        req.Command,
			Status:         model.SubTaskQueued,
		})
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.aborts[task.ID] = store.NewAbortToken(context.Background())
	e.mu.Unlock()

	go e.run(task)

	return task, nil
}

// Get returns the current snapshot of a task.
func (e *Executor) Get(taskID string) (*model.BatchTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, trace.NotFound("batch task %q not found", taskID)
	}
	return t, nil
}

// List returns every task owned by ownerID, or every task if ownerID is "".
func (e *Executor) List(ownerID string) []*model.BatchTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.BatchTask
	for _, t := range e.tasks {
		if ownerID == "" || t.OwnerUserID == ownerID {
			out = append(out, t)
		}
	}
	return out
}

// Cancel marks the task cancelled and fires its abort signal. It is a no-op
// once the task has already reached a terminal status (spec.md §4.D
// "Cancellation").
func (e *Executor) Cancel(taskID string) error {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return trace.NotFound("batch task %q not found", taskID)
	}
	if task.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	abort := e.aborts[taskID]
	for _, st := range task.SubTasks {
		if st.Status == model.SubTaskQueued {
			now := e.now()
			st.Status = model.SubTaskCancelled
			st.Message = "Cancelled"
			st.StartedAt = &now
			st.EndedAt = &now
		}
	}
	task.Status = model.BatchCancelled
	task.UpdatedAt = e.now()
	e.mu.Unlock()

	abort.Cancel()
	e.bus.Publish(events.CancelRequested{TaskID: taskID, Kind: "batch", At: e.now()})
	return nil
}

// run drives the fan-out: a weighted semaphore bounds concurrency, and
// sub-tasks are dispatched in submission order (spec.md §4.D "Execution
// model").
func (e *Executor) run(task *model.BatchTask) {
	e.mu.Lock()
	if task.Status != model.BatchCancelled {
		task.Status = model.BatchInProgress
	}
	now := e.now()
	task.StartedAt = &now
	task.UpdatedAt = now
	abort := e.aborts[task.ID]
	e.mu.Unlock()

	e.bus.Publish(events.BatchStarted{TaskID: task.ID, OwnerUserID: task.OwnerUserID, TotalCount: task.TotalCount, At: e.now()})

	sem := semaphore.NewWeighted(int64(task.ConcurrencyLimit))
	var wg sync.WaitGroup

	for _, sub := range task.SubTasks {
		sub := sub
		if abort.Cancelled() {
			continue // Cancel already marked every queued sub-task terminal
		}
		if err := sem.Acquire(abort.Context(), 1); err != nil {
			continue // aborted while waiting for a concurrency slot
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			e.runSubTask(task, sub, abort)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	if task.Status != model.BatchCancelled {
		e.recomputeLocked(task)
	}
	endedAt := e.now()
	task.EndedAt = &endedAt
	task.UpdatedAt = endedAt
	finalStatus := task.Status
	e.mu.Unlock()

	e.bus.Publish(events.BatchCompleted{TaskID: task.ID, Status: string(finalStatus), At: e.now()})
}

// runSubTask executes one connecting -> running -> terminal unit of work
// (spec.md §4.D).
func (e *Executor) runSubTask(task *model.BatchTask, sub *model.BatchSubTask, abort *store.AbortToken) {
	if err := abort.CheckAborted(); err != nil {
		e.markTerminal(task, sub, model.SubTaskCancelled, "Cancelled", nil)
		return
	}

	e.transition(task, sub, model.SubTaskConnecting)

	conn, creds, err := e.resolver.Load(abort.Context(), sub.ConnectionID)
	if err != nil {
		e.markTerminal(task, sub, model.SubTaskFailed, err.Error(), nil)
		return
	}

	sess, err := e.dialer.Dial(abort.Context(), conn, creds)
	if err != nil {
		e.markTerminal(task, sub, model.SubTaskFailed, err.Error(), nil)
		return
	}
	defer sess.Close()

	if err := abort.CheckAborted(); err != nil {
		e.markTerminal(task, sub, model.SubTaskCancelled, "Cancelled", nil)
		return
	}

	e.transition(task, sub, model.SubTaskRunning)

	cmd := buildCommand(task, sub)
	execCtx, cancel := context.WithTimeout(abort.Context(), time.Duration(task.TimeoutSeconds)*time.Second)
	defer cancel()

	result, err := sess.Exec(execCtx, cmd, sshdialer.ExecOptions{OnOutput: e.onOutputFor(task, sub)})
	switch {
	case abort.Cancelled():
		e.markTerminal(task, sub, model.SubTaskCancelled, "Cancelled", nil)
	case execCtx.Err() == context.DeadlineExceeded:
		e.markTerminal(task, sub, model.SubTaskFailed, "Timeout", nil)
	case err != nil:
		e.markTerminal(task, sub, model.SubTaskFailed, err.Error(), nil)
	default:
		e.recordOutput(sub, result.Stdout, result.Stderr)
		exitCode := result.ExitCode
		if exitCode == 0 {
			e.markTerminal(task, sub, model.SubTaskCompleted, "", &exitCode)
		} else {
			e.markTerminal(task, sub, model.SubTaskFailed, fmt.Sprintf("exit status %d", exitCode), &exitCode)
		}
	}
}

// buildCommand wraps the sub-task's command with the task's workdir, env and
// sudo settings. Every interpolated value passes through shellescape.Quote;
// env names are inserted as-is, which is safe because Submit accepts only
// valid shell variable names (spec.md §9: "no command is constructed by
// ad-hoc concatenation").
func buildCommand(task *model.BatchTask, sub *model.BatchSubTask) string {
	cmd := sub.Command
	for k, v := range task.Env {
		cmd = fmt.Sprintf("%s=%s %s", k, shellescape.Quote(v), cmd)
	}
	if task.Workdir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellescape.Quote(task.Workdir), cmd)
	}
	if task.Sudo {
		cmd = "sudo -n -- sh -c " + shellescape.Quote(cmd)
	}
	return cmd
}

// onOutputFor returns the ExecOptions.OnOutput callback for sub: it emits an
// events.BatchLogChunk per chunk received while the command runs, alongside
// a coarse byte-count-based progress estimate (spec.md §4.D point 3 — "a
// best-effort estimate", not a true percentage; completion still overrides
// it to 100 via markTerminal).
func (e *Executor) onOutputFor(task *model.BatchTask, sub *model.BatchSubTask) func(stream string, chunk []byte) {
	var bytesSeen int
	return func(stream string, chunk []byte) {
		e.mu.Lock()
		bytesSeen += len(chunk)
		progress := bytesSeen / 1024
		if progress > 90 {
			progress = 90
		}
		if progress > sub.Progress {
			sub.Progress = progress
		}
		p := sub.Progress
		e.mu.Unlock()

		e.bus.Publish(events.BatchLogChunk{
			TaskID:    task.ID,
			SubTaskID: sub.ID,
			Stream:    stream,
			Chunk:     append([]byte(nil), chunk...),
			Progress:  p,
			At:        e.now(),
		})
	}
}

func (e *Executor) recordOutput(sub *model.BatchSubTask, stdout, stderr []byte) {
	combined := append(append([]byte{}, stdout...), stderr...)
	if len(combined) > MaxOutputBytes {
		combined = combined[:MaxOutputBytes]
	}
	e.mu.Lock()
	sub.Output = combined
	e.mu.Unlock()
}

func (e *Executor) transition(task *model.BatchTask, sub *model.BatchSubTask, status model.SubTaskStatus) {
	e.mu.Lock()
	if sub.Status.Terminal() {
		e.mu.Unlock()
		return // invariant: a terminal status is never overwritten
	}
	sub.Status = status
	now := e.now()
	if sub.StartedAt == nil {
		sub.StartedAt = &now
	}
	progress := sub.Progress
	e.mu.Unlock()

	e.bus.Publish(events.BatchSubtaskUpdate{TaskID: task.ID, SubTaskID: sub.ID, Status: string(status), Progress: progress, At: e.now()})
}

func (e *Executor) markTerminal(task *model.BatchTask, sub *model.BatchSubTask, status model.SubTaskStatus, message string, exitCode *int) {
	e.mu.Lock()
	if sub.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	sub.Status = status
	sub.Message = message
	sub.ExitCode = exitCode
	sub.Progress = 100 // terminal = 100 regardless of outcome, per the aggregation worked example
	now := e.now()
	sub.EndedAt = &now
	if sub.StartedAt == nil {
		sub.StartedAt = &now
	}
	progress := sub.Progress
	e.recomputeLocked(task)
	e.mu.Unlock()

	if status == model.SubTaskFailed {
		logger.WithField("task", task.ID).WithField("subtask", sub.ID).Warn(message)
	}

	e.bus.Publish(events.BatchSubtaskUpdate{TaskID: task.ID, SubTaskID: sub.ID, Status: string(status), Progress: progress, At: e.now()})
}

// recomputeLocked implements spec.md §4.D "Aggregation": overall progress is
// the mean of sub-task progress, and status promotion follows the fixed rule
// table. Must be called with e.mu held so no intermediate aggregate is ever
// observable by Get/List.
func (e *Executor) recomputeLocked(task *model.BatchTask) {
	var sum, completed, failed, cancelled, terminal int
	for _, st := range task.SubTasks {
		sum += st.Progress
		switch st.Status {
		case model.SubTaskCompleted:
			completed++
			terminal++
		case model.SubTaskFailed:
			failed++
			terminal++
		case model.SubTaskCancelled:
			cancelled++
			terminal++
		}
	}
	if n := len(task.SubTasks); n > 0 {
		task.OverallProgress = clamp(sum/n, 0, 100)
	}
	task.CompletedCount = completed
	task.FailedCount = failed
	task.CancelledCount = cancelled
	task.UpdatedAt = e.now()

	if task.Status == model.BatchCancelled {
		return // a cancellation decision is never overridden by the aggregator
	}
	n := len(task.SubTasks)
	switch {
	case terminal < n:
		task.Status = model.BatchInProgress
	case completed == n:
		task.Status = model.BatchCompleted
	case failed == n:
		task.Status = model.BatchFailed
	case completed > 0:
		task.Status = model.BatchPartiallyCompleted
	default:
		task.Status = model.BatchFailed
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
