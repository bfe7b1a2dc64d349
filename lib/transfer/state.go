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

package transfer

import (
	"github.com/Silentely/nexus-terminal-sub001/lib/events"
	"github.com/Silentely/nexus-terminal-sub001/lib/model"
)

func (o *Orchestrator) transition(task *model.TransferTask, sub *model.TransferSubTask, status model.TransferSubStatus) {
	o.mu.Lock()
	if sub.Status.Terminal() {
		o.mu.Unlock()
		return // invariant: a terminal status is never overwritten
	}
	sub.Status = status
	now := o.now()
	if sub.StartedAt == nil {
		sub.StartedAt = &now
	}
	progress := sub.Progress
	o.mu.Unlock()

	o.bus.Publish(events.TransferSubtaskUpdate{TaskID: task.ID, SubTaskID: sub.ID, Status: string(status), Progress: progress, At: o.now()})
}

func (o *Orchestrator) setProgress(task *model.TransferTask, sub *model.TransferSubTask, progress int) {
	o.mu.Lock()
	sub.Progress = clamp(progress, 0, 100)
	o.mu.Unlock()
}

func (o *Orchestrator) markTerminal(task *model.TransferTask, sub *model.TransferSubTask, status model.TransferSubStatus, message string) {
	o.mu.Lock()
	if sub.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	sub.Status = status
	sub.Message = message
	sub.Progress = 100 // terminal = 100 regardless of outcome, per the aggregation worked example
	now := o.now()
	sub.EndedAt = &now
	if sub.StartedAt == nil {
		sub.StartedAt = &now
	}
	progress := sub.Progress
	o.recomputeLocked(task)
	o.mu.Unlock()

	o.bus.Publish(events.TransferSubtaskUpdate{TaskID: task.ID, SubTaskID: sub.ID, Status: string(status), Progress: progress, At: o.now()})

	if status == model.TransferSubFailed {
		logger.WithField("task", task.ID).WithField("subtask", sub.ID).Warn(message)
	}
}

// recomputeLocked implements spec.md §4.E "Aggregation": identical in
// spirit to the Batch Executor, with one addition — a task already moved to
// "cancelling" by an explicit Cancel call resolves to "cancelled" once every
// sub-task has drained, even if some sub-tasks completed first (spec.md §9
// Open Question, resolved in favor of the API-initiated outcome). Must be
// called with o.mu held.
func (o *Orchestrator) recomputeLocked(task *model.TransferTask) {
	var sum, completed, failed, cancelled, terminal int
	for _, st := range task.SubTasks {
		sum += st.Progress
		switch st.Status {
		case model.TransferSubCompleted:
			completed++
			terminal++
		case model.TransferSubFailed:
			failed++
			terminal++
		case model.TransferSubCancelled:
			cancelled++
			terminal++
		}
	}
	n := len(task.SubTasks)
	if n > 0 {
		task.OverallProgress = clamp(sum/n, 0, 100)
	}
	task.CompletedCount = completed
	task.FailedCount = failed
	task.CancelledCount = cancelled
	task.UpdatedAt = o.now()

	switch task.Status {
	case model.TransferCancelled:
		return
	case model.TransferCancelling:
		if terminal == n {
			task.Status = model.TransferCancelled
		}
		return
	}

	switch {
	case terminal < n:
		task.Status = model.TransferInProgress
	case completed == n:
		task.Status = model.TransferCompleted
	case failed == n:
		task.Status = model.TransferFailed
	case completed > 0:
		task.Status = model.TransferPartiallyCompleted
	default:
		task.Status = model.TransferFailed
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
