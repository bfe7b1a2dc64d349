package model

import "time"

// BatchStatus is the lifecycle of a Batch Task.
type BatchStatus string

const (
	BatchQueued             BatchStatus = "queued"
	BatchInProgress         BatchStatus = "in-progress"
	BatchPartiallyCompleted BatchStatus = "partially-completed"
	BatchCompleted          BatchStatus = "completed"
	BatchFailed             BatchStatus = "failed"
	BatchCancelled          BatchStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled, BatchPartiallyCompleted:
		return true
	default:
		return false
	}
}

// SubTaskStatus is the lifecycle of a single Batch Sub-Task.
type SubTaskStatus string

const (
	SubTaskQueued     SubTaskStatus = "queued"
	SubTaskConnecting SubTaskStatus = "connecting"
	SubTaskRunning    SubTaskStatus = "running"
	SubTaskCompleted  SubTaskStatus = "completed"
	SubTaskFailed     SubTaskStatus = "failed"
	SubTaskCancelled  SubTaskStatus = "cancelled"
)

// Terminal reports whether the sub-task status admits no further transitions.
func (s SubTaskStatus) Terminal() bool {
	switch s {
	case SubTaskCompleted, SubTaskFailed, SubTaskCancelled:
		return true
	default:
		return false
	}
}

// BatchTask is the aggregate root for a fan-out command run.
type BatchTask struct {
	ID               string
	OwnerUserID      string
	Status           BatchStatus
	ConcurrencyLimit int
	TimeoutSeconds   int
	Command          string
	ConnectionIDs    []string
	Env              map[string]string
	Workdir          string
	Sudo             bool

	OverallProgress int
	TotalCount      int
	CompletedCount  int
	FailedCount     int
	CancelledCount  int

	SubTasks []*BatchSubTask

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// BatchSubTask is one unit of fan-out work bound to a single connection.
type BatchSubTask struct {
	ID             string
	TaskID         string
	ConnectionID   string
	ConnectionName string
	Command        string
	Status         SubTaskStatus
	Progress       int
	ExitCode       *int
	Output         []byte
	Message        string
	StartedAt      *time.Time
	EndedAt        *time.Time
}
