package events

import "time"

// LoginSuccess is published when a session reaches Authenticated.
type LoginSuccess struct {
	UserID   string
	Username string
	At       time.Time
}

// LoginFailure is published by AuthCore for a failed password or 2FA step;
// a failed passkey login does not publish it. Kind is always
// "InvalidCredentials".
type LoginFailure struct {
	Username string
	ClientIP string
	Kind     string
	At       time.Time
}

// PasskeyRegistered is published when a new Passkey credential is persisted.
type PasskeyRegistered struct {
	UserID       string
	CredentialID []byte
	Name         string
	At           time.Time
}

// BatchStarted is published when a Batch Task transitions to in-progress.
type BatchStarted struct {
	TaskID      string
	OwnerUserID string
	TotalCount  int
	At          time.Time
}

// BatchLogChunk is published for every chunk of stdout/stderr a running
// Batch Sub-Task produces, carrying a best-effort progress estimate
// alongside it (spec.md §4.D point 3).
type BatchLogChunk struct {
	TaskID    string
	SubTaskID string
	Stream    string // "stdout" or "stderr"
	Chunk     []byte
	Progress  int
	At        time.Time
}

// BatchSubtaskUpdate is published on every Batch Sub-Task transition.
type BatchSubtaskUpdate struct {
	TaskID    string
	SubTaskID string
	Status    string
	Progress  int
	At        time.Time
}

// BatchCompleted is published when a Batch Task reaches a terminal status.
type BatchCompleted struct {
	TaskID string
	Status string
	At     time.Time
}

// TransferStarted is published when a Transfer Task begins execution.
type TransferStarted struct {
	TaskID      string
	OwnerUserID string
	TotalCount  int
	At          time.Time
}

// TransferSubtaskUpdate is published on every Transfer Sub-Task transition.
type TransferSubtaskUpdate struct {
	TaskID    string
	SubTaskID string
	Status    string
	Progress  int
	At        time.Time
}

// TransferCompleted is published when a Transfer Task reaches a terminal
// status.
type TransferCompleted struct {
	TaskID string
	Status string
	At     time.Time
}

// CancelRequested is published when a cancel API call is accepted (not
// necessarily yet drained).
type CancelRequested struct {
	TaskID string
	Kind   string // "batch" or "transfer"
	At     time.Time
}
