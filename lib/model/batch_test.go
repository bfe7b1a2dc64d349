package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchStatusTerminal(t *testing.T) {
	terminal := []BatchStatus{BatchCompleted, BatchFailed, BatchCancelled, BatchPartiallyCompleted}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	nonTerminal := []BatchStatus{BatchQueued, BatchInProgress}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestSubTaskStatusTerminal(t *testing.T) {
	terminal := []SubTaskStatus{SubTaskCompleted, SubTaskFailed, SubTaskCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal())
	}
	nonTerminal := []SubTaskStatus{SubTaskQueued, SubTaskConnecting, SubTaskRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal())
	}
}
