package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPendingAuthExpired(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &PendingAuth{ExpiresAt: issued.Add(5 * time.Minute)}

	assert.False(t, p.Expired(issued.Add(4*time.Minute+59*time.Second)))
	assert.True(t, p.Expired(issued.Add(5*time.Minute+1*time.Second)))
}

func TestChallengeExpired(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Challenge{IssuedAt: issued}

	assert.False(t, c.Expired(issued.Add(5*time.Minute), 5*time.Minute))
	assert.True(t, c.Expired(issued.Add(5*time.Minute+time.Second), 5*time.Minute))
}
