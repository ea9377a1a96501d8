package model

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockInfoIsStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	li := &LockInfo{
		Locked:   true,
		LockedAt: sql.NullTime{Time: now.Add(-10 * time.Minute), Valid: true},
	}
	assert.True(t, li.IsStale(5*time.Minute, now))
	assert.False(t, li.IsStale(time.Hour, now))

	// An unlocked row is never stale, nor is a lock without a timestamp
	li.Locked = false
	assert.False(t, li.IsStale(5*time.Minute, now))

	li.Locked = true
	li.LockedAt = sql.NullTime{}
	assert.False(t, li.IsStale(5*time.Minute, now))
}
