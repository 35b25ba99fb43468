package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextTimesAlignsToIntervalBoundary(t *testing.T) {
	s := &AlignedScheduler{Interval: 5 * time.Minute, Offset: 10 * time.Second}

	now := time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC)
	nextClose, wakeAt, wait := s.nextTimes(now)

	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), nextClose)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 10, 0, time.UTC), wakeAt)
	assert.Equal(t, 2*time.Minute+40*time.Second, wait)
}

func TestNextTimesOnTheBoundary(t *testing.T) {
	s := &AlignedScheduler{Interval: time.Minute}

	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	nextClose, _, wait := s.nextTimes(now)

	// Exactly on a boundary the next close is a full interval away.
	assert.Equal(t, time.Date(2026, 3, 1, 12, 6, 0, 0, time.UTC), nextClose)
	assert.Equal(t, time.Minute, wait)
}
