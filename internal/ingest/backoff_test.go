package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 800*time.Millisecond, 10)

	assert.Equal(t, 100*time.Millisecond, b.next())
	assert.Equal(t, 200*time.Millisecond, b.next())
	assert.Equal(t, 400*time.Millisecond, b.next())
	assert.Equal(t, 800*time.Millisecond, b.next())
	assert.Equal(t, 800*time.Millisecond, b.next()) // capped at max
}

func TestBackoffResetRestartsAtBase(t *testing.T) {
	b := newBackoff(50*time.Millisecond, time.Second, 10)
	b.next()
	b.next()
	b.reset()
	assert.Equal(t, 50*time.Millisecond, b.next())
}

func TestBackoffAttemptCountCapsAtMax(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Second, 3)
	for i := 0; i < 10; i++ {
		b.next()
	}
	assert.Equal(t, 3, b.attemptCount())
}

func TestBackoffSleepInterruptedByCancel(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Second, 10)
	cancel := make(chan struct{})
	close(cancel)
	ok := b.sleep(time.Hour, cancel)
	assert.False(t, ok)
}

func TestBackoffSleepCompletes(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Second, 10)
	cancel := make(chan struct{})
	ok := b.sleep(time.Millisecond, cancel)
	assert.True(t, ok)
}
