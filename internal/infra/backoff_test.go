package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 1 * time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 10}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second},  // capped
		{100, 60 * time.Second},
		{-3, 1 * time.Second}, // clamped to first attempt
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{Base: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}

	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	unbounded := Backoff{Base: time.Second, MaxDelay: time.Minute}
	assert.False(t, unbounded.Exhausted(1_000_000))
}
