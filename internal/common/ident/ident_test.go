package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewEventIDOrdered(t *testing.T) {
	prev := NewEventID()
	for i := 0; i < 100; i++ {
		next := NewEventID()
		assert.Less(t, prev, next, "event ids must sort by creation order")
		prev = next
	}
}

func TestClockStrictlyIncreasing(t *testing.T) {
	clock := NewClock()
	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		next := clock.Now()
		require.True(t, next.After(prev), "clock must be strictly increasing")
		prev = next
	}
}

func TestClockConcurrent(t *testing.T) {
	clock := NewClock()
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			prev := clock.Now()
			for j := 0; j < 200; j++ {
				next := clock.Now()
				assert.True(t, next.After(prev))
				prev = next
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
