package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/provider"
)

type closableSession struct {
	closed bool
	events chan provider.Event
}

func (s *closableSession) Send(ctx context.Context, prompt string) error { return nil }
func (s *closableSession) Events() <-chan provider.Event                 { return s.events }
func (s *closableSession) Respond(ctx context.Context, toolID string, d provider.Decision) error {
	return nil
}
func (s *closableSession) Interrupt(ctx context.Context) error { return nil }
func (s *closableSession) Close() error {
	s.closed = true
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func TestRegistryGetBeforeFirstTurn(t *testing.T) {
	r := newTestRegistry(t)
	assert.Nil(t, r.Get("run-1", "node-1"))
}

func TestRegistryPutGetReset(t *testing.T) {
	r := newTestRegistry(t)
	s := &closableSession{}
	r.Put("run-1", "node-1", &Handle{Session: s, ExternalID: "ext-1"})

	h := r.Get("run-1", "node-1")
	require.NotNil(t, h)
	assert.Equal(t, "ext-1", h.ExternalID)

	r.Reset("run-1", "node-1")
	assert.Nil(t, r.Get("run-1", "node-1"))
	assert.True(t, s.closed)

	// Resetting again is a no-op.
	r.Reset("run-1", "node-1")
}

func TestRegistryPutClosesReplacedSession(t *testing.T) {
	r := newTestRegistry(t)
	old := &closableSession{}
	r.Put("run-1", "node-1", &Handle{Session: old})

	replacement := &closableSession{}
	r.Put("run-1", "node-1", &Handle{Session: replacement})

	assert.True(t, old.closed)
	assert.False(t, replacement.closed)
}

func TestRegistryCloseRun(t *testing.T) {
	r := newTestRegistry(t)
	a := &closableSession{}
	b := &closableSession{}
	other := &closableSession{}
	r.Put("run-1", "node-a", &Handle{Session: a})
	r.Put("run-1", "node-b", &Handle{Session: b})
	r.Put("run-2", "node-a", &Handle{Session: other})

	r.CloseRun("run-1")

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.False(t, other.closed)
	assert.Nil(t, r.Get("run-1", "node-a"))
	assert.NotNil(t, r.Get("run-2", "node-a"))
}
