package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
)

func TestRegistryBuildsConfiguredAdapters(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	r := NewRegistry(map[string]config.ProviderConfig{
		"claude":  {Kind: "claude", Command: "claude"},
		"codex":   {Kind: "codex", Command: "codex"},
		"gemini":  {Kind: "gemini", Command: "gemini"},
		"copilot": {Kind: "copilot"},
		"bogus":   {Kind: "no-such-kind"},
	}, log)

	assert.Equal(t, []string{"claude", "codex", "copilot", "gemini"}, r.Names())

	a, err := r.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Kind())

	_, err = r.Get("bogus")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestRegistryRegisterOverride(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	r := NewRegistry(nil, log)

	_, err = r.Get("mock")
	require.ErrorIs(t, err, ErrProviderNotFound)

	r.Register("mock", NewClaudeAdapter(config.ProviderConfig{Kind: "claude"}, log))
	a, err := r.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Kind())
	assert.Equal(t, []string{"mock"}, r.Names())
}
