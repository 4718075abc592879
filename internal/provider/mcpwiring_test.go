package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopilotMCPServersFromEndpoint(t *testing.T) {
	servers := copilotMCPServers("http://localhost:9390/sse")
	require.Len(t, servers, 1)
	cfg, ok := servers["vuhlp"]
	require.True(t, ok)
	assert.Equal(t, "sse", cfg["type"])
	assert.Equal(t, "http://localhost:9390/sse", cfg["url"])
}

func TestCopilotMCPServersEmptyEndpoint(t *testing.T) {
	assert.Nil(t, copilotMCPServers(""))
}

func TestACPMCPServersFromEndpoint(t *testing.T) {
	servers := acpMCPServers("http://localhost:9390/sse")
	require.Len(t, servers, 1)
	require.NotNil(t, servers[0].Sse)
	assert.Equal(t, "vuhlp", servers[0].Sse.Name)
	assert.Equal(t, "sse", servers[0].Sse.Type)
	assert.Equal(t, "http://localhost:9390/sse", servers[0].Sse.Url)
}

func TestACPMCPServersEmptyEndpoint(t *testing.T) {
	assert.Nil(t, acpMCPServers(""))
}
