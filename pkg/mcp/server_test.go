package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	defer s.Close()
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.Equal(t, DefaultWaitTimeout, s.waitTimeout)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"pms.compile", "Compile pipeline YAML into a stored execution plan"},
		{"pms.run", "Start a plan execution from a stored plan or pipeline YAML"},
		{"pms.status", "Get a plan execution with its node executions"},
		{"pms.notify", "Deliver the response for a correlation id a node is waiting on"},
		{"pms.interrupt", "Interrupt a node execution or a whole plan execution"},
		{"pms.diagram", "Draw a plan, optionally colored by the state of one of its executions"},
	}

	s := NewServer(ServerDeps{})
	defer s.Close()
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
