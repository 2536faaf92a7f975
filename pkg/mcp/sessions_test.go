package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	assert.Equal(t, []string{"session-abc"}, r.SessionsFor("agent-1"))
	assert.Empty(t, r.SessionsFor("unknown"))
}

func TestSessionRegistry_SeveralSessions(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-b")
	r.Register("agent-1", "session-a")
	r.Register("agent-1", "session-a")

	assert.Equal(t, []string{"session-a", "session-b"}, r.SessionsFor("agent-1"))
}

func TestSessionRegistry_IgnoresBlank(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("", "session-a")
	r.Register("agent-1", "")
	assert.Equal(t, 0, r.Principals())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	r.Register("agent-2", "session-abc")
	r.Register("agent-2", "session-xyz")
	r.Register("agent-3", "session-xyz")

	r.Remove("session-abc")

	assert.Empty(t, r.SessionsFor("agent-1"))
	assert.Equal(t, []string{"session-xyz"}, r.SessionsFor("agent-2"))
	assert.Equal(t, []string{"session-xyz"}, r.SessionsFor("agent-3"))
	assert.Equal(t, 2, r.Principals())

	r.Remove("session-xyz")
	assert.Equal(t, 0, r.Principals())
}
