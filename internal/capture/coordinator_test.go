package capture

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu        sync.Mutex
	connected bool
	sent      []map[string]any
}

func (r *recordingSender) SendToPrivileged(_ string, msg any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return false
	}
	r.sent = append(r.sent, msg.(map[string]any))
	return true
}

func TestCapture_WaitingUntilResolvedThenOnce(t *testing.T) {
	sender := &recordingSender{connected: true}
	c := NewCoordinator(sender, zerolog.Nop())

	assert.True(t, c.Start("K", "fire"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, MsgStart, sender.sent[0]["type"])
	assert.Equal(t, "fire", sender.sent[0]["target"])

	assert.Equal(t, Result{Status: StatusWaiting}, c.Poll("K"))
	assert.Equal(t, Result{Status: StatusWaiting}, c.Poll("K"))

	require.True(t, c.Resolve("K", 0x46, "F"))
	assert.Equal(t, Result{Status: StatusCaptured, VK: 0x46, Name: "F", Target: "fire"}, c.Poll("K"))
	assert.Equal(t, Result{Status: StatusIdle}, c.Poll("K"))
	assert.Equal(t, Result{Status: StatusIdle}, c.Poll("K"))
}

func TestCapture_StartWithoutPrivilegedStillArms(t *testing.T) {
	c := NewCoordinator(&recordingSender{}, zerolog.Nop())
	assert.False(t, c.Start("K", "aim"))
	assert.Equal(t, StatusWaiting, c.Poll("K").Status)
}

func TestCapture_RestartOverwrites(t *testing.T) {
	c := NewCoordinator(&recordingSender{connected: true}, zerolog.Nop())
	c.Start("K", "fire")
	require.True(t, c.Resolve("K", 1, "LMB"))
	c.Start("K", "aim")
	assert.Equal(t, StatusWaiting, c.Poll("K").Status)

	require.True(t, c.Resolve("K", 2, "RMB"))
	assert.Equal(t, "aim", c.Poll("K").Target)
}

func TestCapture_ResolveAndCancelOnlyFromWaiting(t *testing.T) {
	c := NewCoordinator(nil, zerolog.Nop())
	assert.False(t, c.Resolve("K", 1, "LMB"))
	assert.False(t, c.Cancel("K"))

	c.Start("K", "fire")
	require.True(t, c.Cancel("K"))
	assert.False(t, c.Resolve("K", 1, "LMB"), "cancelled request cannot be captured")
	assert.Equal(t, Result{Status: StatusCancelled}, c.Poll("K"))
	assert.Equal(t, Result{Status: StatusIdle}, c.Poll("K"))
	assert.Equal(t, 0, c.Pending())
}

func TestCapture_AbortNotifiesPrivileged(t *testing.T) {
	sender := &recordingSender{connected: true}
	c := NewCoordinator(sender, zerolog.Nop())
	c.Start("K", "fire")

	assert.True(t, c.Abort("K"))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, MsgCancel, sender.sent[1]["type"])
	assert.False(t, c.Abort("K"))
}

func TestCapture_KeysAreIndependent(t *testing.T) {
	c := NewCoordinator(nil, zerolog.Nop())
	c.Start("A", "fire")
	c.Start("B", "aim")
	require.True(t, c.Resolve("A", 1, "LMB"))
	assert.Equal(t, StatusWaiting, c.Poll("B").Status)
	assert.Equal(t, StatusCaptured, c.Poll("A").Status)
}
