package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hubbub-bot/hubbub/pkg/events"
)

func TestInvocationPushIsImmutable(t *testing.T) {
	root := NewInvocation(events.NewMessage("fred", "#test", "hi"))
	a := root.Push("Alias")
	b := a.Push("Karma")

	name, ok := b.PluginName(0)
	assert.True(t, ok)
	assert.Equal(t, "Karma", name)

	name, ok = b.PluginName(1)
	assert.True(t, ok)
	assert.Equal(t, "Alias", name)

	// Deriving b did not disturb a.
	name, ok = a.PluginName(0)
	assert.True(t, ok)
	assert.Equal(t, "Alias", name)
	assert.Equal(t, 1, a.Depth())

	_, ok = root.PluginName(0)
	assert.False(t, ok)
}

func TestInvocationNilReceiver(t *testing.T) {
	var inv *Invocation

	_, ok := inv.PluginName(0)
	assert.False(t, ok)
	assert.Equal(t, 0, inv.Depth())
	assert.Equal(t, 0, inv.SyntheticDepth())
	assert.Nil(t, inv.Event())

	pushed := inv.Push("Alias")
	name, ok := pushed.PluginName(0)
	assert.True(t, ok)
	assert.Equal(t, "Alias", name)
}

func TestResynthesizeResetsFramesKeepsCount(t *testing.T) {
	msg := events.NewMessage("fred", "#test", "~karma.get bob")
	inv := NewInvocation(msg).Push("Alias")

	synth := inv.Resynthesize(msg)
	assert.Equal(t, 1, synth.SyntheticDepth())
	assert.Equal(t, 0, synth.Depth())

	again := synth.Resynthesize(msg)
	assert.Equal(t, 2, again.SyntheticDepth())
}
