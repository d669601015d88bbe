package dispatch

import (
	"github.com/hubbub-bot/hubbub/pkg/events"
)

// Invocation is the explicit call context threaded through every dispatch:
// the chain of plugins the call has passed through, innermost last, plus
// the originating event and the synthetic re-dispatch count.
//
// Values are immutable. Push and Resynthesize return derived invocations,
// so an invocation captured by one goroutine is never mutated by another.
// All methods tolerate a nil receiver, which represents trusted core code
// with no plugin frames.
type Invocation struct {
	frames    []string
	synthetic int
	event     events.UserEvent
}

// NewInvocation starts an empty invocation rooted at ev. A nil event is
// allowed for dispatches with no chat origin.
func NewInvocation(ev events.UserEvent) *Invocation {
	return &Invocation{event: ev}
}

// Push returns a derived invocation with plugin as the new innermost
// frame.
func (inv *Invocation) Push(plugin string) *Invocation {
	if inv == nil {
		inv = &Invocation{}
	}
	frames := make([]string, len(inv.frames)+1)
	copy(frames, inv.frames)
	frames[len(inv.frames)] = plugin
	return &Invocation{
		frames:    frames,
		synthetic: inv.synthetic,
		event:     inv.event,
	}
}

// PluginName returns the plugin skip frames back from the innermost
// frame (0 = innermost), or false if the chain does not reach that far.
func (inv *Invocation) PluginName(skip int) (string, bool) {
	if inv == nil || skip < 0 {
		return "", false
	}
	i := len(inv.frames) - 1 - skip
	if i < 0 {
		return "", false
	}
	return inv.frames[i], true
}

// Depth returns the number of plugin frames.
func (inv *Invocation) Depth() int {
	if inv == nil {
		return 0
	}
	return len(inv.frames)
}

// SyntheticDepth returns how many synthetic re-dispatches produced this
// invocation.
func (inv *Invocation) SyntheticDepth() int {
	if inv == nil {
		return 0
	}
	return inv.synthetic
}

// Resynthesize returns a derived invocation for a synthetic re-dispatch:
// the frame chain resets (the re-dispatched command runs on its own
// authority) but the synthetic count carries over, incremented.
func (inv *Invocation) Resynthesize(ev events.UserEvent) *Invocation {
	depth := 0
	if inv != nil {
		depth = inv.synthetic
	}
	return &Invocation{
		synthetic: depth + 1,
		event:     ev,
	}
}

// Event returns the originating event, which may be nil.
func (inv *Invocation) Event() events.UserEvent {
	if inv == nil {
		return nil
	}
	return inv.event
}
