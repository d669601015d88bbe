package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
)

// builtinPlugins are loaded at startup, in order.
var builtinPlugins = []string{"Help", "Echo"}

func registerBuiltins(backend *dispatch.NativeBackend) {
	backend.Register("Help", helpPlugin)
	backend.Register("Echo", echoPlugin)
}

// helpPlugin lists what is loaded and callable.
func helpPlugin(r *dispatch.Router) (*dispatch.PluginSpec, error) {
	return &dispatch.PluginSpec{
		Commands: map[string]dispatch.CommandFunc{
			"commands": func(ctx context.Context, cc *dispatch.CommandContext) error {
				cmds := r.AllCommands()
				if len(cmds) == 0 {
					return cc.Reply(ctx, "No commands are loaded.")
				}
				return cc.Reply(ctx, "Commands: "+strings.Join(cmds, ", "))
			},
			"plugins": func(ctx context.Context, cc *dispatch.CommandContext) error {
				return cc.Reply(ctx, "Plugins: "+strings.Join(r.Plugins(), ", "))
			},
		},
	}, nil
}

// echoPlugin repeats things back, and exports the same as an API so other
// plugins have something to call.
func echoPlugin(r *dispatch.Router) (*dispatch.PluginSpec, error) {
	return &dispatch.PluginSpec{
		Commands: map[string]dispatch.CommandFunc{
			"say": func(ctx context.Context, cc *dispatch.CommandContext) error {
				if cc.Args == "" {
					return cc.Reply(ctx, "Say what?")
				}
				return cc.Reply(ctx, cc.Args)
			},
		},
		APIs: map[string]dispatch.APIFunc{
			"say": func(ctx context.Context, inv *dispatch.Invocation, args ...interface{}) (interface{}, error) {
				if len(args) != 1 {
					return nil, fmt.Errorf("say wants one argument, got %d", len(args))
				}
				s, ok := args[0].(string)
				if !ok {
					return nil, fmt.Errorf("say wants a string, got %T", args[0])
				}
				return s, nil
			},
		},
	}, nil
}
