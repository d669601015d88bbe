package dispatch

import (
	"errors"
	"fmt"
)

// NoSuchPluginError reports a call aimed at a plugin no backend owns.
type NoSuchPluginError struct {
	Plugin string
}

func (e *NoSuchPluginError) Error() string {
	return fmt.Sprintf("plugin %s does not exist", e.Plugin)
}

// NoSuchCallError reports a call aimed at an export the plugin does not
// have. Kind is "command", "api" or the generic call type.
type NoSuchCallError struct {
	Plugin string
	Kind   string
	Name   string
}

func (e *NoSuchCallError) Error() string {
	return fmt.Sprintf("plugin %s has no %s %s", e.Plugin, e.Kind, e.Name)
}

// SyntheticLoopError reports a synthetic re-dispatch beyond the allowed
// depth, which would otherwise let two plugins bounce a command between
// each other forever.
type SyntheticLoopError struct {
	Depth int
}

func (e *SyntheticLoopError) Error() string {
	return fmt.Sprintf("synthetic re-dispatch refused at depth %d", e.Depth)
}

// IsNoSuchPlugin reports whether err is a NoSuchPluginError.
func IsNoSuchPlugin(err error) bool {
	var nsp *NoSuchPluginError
	return errors.As(err, &nsp)
}

// IsNoSuchCall reports whether err is a NoSuchCallError.
func IsNoSuchCall(err error) bool {
	var nsc *NoSuchCallError
	return errors.As(err, &nsc)
}
