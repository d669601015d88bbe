package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/events"
)

// Replier delivers bot responses back to a protocol connection.
type Replier interface {
	Reply(ctx context.Context, target, text string) error
}

// Task is one unit of work produced by the router and executed by a
// command worker. Run carries the whole bound call; the remaining fields
// exist so the worker can report failures back to whoever asked.
type Task struct {
	ID     uuid.UUID
	Plugin string
	Kind   string // "command", "api", "interval", "event", "suggestion"
	Event  events.UserEvent
	Reply  Replier
	Inv    *Invocation
	Run    func(ctx context.Context) error
}

// Backend hosts the plugins of one implementation technology. The router
// selects a backend by the extension of a plugin's source locator and
// never touches plugin internals itself.
type Backend interface {
	Name() string
	Extensions() []string

	LoadPlugin(ctx context.Context, name, source string) error
	UnloadPlugin(ctx context.Context, name string) error

	Plugins() []string
	Commands(plugin string) ([]string, error)

	CommandTask(plugin, command, args string, ev events.UserEvent, inv *Invocation, r Replier) (*Task, error)
	APICall(ctx context.Context, inv *Invocation, plugin, name string, args ...interface{}) (interface{}, error)
	GenericCall(ctx context.Context, inv *Invocation, plugin, kind, name string, args ...interface{}) (interface{}, error)
	IntervalTask(plugin string, param interface{}) (*Task, error)
	EventTasks(ev events.Event, inv *Invocation, r Replier) []*Task
}

// CommandContext is what a native command handler gets to work with.
type CommandContext struct {
	Event events.UserEvent
	Args  string
	Inv   *Invocation
	// Reply sends text back where the command came from.
	Reply func(ctx context.Context, text string) error
}

// Handler signatures exported by a native plugin.
type (
	CommandFunc  func(ctx context.Context, cc *CommandContext) error
	APIFunc      func(ctx context.Context, inv *Invocation, args ...interface{}) (interface{}, error)
	GenericFunc  func(ctx context.Context, inv *Invocation, args ...interface{}) (interface{}, error)
	IntervalFunc func(ctx context.Context, inv *Invocation, param interface{}) error
	EventFunc    func(ctx context.Context, inv *Invocation, ev events.Event) error
)

// PluginSpec is everything a native plugin exports. Maps may be nil.
type PluginSpec struct {
	Commands map[string]CommandFunc
	APIs     map[string]APIFunc
	Generics map[string]map[string]GenericFunc // call type -> name -> fn
	Interval IntervalFunc
	Events   map[string]EventFunc // event type name -> fn
}

// Factory builds a plugin instance against the router it will live in.
// Called on every load and reload, so a reload picks up fresh state.
type Factory func(r *Router) (*PluginSpec, error)

// NativeBackend hosts plugins compiled into the binary. Factories are
// registered at startup; loading a plugin instantiates its factory.
type NativeBackend struct {
	log    *logrus.Logger
	router *Router

	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]*PluginSpec
	names     map[string]string // folded -> display
}

// NewNativeBackend creates an empty native backend.
func NewNativeBackend(log *logrus.Logger) *NativeBackend {
	if log == nil {
		log = logrus.New()
	}
	return &NativeBackend{
		log:       log,
		factories: make(map[string]Factory),
		loaded:    make(map[string]*PluginSpec),
		names:     make(map[string]string),
	}
}

// Register makes a factory loadable under the given plugin name. Must be
// called before the plugin is loaded; typically at startup.
func (b *NativeBackend) Register(name string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[foldName(name)] = f
}

// Bind attaches the backend to its router. Called once during wiring,
// before any plugin loads.
func (b *NativeBackend) Bind(r *Router) {
	b.router = r
}

func (b *NativeBackend) Name() string { return "native" }

// Extensions: native source locators look like "native:<name>".
func (b *NativeBackend) Extensions() []string { return []string{"native"} }

// LoadPlugin instantiates the registered factory. Loading an
// already-loaded plugin replaces the instance, which is how reload works.
func (b *NativeBackend) LoadPlugin(ctx context.Context, name, source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	folded := foldName(name)
	factory, ok := b.factories[folded]
	if !ok {
		return &NoSuchPluginError{Plugin: name}
	}
	spec, err := factory(b.router)
	if err != nil {
		return fmt.Errorf("plugin %s failed to initialize: %w", name, err)
	}
	b.loaded[folded] = spec
	b.names[folded] = name
	b.log.Infof("loaded native plugin %s", name)
	return nil
}

// UnloadPlugin discards the plugin instance.
func (b *NativeBackend) UnloadPlugin(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	folded := foldName(name)
	if _, ok := b.loaded[folded]; !ok {
		return &NoSuchPluginError{Plugin: name}
	}
	delete(b.loaded, folded)
	delete(b.names, folded)
	return nil
}

// Plugins returns the display names of all loaded plugins, sorted.
func (b *NativeBackend) Plugins() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.names))
	for _, n := range b.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Commands returns the command names a plugin exports, sorted.
func (b *NativeBackend) Commands(plugin string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	spec, ok := b.loaded[foldName(plugin)]
	if !ok {
		return nil, &NoSuchPluginError{Plugin: plugin}
	}
	cmds := make([]string, 0, len(spec.Commands))
	for c := range spec.Commands {
		cmds = append(cmds, c)
	}
	sort.Strings(cmds)
	return cmds, nil
}

func (b *NativeBackend) spec(plugin string) (*PluginSpec, string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	folded := foldName(plugin)
	spec, ok := b.loaded[folded]
	return spec, b.names[folded], ok
}

// CommandTask binds a command handler into a queueable task. The target
// plugin is pushed onto the invocation here, so permission checks inside
// the handler see the plugin itself as the innermost frame.
func (b *NativeBackend) CommandTask(plugin, command, args string, ev events.UserEvent, inv *Invocation, r Replier) (*Task, error) {
	spec, display, ok := b.spec(plugin)
	if !ok {
		return nil, &NoSuchPluginError{Plugin: plugin}
	}
	fn, ok := spec.Commands[foldName(command)]
	if !ok {
		return nil, &NoSuchCallError{Plugin: display, Kind: "command", Name: command}
	}

	pushed := inv.Push(display)
	cc := &CommandContext{
		Event: ev,
		Args:  args,
		Inv:   pushed,
		Reply: func(ctx context.Context, text string) error {
			return r.Reply(ctx, replyTarget(ev), text)
		},
	}
	return &Task{
		ID:     uuid.New(),
		Plugin: display,
		Kind:   "command",
		Event:  ev,
		Reply:  r,
		Inv:    pushed,
		Run: func(ctx context.Context) error {
			return fn(ctx, cc)
		},
	}, nil
}

// APICall invokes an exported API synchronously on the caller's
// goroutine.
func (b *NativeBackend) APICall(ctx context.Context, inv *Invocation, plugin, name string, args ...interface{}) (interface{}, error) {
	spec, display, ok := b.spec(plugin)
	if !ok {
		return nil, &NoSuchPluginError{Plugin: plugin}
	}
	fn, ok := spec.APIs[foldName(name)]
	if !ok {
		return nil, &NoSuchCallError{Plugin: display, Kind: "api", Name: name}
	}
	return fn(ctx, inv.Push(display), args...)
}

// GenericCall invokes an exported generic of the given call type.
func (b *NativeBackend) GenericCall(ctx context.Context, inv *Invocation, plugin, kind, name string, args ...interface{}) (interface{}, error) {
	spec, display, ok := b.spec(plugin)
	if !ok {
		return nil, &NoSuchPluginError{Plugin: plugin}
	}
	fn, ok := spec.Generics[foldName(kind)][foldName(name)]
	if !ok {
		return nil, &NoSuchCallError{Plugin: display, Kind: kind, Name: name}
	}
	return fn(ctx, inv.Push(display), args...)
}

// IntervalTask binds a plugin's interval callback into a task.
func (b *NativeBackend) IntervalTask(plugin string, param interface{}) (*Task, error) {
	spec, display, ok := b.spec(plugin)
	if !ok {
		return nil, &NoSuchPluginError{Plugin: plugin}
	}
	if spec.Interval == nil {
		return nil, &NoSuchCallError{Plugin: display, Kind: "interval", Name: "interval"}
	}
	inv := NewInvocation(nil).Push(display)
	fn := spec.Interval
	return &Task{
		ID:     uuid.New(),
		Plugin: display,
		Kind:   "interval",
		Inv:    inv,
		Run: func(ctx context.Context) error {
			return fn(ctx, inv, param)
		},
	}, nil
}

// EventTasks fans an event out to every loaded plugin with a handler for
// its type, one task per plugin.
func (b *NativeBackend) EventTasks(ev events.Event, inv *Invocation, r Replier) []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typeName := eventTypeName(ev)
	var tasks []*Task
	for folded, spec := range b.loaded {
		fn, ok := spec.Events[typeName]
		if !ok {
			continue
		}
		display := b.names[folded]
		pushed := inv.Push(display)
		handler := fn
		tasks = append(tasks, &Task{
			ID:     uuid.New(),
			Plugin: display,
			Kind:   "event",
			Reply:  r,
			Inv:    pushed,
			Run: func(ctx context.Context) error {
				return handler(ctx, pushed, ev)
			},
		})
	}
	return tasks
}

// eventTypeName maps an event value to the name plugins key their
// handlers on.
func eventTypeName(ev events.Event) string {
	switch ev.(type) {
	case *events.Message:
		return "Message"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// replyTarget picks where a reply to ev should go.
func replyTarget(ev events.UserEvent) string {
	if m, ok := ev.(*events.Message); ok && m.Target != "" {
		return m.Target
	}
	if ev != nil {
		return ev.EventNick()
	}
	return ""
}
