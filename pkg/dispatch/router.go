package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/events"
	"github.com/hubbub-bot/hubbub/pkg/observability"
	"github.com/hubbub-bot/hubbub/pkg/security"
)

// CommandTrigger starts a command line.
const CommandTrigger = "~"

// PluginStore persists which plugins are loaded and where their source
// lives, so reload and restart can recover them.
type PluginStore interface {
	RecordPlugin(ctx context.Context, name, source string) error
	PluginSource(ctx context.Context, name string) (string, error)
}

// Submitter accepts tasks for asynchronous execution. The command worker
// pool implements it; tests swap in something synchronous.
type Submitter interface {
	Submit(t *Task) error
}

func foldName(name string) string {
	return strings.ToLower(name)
}

// Router owns the plugin population: which backend hosts which plugin,
// and every path a call can take to reach plugin code. Cross-plugin calls
// go through here so the invocation always gains the target's frame
// before plugin code runs.
type Router struct {
	log     *logrus.Logger
	metrics *observability.Metrics
	engine  *security.Engine
	store   PluginStore

	mu        sync.RWMutex
	byExt     map[string]Backend
	owners    map[string]Backend // folded plugin name -> owning backend
	names     map[string]string  // folded -> display
	queue     Submitter
	watch     func(path, plugin string) error
	schedule  func(spec, plugin string, param interface{}) error
	schedules map[string]bool // folded plugin + spec already registered
}

// NewRouter creates a router with no backends attached.
func NewRouter(engine *security.Engine, store PluginStore, metrics *observability.Metrics, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.New()
	}
	return &Router{
		log:       log,
		metrics:   metrics,
		engine:    engine,
		store:     store,
		byExt:     make(map[string]Backend),
		owners:    make(map[string]Backend),
		names:     make(map[string]string),
		schedules: make(map[string]bool),
	}
}

// SetQueue attaches the task queue. Must be called before any dispatch.
func (r *Router) SetQueue(q Submitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = q
}

// SetWatcher attaches the source watcher's track function. File-backed
// plugin sources are tracked on load so an on-disk change reloads them.
func (r *Router) SetWatcher(track func(path, plugin string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watch = track
}

// SetScheduler attaches the interval scheduler. Must be set before any
// plugin that registers intervals is loaded.
func (r *Router) SetScheduler(fn func(spec, plugin string, param interface{}) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedule = fn
}

// ScheduleInterval registers a recurring interval callback for plugin on
// a cron spec (with a seconds field), passing param through opaquely.
// Typically called from a plugin's factory; registering the same spec
// again on reload is a no-op.
func (r *Router) ScheduleInterval(spec, plugin string, param interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schedule == nil {
		return fmt.Errorf("interval scheduler is not attached")
	}
	key := foldName(plugin) + "\x00" + spec
	if r.schedules[key] {
		return nil
	}
	if err := r.schedule(spec, plugin, param); err != nil {
		return err
	}
	r.schedules[key] = true
	return nil
}

// AddBackend registers a backend for the source extensions it claims.
func (r *Router) AddBackend(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range b.Extensions() {
		r.byExt[ext] = b
	}
	if binder, ok := b.(interface{ Bind(*Router) }); ok {
		binder.Bind(r)
	}
}

// sourceExtension extracts the backend selector from a source locator:
// a scheme prefix ("native:Alias") or a file extension ("plugins/x.lua").
func sourceExtension(source string) string {
	if i := strings.Index(source, ":"); i > 0 && !strings.Contains(source[:i], "/") {
		return source[:i]
	}
	return strings.TrimPrefix(filepath.Ext(source), ".")
}

// isFileSource reports whether a source locator names a file on disk
// rather than a scheme-addressed source like "native:<name>".
func isFileSource(source string) bool {
	if i := strings.Index(source, ":"); i > 0 && !strings.Contains(source[:i], "/") {
		return false
	}
	return filepath.Ext(source) != ""
}

// LoadPlugin loads (or replaces) a plugin from its source locator: the
// backend is selected by extension, the plugin's security node is ensured,
// and the source is recorded for later reload.
func (r *Router) LoadPlugin(ctx context.Context, name, source string) error {
	ext := sourceExtension(source)

	r.mu.RLock()
	backend, ok := r.byExt[ext]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no backend accepts plugin source %q", source)
	}

	if err := r.engine.RegisterPlugin(ctx, name); err != nil {
		return err
	}
	if err := backend.LoadPlugin(ctx, name, source); err != nil {
		r.metrics.ObserveDispatch("load", "error")
		return err
	}

	r.mu.Lock()
	r.owners[foldName(name)] = backend
	r.names[foldName(name)] = name
	count := len(r.owners)
	watch := r.watch
	r.mu.Unlock()

	if err := r.store.RecordPlugin(ctx, name, source); err != nil {
		r.log.WithError(err).Warnf("plugin %s loaded but its source was not recorded; reload will not survive restart", name)
	}
	if watch != nil && isFileSource(source) {
		if err := watch(source, name); err != nil {
			r.log.WithError(err).Warnf("plugin %s loaded but its source %s is not being watched for changes", name, source)
		}
	}

	r.metrics.ObserveDispatch("load", "ok")
	r.metrics.SetPluginsLoaded(count)
	r.log.Infof("plugin %s loaded from %s", name, source)
	return nil
}

// ReloadPlugin reloads a plugin from its recorded source.
func (r *Router) ReloadPlugin(ctx context.Context, name string) error {
	source, err := r.store.PluginSource(ctx, name)
	if err != nil {
		return err
	}
	return r.LoadPlugin(ctx, name, source)
}

// DetachPlugin unloads a plugin, leaving its recorded source and security
// node in place so a later load restores its grants.
func (r *Router) DetachPlugin(ctx context.Context, name string) error {
	backend, _, err := r.ownerOf(name)
	if err != nil {
		return err
	}
	if err := backend.UnloadPlugin(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.owners, foldName(name))
	delete(r.names, foldName(name))
	count := len(r.owners)
	r.mu.Unlock()

	r.metrics.SetPluginsLoaded(count)
	r.log.Infof("plugin %s detached", name)
	return nil
}

// ownerOf resolves a plugin to its owning backend and display name.
func (r *Router) ownerOf(plugin string) (Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	folded := foldName(plugin)
	backend, ok := r.owners[folded]
	if !ok {
		return nil, "", &NoSuchPluginError{Plugin: plugin}
	}
	return backend, r.names[folded], nil
}

// Plugins returns the display names of all loaded plugins, sorted.
func (r *Router) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for _, n := range r.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Commands returns the commands a plugin exports.
func (r *Router) Commands(plugin string) ([]string, error) {
	backend, display, err := r.ownerOf(plugin)
	if err != nil {
		return nil, err
	}
	return backend.Commands(display)
}

// AllCommands returns every loadable "plugin.command" name. This is the
// candidate set for suggestions.
func (r *Router) AllCommands() []string {
	var all []string
	for _, plugin := range r.Plugins() {
		cmds, err := r.Commands(plugin)
		if err != nil {
			continue
		}
		for _, c := range cmds {
			all = append(all, plugin+"."+c)
		}
	}
	return all
}

// ParseCommand splits a chat line into plugin, command and trailing
// arguments. Lines not starting with the trigger, or whose first word is
// not of the form plugin.command, are not commands.
func ParseCommand(text string) (plugin, command, args string, ok bool) {
	if !strings.HasPrefix(text, CommandTrigger) {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(text, CommandTrigger)
	head, tail, _ := strings.Cut(rest, " ")
	plugin, command, found := strings.Cut(head, ".")
	if !found || plugin == "" || command == "" {
		return "", "", "", false
	}
	return plugin, command, strings.TrimSpace(tail), true
}

// commandTask resolves a parsed command into a runnable task. An
// unresolvable command becomes a suggestion task instead of an error, so
// typos get an answer rather than silence.
func (r *Router) commandTask(plugin, command, args string, ev events.UserEvent, inv *Invocation, rep Replier) *Task {
	backend, display, err := r.ownerOf(plugin)
	if err == nil {
		var t *Task
		t, err = backend.CommandTask(display, command, args, ev, inv, rep)
		if err == nil {
			return t
		}
	}
	if !IsNoSuchPlugin(err) && !IsNoSuchCall(err) {
		r.log.WithError(err).Errorf("failed to bind command %s.%s", plugin, command)
	}

	input := plugin + "." + command
	text := SuggestionText(input, SuggestCommands(input, r.AllCommands()))
	r.metrics.ObserveSuggestion()
	return &Task{
		ID:     uuid.New(),
		Plugin: plugin,
		Kind:   "suggestion",
		Event:  ev,
		Reply:  rep,
		Inv:    inv,
		Run: func(ctx context.Context) error {
			return rep.Reply(ctx, replyTarget(ev), text)
		},
	}
}

// DispatchMessage routes one inbound chat line: a command dispatch when
// the line carries the trigger, plus an event fan-out to every plugin
// listening for messages.
func (r *Router) DispatchMessage(ctx context.Context, msg *events.Message, rep Replier) error {
	r.mu.RLock()
	queue := r.queue
	byExt := make(map[Backend]bool)
	for _, b := range r.byExt {
		byExt[b] = true
	}
	r.mu.RUnlock()
	if queue == nil {
		return fmt.Errorf("dispatch queue is not attached")
	}

	inv := NewInvocation(msg)

	if plugin, command, args, ok := ParseCommand(msg.Text); ok {
		t := r.commandTask(plugin, command, args, msg, inv, rep)
		if err := queue.Submit(t); err != nil {
			r.metrics.ObserveDispatch("command", "dropped")
			return err
		}
		r.metrics.ObserveDispatch("command", "queued")
	}

	for backend := range byExt {
		for _, t := range backend.EventTasks(msg, inv, rep) {
			t.Event = msg
			if err := queue.Submit(t); err != nil {
				r.metrics.ObserveDispatch("event", "dropped")
				r.log.WithError(err).Warnf("dropped event dispatch to plugin %s", t.Plugin)
				continue
			}
			r.metrics.ObserveDispatch("event", "queued")
		}
	}
	return nil
}

// CallAPI invokes another plugin's exported API synchronously. The
// invocation gains the target plugin's frame for the duration of the
// call, which is how the callee's permission checks see the right
// principal.
func (r *Router) CallAPI(ctx context.Context, inv *Invocation, plugin, name string, args ...interface{}) (interface{}, error) {
	backend, display, err := r.ownerOf(plugin)
	if err != nil {
		return nil, err
	}
	res, err := backend.APICall(ctx, inv, display, name, args...)
	if err != nil {
		r.metrics.ObserveDispatch("api", "error")
		return nil, err
	}
	r.metrics.ObserveDispatch("api", "ok")
	return res, nil
}

// CallGeneric invokes an exported generic of the given call type. Unlike
// plain API calls, generic calls are permission-gated: the caller needs
// "generic.<type>".
func (r *Router) CallGeneric(ctx context.Context, inv *Invocation, plugin, kind, name string, args ...interface{}) (interface{}, error) {
	if err := r.engine.CheckPluginPermission(ctx, inv, security.Exact("generic."+kind), 0); err != nil {
		return nil, err
	}
	backend, display, err := r.ownerOf(plugin)
	if err != nil {
		return nil, err
	}
	res, err := backend.GenericCall(ctx, inv, display, kind, name, args...)
	if err != nil {
		r.metrics.ObserveDispatch("generic", "error")
		return nil, err
	}
	r.metrics.ObserveDispatch("generic", "ok")
	return res, nil
}

// QueueCommand lets a plugin re-dispatch a synthesized command line as if
// a user had typed it. Requires "generic.command". One synthetic hop is
// allowed; a synthetic command may not synthesize another, which stops
// two plugins bouncing a command between each other forever.
func (r *Router) QueueCommand(ctx context.Context, inv *Invocation, msg *events.Message, rep Replier) error {
	if err := r.engine.CheckPluginPermission(ctx, inv, security.Exact("generic.command"), 0); err != nil {
		return err
	}
	if depth := inv.SyntheticDepth(); depth >= 1 {
		return &SyntheticLoopError{Depth: depth + 1}
	}

	r.mu.RLock()
	queue := r.queue
	r.mu.RUnlock()
	if queue == nil {
		return fmt.Errorf("dispatch queue is not attached")
	}

	msg.Synthetic = true
	plugin, command, args, ok := ParseCommand(msg.Text)
	if !ok {
		return fmt.Errorf("synthesized line %q is not a command", msg.Text)
	}

	t := r.commandTask(plugin, command, args, msg, inv.Resynthesize(msg), rep)
	if err := queue.Submit(t); err != nil {
		r.metrics.ObserveDispatch("command", "dropped")
		return err
	}
	r.metrics.ObserveDispatch("command", "queued")
	return nil
}

// QueueInterval queues a plugin's interval callback with an opaque
// parameter.
func (r *Router) QueueInterval(plugin string, param interface{}) error {
	backend, display, err := r.ownerOf(plugin)
	if err != nil {
		return err
	}
	t, err := backend.IntervalTask(display, param)
	if err != nil {
		return err
	}

	r.mu.RLock()
	queue := r.queue
	r.mu.RUnlock()
	if queue == nil {
		return fmt.Errorf("dispatch queue is not attached")
	}
	return queue.Submit(t)
}

// ExceptionReply reports a failed task back to whoever triggered it.
// Authorization and precondition failures carry user-presentable text;
// store failures are already sanitized at the storage boundary.
func (r *Router) ExceptionReply(ctx context.Context, t *Task, err error) {
	r.log.WithError(err).Errorf("task %s (%s %s) failed", t.ID, t.Kind, t.Plugin)
	if t.Reply == nil || t.Event == nil {
		return
	}
	if replyErr := t.Reply.Reply(ctx, replyTarget(t.Event), err.Error()); replyErr != nil {
		r.log.WithError(replyErr).Warn("failed to deliver error reply")
	}
}

// NickAuthVia adapts a nick-service plugin's boolean API into the
// engine's nick-auth delegate. An absent plugin or API means no nick
// service is deployed, so everyone passes.
func (r *Router) NickAuthVia(plugin, api string) security.NickAuthFunc {
	return func(ctx context.Context, nick string) (bool, error) {
		res, err := r.CallAPI(ctx, nil, plugin, api, nick)
		if err != nil {
			if IsNoSuchPlugin(err) || IsNoSuchCall(err) {
				return true, nil
			}
			return false, err
		}
		ok, isBool := res.(bool)
		if !isBool {
			return false, fmt.Errorf("nick service %s.%s returned %T, want bool", plugin, api, res)
		}
		return ok, nil
	}
}
