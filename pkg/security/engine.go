package security

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/events"
	"github.com/hubbub-bot/hubbub/pkg/observability"
)

// CallerStack is the engine's read-only view of an in-flight invocation:
// who is really asking, skip frames back from the innermost call. The
// dispatch layer threads a concrete invocation value through every
// cross-plugin call; the engine never sees more than this.
type CallerStack interface {
	// PluginName returns the plugin name skip entries back from the
	// innermost frame (0 = immediate caller), or false if the stack does
	// not reach that far.
	PluginName(skip int) (string, bool)
}

// NickAuthFunc asks the external nick-authentication service whether a
// nick is authenticated. Wired through the dispatch router when a nick
// service plugin is loaded.
type NickAuthFunc func(ctx context.Context, nick string) (bool, error)

// StalenessWindow is how old an event may be before permission checks
// against it are rejected outright.
const StalenessWindow = 5 * time.Second

// maxTraversalDepth bounds membership-graph traversal. Cycles and
// over-deep hierarchies are cut off silently rather than failing the
// check.
const maxTraversalDepth = 5

// Engine is the authorization engine: permission checks for users and
// plugins, and permission-gated administrative mutation of the node/group
// graph. All state lives in the graph store; the engine adds caching,
// traversal and policy.
type Engine struct {
	store   *GraphStore
	dir     *NodeDirectory
	cache   Cache
	metrics *observability.Metrics
	log     *logrus.Logger

	staleAfter time.Duration

	nickAuthMu sync.RWMutex
	nickAuth   NickAuthFunc

	// mu serializes administrative graph mutations so no two ever
	// interleave, on top of per-mutation transactions.
	mu sync.Mutex

	anonMu sync.Mutex
	anonID int64
}

// NewEngine creates the authorization engine. cache may be nil for a
// default in-process cache; metrics may be nil to run unmetered.
func NewEngine(store *GraphStore, cache Cache, metrics *observability.Metrics, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.New()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	dir, err := NewNodeDirectory(store, DefaultDirectorySize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:      store,
		dir:        dir,
		cache:      cache,
		metrics:    metrics,
		log:        log,
		staleAfter: StalenessWindow,
	}, nil
}

// SetNickAuth installs the delegate used by HasNickAuth. A nil delegate
// (no nick service loaded) means everyone counts as authenticated.
func (e *Engine) SetNickAuth(fn NickAuthFunc) {
	e.nickAuthMu.Lock()
	defer e.nickAuthMu.Unlock()
	e.nickAuth = fn
}

// SetStalenessWindow overrides the event staleness window. Used by tests.
func (e *Engine) SetStalenessWindow(d time.Duration) {
	e.staleAfter = d
}

// Close tears down the engine's cache.
func (e *Engine) Close() error {
	return e.cache.Close()
}

// checkEvent rejects events older than the staleness window. The window
// applies only to checks that consult a chat event; administrative
// mutations arriving through other surfaces carry no event and are
// deliberately exempt.
func (e *Engine) checkEvent(ev events.Event) error {
	age := time.Since(ev.EventTime())
	if age > e.staleAfter {
		return &StaleEventError{At: ev.EventTime(), Age: age}
	}
	return nil
}

// anonNodeID resolves the anonymous node once and caches the id for the
// process lifetime. Returns 0 when no anonymous node exists.
func (e *Engine) anonNodeID(ctx context.Context) int64 {
	e.anonMu.Lock()
	defer e.anonMu.Unlock()
	if e.anonID != 0 {
		return e.anonID
	}
	id, err := e.dir.NodeID(ctx, AnonymousNodeName, ClassAnonymous)
	if err != nil {
		if !IsNotFound(err) {
			e.log.WithError(err).Warn("failed to resolve anonymous node")
		}
		return 0
	}
	e.anonID = id
	return id
}

// parentGroups returns a node's direct parents, through the cache.
func (e *Engine) parentGroups(ctx context.Context, nodeID int64) ([]int64, error) {
	if parents, ok := e.cache.Parents(ctx, nodeID); ok {
		e.metrics.ObserveCache("parents", "hit")
		return parents, nil
	}
	e.metrics.ObserveCache("parents", "miss")
	parents, err := e.store.ParentGroups(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	e.cache.SetParents(ctx, nodeID, parents)
	return parents, nil
}

// grantsFor returns a node's direct grants, through the cache.
func (e *Engine) grantsFor(ctx context.Context, nodeID int64) ([]Permission, error) {
	if grants, ok := e.cache.Grants(ctx, nodeID); ok {
		e.metrics.ObserveCache("grants", "hit")
		return grants, nil
	}
	e.metrics.ObserveCache("grants", "miss")
	grants, err := e.store.GrantsForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	e.cache.SetGrants(ctx, nodeID, grants)
	return grants, nil
}

type walkItem struct {
	id    int64
	depth int
}

// resolveClosure returns the set of nodes whose grants apply to nodeID:
// optionally the node itself, every group transitively reachable through
// membership edges within the depth bound, and the anonymous node with its
// own reachable groups. An explicit worklist with a seen-set makes the
// bound structural; traversal silently stops at the bound.
func (e *Engine) resolveClosure(ctx context.Context, nodeID int64, includeSelf bool) ([]int64, error) {
	seen := make(map[int64]bool)
	order := []int64{}
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	walk := func(start int64, self bool) error {
		if self {
			add(start)
		}
		work := []walkItem{{id: start, depth: 0}}
		for len(work) > 0 {
			it := work[0]
			work = work[1:]
			if it.depth >= maxTraversalDepth {
				continue
			}
			parents, err := e.parentGroups(ctx, it.id)
			if err != nil {
				return err
			}
			for _, p := range parents {
				if seen[p] {
					continue
				}
				add(p)
				work = append(work, walkItem{id: p, depth: it.depth + 1})
			}
		}
		return nil
	}

	if err := walk(nodeID, includeSelf); err != nil {
		return nil, err
	}
	// Everyone additionally inherits the anonymous node's grants, except
	// anonymous itself.
	if anonID := e.anonNodeID(ctx); anonID != 0 && anonID != nodeID {
		if err := walk(anonID, true); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// nodeSetImplies reports whether any node in the set carries a grant
// implying perm.
func (e *Engine) nodeSetImplies(ctx context.Context, nodes []int64, perm Permission) (bool, error) {
	for _, id := range nodes {
		grants, err := e.grantsFor(ctx, id)
		if err != nil {
			return false, err
		}
		for _, g := range grants {
			if g.Implies(perm) {
				return true, nil
			}
		}
	}
	return false, nil
}

// hasPermOnNode checks perm against a resolved node's closure.
func (e *Engine) hasPermOnNode(ctx context.Context, nodeID int64, perm Permission, includeSelf bool) (bool, error) {
	nodes, err := e.resolveClosure(ctx, nodeID, includeSelf)
	if err != nil {
		return false, err
	}
	return e.nodeSetImplies(ctx, nodes, perm)
}

/* ==========================
 * USER PERMISSION CHECKS
 * ==========================
 */

// HasPermission reports whether the user behind ev holds perm, via the
// user's groups, their ancestors and the anonymous node. An unresolvable
// nick falls back to the anonymous node alone; if that doesn't exist
// either, the answer is no.
func (e *Engine) HasPermission(ctx context.Context, perm Permission, ev events.UserEvent) (bool, error) {
	if err := e.checkEvent(ev); err != nil {
		e.metrics.ObservePermissionCheck("user", "stale")
		return false, err
	}

	nick := ev.EventNick()
	nodeID, err := e.dir.NodeID(ctx, nick, ClassUser)
	if err != nil {
		if IsNotFound(err) {
			if anonID := e.anonNodeID(ctx); anonID != 0 {
				ok, err := e.hasPermOnNode(ctx, anonID, perm, true)
				e.observeCheck("user", ok, err)
				return ok, err
			}
			e.metrics.ObservePermissionCheck("user", "denied")
			return false, nil
		}
		return false, err
	}

	// The user's own node carries no grants; permissions attach to its
	// same-named group and above.
	ok, err := e.hasPermOnNode(ctx, nodeID, perm, false)
	e.observeCheck("user", ok, err)
	return ok, err
}

// CheckPermission is HasPermission with a denial error instead of false.
func (e *Engine) CheckPermission(ctx context.Context, perm Permission, ev events.UserEvent) error {
	ok, err := e.HasPermission(ctx, perm, ev)
	if err != nil {
		return err
	}
	if !ok {
		return &DeniedError{Permission: perm, Principal: ev.EventNick()}
	}
	return nil
}

func (e *Engine) observeCheck(principal string, ok bool, err error) {
	switch {
	case err != nil:
		e.metrics.ObservePermissionCheck(principal, "error")
	case ok:
		e.metrics.ObservePermissionCheck(principal, "allowed")
	default:
		e.metrics.ObservePermissionCheck(principal, "denied")
	}
}

/* ==========================
 * PLUGIN PERMISSION CHECKS
 * ==========================
 */

// stackName reads skip frames back off a possibly-nil caller stack.
func stackName(stack CallerStack, skip int) (string, bool) {
	if stack == nil {
		return "", false
	}
	return stack.PluginName(skip)
}

// HasPluginPermission checks perm against the plugin skip frames back in
// the invocation (0 = immediate caller). A check with no plugin frame is
// trusted core code and always allowed; a plugin whose node does not
// exist is always denied.
func (e *Engine) HasPluginPermission(ctx context.Context, stack CallerStack, perm Permission, skip int) (bool, error) {
	name, ok := stackName(stack, skip)
	if !ok {
		return true, nil
	}

	nodeID, err := e.dir.NodeID(ctx, name, ClassPlugin)
	if err != nil {
		if IsNotFound(err) {
			e.metrics.ObservePermissionCheck("plugin", "denied")
			return false, nil
		}
		return false, err
	}

	// A plugin's own node carries grants directly, so include it.
	allowed, err := e.hasPermOnNode(ctx, nodeID, perm, true)
	e.observeCheck("plugin", allowed, err)
	if err == nil && !allowed {
		e.log.Debugf("plugin %s lacks %s", name, perm.Render())
	}
	return allowed, err
}

// CheckPluginPermission is HasPluginPermission with a denial error.
func (e *Engine) CheckPluginPermission(ctx context.Context, stack CallerStack, perm Permission, skip int) error {
	ok, err := e.HasPluginPermission(ctx, stack, perm, skip)
	if err != nil {
		return err
	}
	if !ok {
		name, _ := stackName(stack, skip)
		return &DeniedError{Permission: perm, Principal: "plugin " + name}
	}
	return nil
}

/* ==========================
 * NICK AUTHENTICATION
 * ==========================
 */

// HasNickAuth reports whether the nick behind ev is authenticated with
// the external nick service. With no service loaded the answer is a
// permissive yes; a service failure is a cautious no.
func (e *Engine) HasNickAuth(ctx context.Context, ev events.UserEvent) (bool, error) {
	if err := e.checkEvent(ev); err != nil {
		return false, err
	}

	e.nickAuthMu.RLock()
	fn := e.nickAuth
	e.nickAuthMu.RUnlock()
	if fn == nil {
		return true, nil
	}

	ok, err := fn(ctx, ev.EventNick())
	if err != nil {
		e.log.WithError(err).Errorf("nick auth check failed for %s", ev.EventNick())
		return false, nil
	}
	return ok, nil
}

// CheckNickAuth is HasNickAuth with an error on failure.
func (e *Engine) CheckNickAuth(ctx context.Context, ev events.UserEvent) error {
	ok, err := e.HasNickAuth(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		return &NickAuthError{Nick: ev.EventNick()}
	}
	return nil
}

// CheckNickPermission requires both nick authentication and perm.
func (e *Engine) CheckNickPermission(ctx context.Context, perm Permission, ev events.UserEvent) error {
	if err := e.CheckNickAuth(ctx, ev); err != nil {
		return err
	}
	return e.CheckPermission(ctx, perm, ev)
}

/* ==========================
 * GRANT MANAGEMENT
 * ==========================
 */

// pluginOwns reports whether the immediate caller plugin owns the target
// group: plugin-class groups are named "<plugin>[.<sub>]" and their owner
// may manage them without administrative permission.
func pluginOwns(stack CallerStack, target Node) bool {
	if target.Class != ClassPlugin {
		return false
	}
	caller, ok := stackName(stack, 0)
	if !ok {
		return false
	}
	return FoldName(RootName(target.Name)) == FoldName(caller)
}

// GrantPermission attaches perm to the named group. A plugin may grant on
// its own node without administrative permission, but only permissions it
// already holds itself; anything else requires "group.grant.<name>".
func (e *Engine) GrantPermission(ctx context.Context, stack CallerStack, groupName string, perm Permission) error {
	target, err := ParseGroupName(groupName)
	if err != nil {
		return err
	}

	if pluginOwns(stack, target) {
		// Delegation must not escalate: the plugin can hand out only what
		// it already has.
		held, err := e.HasPluginPermission(ctx, stack, perm, 0)
		if err != nil {
			return err
		}
		if !held {
			caller, _ := stackName(stack, 0)
			e.log.Warnf("plugin %s tried to grant %s it doesn't hold", caller, perm.Render())
			return conflictf("a plugin may only grant permissions which it is entitled to")
		}
	} else if err := e.CheckPluginPermission(ctx, stack, Exact("group.grant."+groupName), 0); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	groupID, err := e.dir.NodeID(ctx, target.Name, target.Class)
	if err != nil {
		e.metrics.ObserveMutation("grant", "error")
		return err
	}

	already, err := e.hasPermOnNode(ctx, groupID, perm, true)
	if err != nil {
		return err
	}
	if already {
		e.metrics.ObserveMutation("grant", "conflict")
		return conflictf("group %s already has %s", groupName, perm.Render())
	}

	if err := e.store.InsertGrant(ctx, groupID, perm); err != nil {
		e.metrics.ObserveMutation("grant", "error")
		return err
	}
	e.cache.InvalidateGrants(ctx, groupID)
	e.metrics.ObserveMutation("grant", "ok")
	return nil
}

// RevokePermission removes perm from the named group. Plugins may revoke
// on their own nodes; anything else requires "group.revoke.<name>". The
// grant must have been assigned in exactly the revoked form.
func (e *Engine) RevokePermission(ctx context.Context, stack CallerStack, groupName string, perm Permission) error {
	target, err := ParseGroupName(groupName)
	if err != nil {
		return err
	}

	if !pluginOwns(stack, target) {
		if err := e.CheckPluginPermission(ctx, stack, Exact("group.revoke."+groupName), 0); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	groupID, err := e.dir.NodeID(ctx, target.Name, target.Class)
	if err != nil {
		e.metrics.ObserveMutation("revoke", "error")
		return err
	}

	held, err := e.hasPermOnNode(ctx, groupID, perm, true)
	if err != nil {
		return err
	}
	if !held {
		e.metrics.ObserveMutation("revoke", "conflict")
		return conflictf("group %s does not have %s", groupName, perm.Render())
	}

	if err := e.store.DeleteGrant(ctx, groupID, perm); err != nil {
		if IsConflict(err) {
			e.metrics.ObserveMutation("revoke", "conflict")
		} else {
			e.metrics.ObserveMutation("revoke", "error")
		}
		return err
	}
	e.cache.InvalidateGrants(ctx, groupID)
	e.metrics.ObserveMutation("revoke", "ok")
	return nil
}

// FindPermission explains where a group's ability to use perm comes from:
// every grant in the transitive closure that implies it, rendered and
// annotated with the owning node.
func (e *Engine) FindPermission(ctx context.Context, groupName string, perm Permission) ([]string, error) {
	target, err := ParseGroupName(groupName)
	if err != nil {
		return nil, err
	}
	groupID, err := e.dir.NodeID(ctx, target.Name, target.Class)
	if err != nil {
		return nil, err
	}

	nodes, err := e.resolveClosure(ctx, groupID, true)
	if err != nil {
		return nil, err
	}

	var found []string
	for _, id := range nodes {
		grants, err := e.grantsFor(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			if !g.Implies(perm) {
				continue
			}
			node, err := e.store.NodeByID(ctx, id)
			if err != nil {
				return nil, err
			}
			found = append(found, node.String()+": "+g.Render())
		}
	}
	return found, nil
}

// ListPermissions renders the grants attached directly to a group.
func (e *Engine) ListPermissions(ctx context.Context, groupName string) ([]string, error) {
	target, err := ParseGroupName(groupName)
	if err != nil {
		return nil, err
	}
	groupID, err := e.dir.NodeID(ctx, target.Name, target.Class)
	if err != nil {
		return nil, err
	}

	grants, err := e.grantsFor(ctx, groupID)
	if err != nil {
		return nil, err
	}
	rendered := make([]string, 0, len(grants))
	for _, g := range grants {
		rendered = append(rendered, g.Render())
	}
	return rendered, nil
}

/* ==========================
 * USER AND GROUP MANAGEMENT
 * ==========================
 */

// AddUser creates a user, its same-named group and the edge between them.
// Requires "user.add".
func (e *Engine) AddUser(ctx context.Context, stack CallerStack, userName string) error {
	if err := e.CheckPluginPermission(ctx, stack, Exact("user.add"), 0); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.store.AddUser(ctx, userName)
	e.observeMutation("add_user", err)
	return err
}

// LinkUser creates leaf as an alias of the existing user root. Requires
// "user.link".
func (e *Engine) LinkUser(ctx context.Context, stack CallerStack, root, leaf string) error {
	if err := e.CheckPluginPermission(ctx, stack, Exact("user.link"), 0); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.store.LinkUser(ctx, root, leaf)
	e.observeMutation("link_user", err)
	return err
}

// DelUser removes a user node and its memberships, leaving its groups in
// place. Requires "user.del".
func (e *Engine) DelUser(ctx context.Context, stack CallerStack, userName string) error {
	if err := e.CheckPluginPermission(ctx, stack, Exact("user.del"), 0); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	userID, err := e.store.DeleteUser(ctx, userName)
	e.observeMutation("del_user", err)
	if err != nil {
		return err
	}
	e.cache.InvalidateParents(ctx, userID)
	return nil
}

// AddGroup creates an empty group. Plugins may create groups in their own
// namespace; anything else requires "group.add.<name>".
func (e *Engine) AddGroup(ctx context.Context, stack CallerStack, groupName string) error {
	target, err := ParseGroupName(groupName)
	if err != nil {
		return err
	}
	if !pluginOwns(stack, target) {
		if err := e.CheckPluginPermission(ctx, stack, Exact("group.add."+groupName), 0); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.store.AddGroup(ctx, target)
	e.observeMutation("add_group", err)
	return err
}

// AddUserToGroup makes the named user a member of the named group.
func (e *Engine) AddUserToGroup(ctx context.Context, stack CallerStack, parentName, childName string) error {
	return e.addMember(ctx, stack, parentName, Node{Name: childName, Class: ClassUser})
}

// AddGroupToGroup makes the named child group a member of the named
// parent group, producing multi-level permission inheritance.
func (e *Engine) AddGroupToGroup(ctx context.Context, stack CallerStack, parentName, childName string) error {
	child, err := ParseGroupName(childName)
	if err != nil {
		return err
	}
	return e.addMember(ctx, stack, parentName, child)
}

// RemoveUserFromGroup removes the named user from the named group.
func (e *Engine) RemoveUserFromGroup(ctx context.Context, stack CallerStack, parentName, childName string) error {
	return e.removeMember(ctx, stack, parentName, Node{Name: childName, Class: ClassUser})
}

// RemoveGroupFromGroup removes the named child group from the parent.
func (e *Engine) RemoveGroupFromGroup(ctx context.Context, stack CallerStack, parentName, childName string) error {
	child, err := ParseGroupName(childName)
	if err != nil {
		return err
	}
	return e.removeMember(ctx, stack, parentName, child)
}

func (e *Engine) addMember(ctx context.Context, stack CallerStack, parentName string, child Node) error {
	parent, err := ParseGroupName(parentName)
	if err != nil {
		return err
	}
	if !pluginOwns(stack, parent) {
		if err := e.CheckPluginPermission(ctx, stack, Exact("group.members."+parentName), 0); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	parentID, err := e.dir.NodeID(ctx, parent.Name, parent.Class)
	if err != nil {
		return err
	}
	childID, err := e.dir.NodeID(ctx, child.Name, child.Class)
	if err != nil {
		return err
	}

	if err := e.store.AddMember(ctx, parentID, childID, parentName, child.Name); err != nil {
		e.observeMutation("add_member", err)
		return err
	}
	e.cache.InvalidateParents(ctx, childID)
	e.metrics.ObserveMutation("add_member", "ok")
	return nil
}

func (e *Engine) removeMember(ctx context.Context, stack CallerStack, parentName string, child Node) error {
	parent, err := ParseGroupName(parentName)
	if err != nil {
		return err
	}
	if !pluginOwns(stack, parent) {
		if err := e.CheckPluginPermission(ctx, stack, Exact("group.members."+parentName), 0); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	parentID, err := e.dir.NodeID(ctx, parent.Name, parent.Class)
	if err != nil {
		return err
	}
	childID, err := e.dir.NodeID(ctx, child.Name, child.Class)
	if err != nil {
		return err
	}

	if err := e.store.RemoveMember(ctx, parentID, childID, parentName, child.Name); err != nil {
		e.observeMutation("remove_member", err)
		return err
	}
	e.cache.InvalidateParents(ctx, childID)
	e.metrics.ObserveMutation("remove_member", "ok")
	return nil
}

// RegisterPlugin ensures a plugin's security node exists. Called by the
// dispatch layer on plugin load; idempotent.
func (e *Engine) RegisterPlugin(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.store.EnsureNode(ctx, Node{Name: name, Class: ClassPlugin})
	return err
}

// RootUser returns the name of the group a user ultimately belongs to.
func (e *Engine) RootUser(ctx context.Context, userName string) (string, error) {
	return e.store.RootUser(ctx, userName)
}

func (e *Engine) observeMutation(op string, err error) {
	switch {
	case err == nil:
		e.metrics.ObserveMutation(op, "ok")
	case IsConflict(err):
		e.metrics.ObserveMutation(op, "conflict")
	case IsNotFound(err):
		e.metrics.ObserveMutation(op, "not_found")
	default:
		e.metrics.ObserveMutation(op, "error")
	}
}
