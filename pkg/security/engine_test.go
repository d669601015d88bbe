package security

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-bot/hubbub/pkg/events"
)

// fakeStack is a recorded invocation: the last element is the innermost
// frame.
type fakeStack []string

func (s fakeStack) PluginName(skip int) (string, bool) {
	i := len(s) - 1 - skip
	if i < 0 {
		return "", false
	}
	return s[i], true
}

func newTestEngine(t *testing.T) (*Engine, *GraphStore) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db, "sqlite3"))

	store := NewGraphStore(db, discardLogger())
	eng, err := NewEngine(store, nil, nil, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, store
}

func msgFrom(nick string) *events.Message {
	return events.NewMessage(nick, "#test", "hello")
}

func TestAddUserDuplicate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "Fred"))

	err := eng.AddUser(ctx, nil, "fred")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestGrantCheckRevoke(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "user.fred", Exact("web.fetch")))

	ok, err := eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)

	// An unrelated known user does not inherit it.
	require.NoError(t, eng.AddUser(ctx, nil, "barney"))
	ok, err = eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("barney"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Revocation takes effect immediately despite the warm cache.
	require.NoError(t, eng.RevokePermission(ctx, nil, "user.fred", Exact("web.fetch")))
	ok, err = eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("fred"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateGrantIsConflict(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "user.fred", Wildcard("web")))

	// Exactly implied by the wildcard already present.
	err := eng.GrantPermission(ctx, nil, "user.fred", Exact("web.fetch"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestMembershipInheritance(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.AddGroup(ctx, nil, "group.ops"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "group.ops", Exact("plugin.load")))

	ok, err := eng.HasPermission(ctx, Exact("plugin.load"), msgFrom("fred"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, eng.AddUserToGroup(ctx, nil, "group.ops", "fred"))
	ok, err = eng.HasPermission(ctx, Exact("plugin.load"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, eng.RemoveUserFromGroup(ctx, nil, "group.ops", "fred"))
	ok, err = eng.HasPermission(ctx, Exact("plugin.load"), msgFrom("fred"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNestedGroupInheritance(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.AddGroup(ctx, nil, "group.ops"))
	require.NoError(t, eng.AddGroup(ctx, nil, "group.admins"))
	require.NoError(t, eng.AddUserToGroup(ctx, nil, "group.ops", "fred"))
	require.NoError(t, eng.AddGroupToGroup(ctx, nil, "group.admins", "group.ops"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "group.admins", All()))

	ok, err := eng.HasPermission(ctx, Exact("anything.at.all"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnonymousInheritance(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.GrantPermission(ctx, nil, "anonymous", Exact("web.fetch")))

	// A nick with no user node falls back to the anonymous node.
	ok, err := eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("stranger"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Known users inherit it too.
	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	ok, err = eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)

	// But nobody inherits more than was granted.
	ok, err = eng.HasPermission(ctx, Exact("plugin.load"), msgFrom("stranger"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembershipCycleTerminates(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.AddGroup(ctx, nil, "group.a"))
	require.NoError(t, eng.AddGroup(ctx, nil, "group.b"))
	require.NoError(t, eng.AddUserToGroup(ctx, nil, "group.a", "fred"))
	require.NoError(t, eng.AddGroupToGroup(ctx, nil, "group.b", "group.a"))
	require.NoError(t, eng.AddGroupToGroup(ctx, nil, "group.a", "group.b"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "group.b", Exact("web.fetch")))

	ok, err := eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTraversalDepthBound(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	groups := []string{"group.g1", "group.g2", "group.g3", "group.g4", "group.g5", "group.g6"}
	for _, g := range groups {
		require.NoError(t, eng.AddGroup(ctx, nil, g))
	}
	require.NoError(t, eng.AddUserToGroup(ctx, nil, groups[0], "fred"))
	for i := 1; i < len(groups); i++ {
		require.NoError(t, eng.AddGroupToGroup(ctx, nil, groups[i], groups[i-1]))
	}

	// Five levels up is reachable, six is beyond the bound.
	require.NoError(t, eng.GrantPermission(ctx, nil, "group.g5", Exact("near.perm")))
	require.NoError(t, eng.GrantPermission(ctx, nil, "group.g6", Exact("far.perm")))

	ok, err := eng.HasPermission(ctx, Exact("near.perm"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.HasPermission(ctx, Exact("far.perm"), msgFrom("fred"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleEventRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	ev := &events.Message{Nick: "fred", Target: "#test", Text: "hi", At: time.Now().Add(-10 * time.Second)}
	_, err := eng.HasPermission(ctx, Exact("web.fetch"), ev)
	require.Error(t, err)

	var stale *StaleEventError
	assert.ErrorAs(t, err, &stale)
}

func TestPluginChecks(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.RegisterPlugin(ctx, "Alias"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "plugin.Alias", Exact("generic.command")))

	// No plugin frame means trusted core code.
	ok, err := eng.HasPluginPermission(ctx, nil, Exact("anything"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.HasPluginPermission(ctx, fakeStack{"Alias"}, Exact("generic.command"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.HasPluginPermission(ctx, fakeStack{"Alias"}, Exact("user.add"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// A plugin with no security node is always denied.
	ok, err = eng.HasPluginPermission(ctx, fakeStack{"Ghost"}, Exact("generic.command"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPluginFrameSkip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.RegisterPlugin(ctx, "Outer"))
	require.NoError(t, eng.RegisterPlugin(ctx, "Inner"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "plugin.Outer", Exact("web.fetch")))

	stack := fakeStack{"Outer", "Inner"}

	// skip 0 is the innermost frame.
	ok, err := eng.HasPluginPermission(ctx, stack, Exact("web.fetch"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eng.HasPluginPermission(ctx, stack, Exact("web.fetch"), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPluginSelfGrantCannotEscalate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.RegisterPlugin(ctx, "Alias"))
	stack := fakeStack{"Alias"}

	// A plugin may create and manage groups in its own namespace without
	// administrative permission.
	require.NoError(t, eng.AddGroup(ctx, stack, "plugin.Alias.friends"))

	// But may only delegate permissions it already holds.
	err := eng.GrantPermission(ctx, stack, "plugin.Alias.friends", Exact("web.fetch"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	require.NoError(t, eng.GrantPermission(ctx, nil, "plugin.Alias", Exact("web.fetch")))
	require.NoError(t, eng.GrantPermission(ctx, stack, "plugin.Alias.friends", Exact("web.fetch")))
}

func TestAdminOpsRequirePermission(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.RegisterPlugin(ctx, "Rogue"))
	stack := fakeStack{"Rogue"}

	err := eng.AddUser(ctx, stack, "mallory")
	require.Error(t, err)
	assert.True(t, IsDenied(err))

	// Granting the admin permission unlocks the operation.
	require.NoError(t, eng.GrantPermission(ctx, nil, "plugin.Rogue", Exact("user.add")))
	require.NoError(t, eng.AddUser(ctx, stack, "mallory"))
}

func TestLinkAndDeleteUser(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.LinkUser(ctx, nil, "fred", "freddy"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "user.fred", Exact("web.fetch")))

	// The alias inherits through fred's group.
	ok, err := eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("freddy"))
	require.NoError(t, err)
	assert.True(t, ok)

	root, err := eng.RootUser(ctx, "freddy")
	require.NoError(t, err)
	assert.Equal(t, "fred", root)

	// Linking to a leaf is refused.
	err = eng.LinkUser(ctx, nil, "freddy", "freddo")
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// Deleting the alias severs the inheritance; fred keeps the grant.
	require.NoError(t, eng.DelUser(ctx, nil, "freddy"))
	ok, err = eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("freddy"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eng.HasPermission(ctx, Exact("web.fetch"), msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNickAuthDelegate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// No delegate installed: everyone passes.
	ok, err := eng.HasNickAuth(ctx, msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)

	eng.SetNickAuth(func(ctx context.Context, nick string) (bool, error) {
		return nick == "fred", nil
	})

	ok, err = eng.HasNickAuth(ctx, msgFrom("fred"))
	require.NoError(t, err)
	assert.True(t, ok)

	err = eng.CheckNickAuth(ctx, msgFrom("barney"))
	require.Error(t, err)
	var na *NickAuthError
	assert.ErrorAs(t, err, &na)

	// A failing delegate answers no rather than failing the check.
	eng.SetNickAuth(func(ctx context.Context, nick string) (bool, error) {
		return false, context.DeadlineExceeded
	})
	ok, err = eng.HasNickAuth(ctx, msgFrom("fred"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindAndListPermissions(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddUser(ctx, nil, "fred"))
	require.NoError(t, eng.AddGroup(ctx, nil, "group.ops"))
	require.NoError(t, eng.AddGroupToGroup(ctx, nil, "group.ops", "user.fred"))
	require.NoError(t, eng.GrantPermission(ctx, nil, "group.ops", Wildcard("plugin")))

	found, err := eng.FindPermission(ctx, "user.fred", Exact("plugin.load"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "group:ops")
	assert.Contains(t, found[0], `permission "plugin.*"`)

	listed, err := eng.ListPermissions(ctx, "group.ops")
	require.NoError(t, err)
	assert.Equal(t, []string{`permission "plugin.*"`}, listed)

	// Direct listing on the user's group is empty; the grant lives above.
	listed, err = eng.ListPermissions(ctx, "user.fred")
	require.NoError(t, err)
	assert.Empty(t, listed)
}
