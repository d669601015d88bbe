package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionImplies(t *testing.T) {
	cases := []struct {
		name    string
		grant   Permission
		request Permission
		want    bool
	}{
		{"all implies exact", All(), Exact("plugin.load"), true},
		{"all implies wildcard", All(), Wildcard("plugin"), true},
		{"all implies all", All(), All(), true},
		{"exact does not imply all", Exact("plugin.load"), All(), false},
		{"exact matches itself", Exact("plugin.load"), Exact("plugin.load"), true},
		{"exact mismatch", Exact("plugin.load"), Exact("plugin.unload"), false},
		{"exact does not imply wildcard", Exact("plugin.load"), Wildcard("plugin"), false},
		{"wildcard covers name under prefix", Wildcard("plugin"), Exact("plugin.load"), true},
		{"wildcard covers deep name", Wildcard("plugin"), Exact("plugin.load.native"), true},
		{"wildcard requires dot boundary", Wildcard("plug"), Exact("plugin.load"), false},
		{"wildcard does not cover bare prefix", Wildcard("plugin"), Exact("plugin"), false},
		{"wildcard covers same wildcard", Wildcard("plugin"), Wildcard("plugin"), true},
		{"wildcard covers narrower wildcard", Wildcard("plugin"), Wildcard("plugin.load"), true},
		{"narrow wildcard does not cover wider", Wildcard("plugin.load"), Wildcard("plugin"), false},
		{"open actions cover any request", Exact("web.fetch"), Exact("web.fetch", "read", "write"), true},
		{"action superset covers", Exact("web.fetch", "read", "write"), Exact("web.fetch", "read"), true},
		{"action subset does not cover", Exact("web.fetch", "read"), Exact("web.fetch", "write"), false},
		{"open request covered by restricted grant", Exact("web.fetch", "read"), Exact("web.fetch"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.grant.Implies(tc.request))
		})
	}
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(KindExact, "plugin.load", "")
	require.NoError(t, err)
	assert.Equal(t, Exact("plugin.load"), p)

	p, err = ParsePermission(KindWildcard, "plugin", "read")
	require.NoError(t, err)
	assert.Equal(t, Wildcard("plugin", "read"), p)

	p, err = ParsePermission(KindAll, "", "")
	require.NoError(t, err)
	assert.Equal(t, All(), p)

	// Rows written before the kind column distinguished wildcards stored
	// "a.*" under the exact kind.
	p, err = ParsePermission(KindExact, "plugin.*", "")
	require.NoError(t, err)
	assert.Equal(t, Wildcard("plugin"), p)

	_, err = ParsePermission("bogus", "x", "")
	require.Error(t, err)
}

func TestPermissionRender(t *testing.T) {
	assert.Equal(t, "ALL", All().Render())
	assert.Equal(t, `permission "plugin.load"`, Exact("plugin.load").Render())
	assert.Equal(t, `permission "plugin.*"`, Wildcard("plugin").Render())
	assert.Equal(t, `permission "web.fetch" with actions "read,write"`, Exact("web.fetch", "read", "write").Render())
}

func TestPermissionStorageRoundTrip(t *testing.T) {
	for _, p := range []Permission{All(), Exact("a.b", "r"), Wildcard("a")} {
		back, err := ParsePermission(p.Kind(), p.StoredName(), p.Actions)
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}
}
