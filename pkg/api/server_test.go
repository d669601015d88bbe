package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
	"github.com/hubbub-bot/hubbub/pkg/security"
)

type apiRig struct {
	ts      *httptest.Server
	engine  *security.Engine
	router  *dispatch.Router
	backend *dispatch.NativeBackend
}

// newAPIRig builds the API over an in-memory graph. When bootstrap is
// true the admin-api principal holds ALL, which is how a deployed daemon
// starts out.
func newAPIRig(t *testing.T, bootstrap bool) *apiRig {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, security.RunMigrations(ctx, db, "sqlite3"))

	store := security.NewGraphStore(db, log)
	engine, err := security.NewEngine(store, nil, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	router := dispatch.NewRouter(engine, store, nil, log)
	backend := dispatch.NewNativeBackend(log)
	router.AddBackend(backend)

	require.NoError(t, engine.RegisterPlugin(ctx, AdminPluginName))
	if bootstrap {
		require.NoError(t, engine.GrantPermission(ctx, nil, "plugin."+AdminPluginName, security.All()))
	}

	s := NewServer(engine, router, log)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &apiRig{ts: ts, engine: engine, router: router, backend: backend}
}

func (rig *apiRig) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, rig.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUserLifecycle(t *testing.T) {
	rig := newAPIRig(t, true)

	resp := rig.do(t, http.MethodPost, "/api/v1/users", userRequest{Name: "fred"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/api/v1/users", userRequest{Name: "fred"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/api/v1/users/link", linkRequest{Root: "fred", Leaf: "freddy"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/api/v1/users/freddy/root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fred", decode(t, resp)["root"])

	resp = rig.do(t, http.MethodDelete, "/api/v1/users/freddy", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, "/api/v1/users/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnauthorizedAdminIsForbidden(t *testing.T) {
	rig := newAPIRig(t, false)

	resp := rig.do(t, http.MethodPost, "/api/v1/users", userRequest{Name: "fred"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGrantAndMembership(t *testing.T) {
	rig := newAPIRig(t, true)

	resp := rig.do(t, http.MethodPost, "/api/v1/users", userRequest{Name: "fred"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = rig.do(t, http.MethodPost, "/api/v1/groups", groupRequest{Name: "group.ops"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/api/v1/groups/members", memberRequest{Group: "group.ops", Member: "user.fred", Kind: "group"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/api/v1/groups/grants", grantRequest{
		Group:      "group.ops",
		Permission: permissionPayload{Name: "plugin.load"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Granting what is already implied conflicts.
	resp = rig.do(t, http.MethodPost, "/api/v1/groups/grants", grantRequest{
		Group:      "group.ops",
		Permission: permissionPayload{Name: "plugin.load"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/api/v1/groups/group.ops/permissions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Len(t, body["permissions"], 1)

	resp = rig.do(t, http.MethodGet, "/api/v1/groups/user.fred/permissions/find?permission=plugin.load", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Len(t, body["sources"], 1)

	resp = rig.do(t, http.MethodDelete, "/api/v1/groups/grants", grantRequest{
		Group:      "group.ops",
		Permission: permissionPayload{Name: "plugin.load"},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestPluginEndpoints(t *testing.T) {
	rig := newAPIRig(t, true)

	rig.backend.Register("Echo", func(r *dispatch.Router) (*dispatch.PluginSpec, error) {
		return &dispatch.PluginSpec{
			Commands: map[string]dispatch.CommandFunc{
				"say": func(ctx context.Context, cc *dispatch.CommandContext) error { return nil },
			},
		}, nil
	})

	resp := rig.do(t, http.MethodPost, "/api/v1/plugins", loadPluginRequest{Name: "Echo", Source: "native:Echo"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/api/v1/plugins", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Len(t, body["plugins"], 1)

	resp = rig.do(t, http.MethodPost, "/api/v1/plugins/Echo/reload", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, "/api/v1/plugins/Echo", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, "/api/v1/plugins/Echo", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPluginEndpointsRequirePermission(t *testing.T) {
	rig := newAPIRig(t, false)
	ctx := context.Background()

	rig.backend.Register("Echo", func(r *dispatch.Router) (*dispatch.PluginSpec, error) {
		return &dispatch.PluginSpec{}, nil
	})

	// An admin principal holding nothing cannot manage plugins.
	resp := rig.do(t, http.MethodPost, "/api/v1/plugins", loadPluginRequest{Name: "Echo", Source: "native:Echo"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/api/v1/plugins/Echo/reload", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, rig.engine.GrantPermission(ctx, nil, "plugin."+AdminPluginName, security.Exact("plugin.load")))
	resp = rig.do(t, http.MethodPost, "/api/v1/plugins", loadPluginRequest{Name: "Echo", Source: "native:Echo"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Loading and unloading are separate permissions.
	resp = rig.do(t, http.MethodDelete, "/api/v1/plugins/Echo", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, rig.engine.GrantPermission(ctx, nil, "plugin."+AdminPluginName, security.Exact("plugin.unload")))
	resp = rig.do(t, http.MethodDelete, "/api/v1/plugins/Echo", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t, true)

	resp := rig.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzReportsStorageFailure(t *testing.T) {
	rig := newAPIRig(t, true)

	log := logrus.New()
	log.SetOutput(io.Discard)
	s := NewServer(rig.engine, rig.router, log)
	s.Ping = func() error { return fmt.Errorf("connection refused") }
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
