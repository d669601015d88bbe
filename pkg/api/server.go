// Package api is the admin HTTP surface: user, group, grant and plugin
// management over JSON. Every mutating request runs as the pseudo-plugin
// "admin-api", so the API's own authority is governed by the permission
// graph like any other plugin's.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
	"github.com/hubbub-bot/hubbub/pkg/httputil"
	"github.com/hubbub-bot/hubbub/pkg/security"
)

// AdminPluginName is the principal administrative requests act as. Grants
// on "plugin.admin-api" decide what the API may do.
const AdminPluginName = "admin-api"

// Server carries the admin API's dependencies and routes.
type Server struct {
	log    *logrus.Logger
	engine *security.Engine
	router *dispatch.Router

	// Ping reports backing-store health for /healthz. Optional.
	Ping func() error

	mux *mux.Router
}

// NewServer builds the admin API over the engine and dispatch router.
func NewServer(engine *security.Engine, router *dispatch.Router, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		log:    log,
		engine: engine,
		router: router,
		mux:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/users", s.handleAddUser).Methods(http.MethodPost)
	api.HandleFunc("/users/link", s.handleLinkUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{name}", s.handleDelUser).Methods(http.MethodDelete)
	api.HandleFunc("/users/{name}/root", s.handleRootUser).Methods(http.MethodGet)

	api.HandleFunc("/groups", s.handleAddGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups/members", s.handleAddMember).Methods(http.MethodPost)
	api.HandleFunc("/groups/members", s.handleRemoveMember).Methods(http.MethodDelete)

	api.HandleFunc("/groups/grants", s.handleGrant).Methods(http.MethodPost)
	api.HandleFunc("/groups/grants", s.handleRevoke).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{name}/permissions", s.handleListPermissions).Methods(http.MethodGet)
	api.HandleFunc("/groups/{name}/permissions/find", s.handleFindPermission).Methods(http.MethodGet)

	api.HandleFunc("/plugins", s.handleListPlugins).Methods(http.MethodGet)
	api.HandleFunc("/plugins", s.handleLoadPlugin).Methods(http.MethodPost)
	api.HandleFunc("/plugins/{name}/reload", s.handleReloadPlugin).Methods(http.MethodPost)
	api.HandleFunc("/plugins/{name}", s.handleDetachPlugin).Methods(http.MethodDelete)

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RecoveryMiddleware(s.log),
		httputil.LoggingMiddleware(s.log),
	)(s.mux)
}

// adminInvocation is the caller identity mutating handlers run under.
func adminInvocation() *dispatch.Invocation {
	return dispatch.NewInvocation(nil).Push(AdminPluginName)
}

// writeEngineError maps engine error classes onto HTTP statuses. Anything
// unclassified is a 500 whose cause stays in the logs.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case security.IsNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case security.IsDenied(err):
		httputil.WriteForbidden(w, err.Error())
	case security.IsConflict(err):
		httputil.WriteConflict(w, err.Error())
	case dispatch.IsNoSuchPlugin(err) || dispatch.IsNoSuchCall(err):
		httputil.WriteNotFound(w, err.Error())
	default:
		s.log.WithError(err).Error("admin API request failed")
		httputil.WriteInternalError(w)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Ping != nil {
		if err := s.Ping(); err != nil {
			s.log.WithError(err).Warn("health check failed")
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"plugins": len(s.router.Plugins()),
	})
}
