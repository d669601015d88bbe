package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hubbub-bot/hubbub/pkg/httputil"
	"github.com/hubbub-bot/hubbub/pkg/security"
)

type loadPluginRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// checkPluginManagement gates the plugin management endpoints on the
// admin principal's grants, like every other mutation.
func (s *Server) checkPluginManagement(w http.ResponseWriter, r *http.Request, perm security.Permission) bool {
	if err := s.engine.CheckPluginPermission(r.Context(), adminInvocation(), perm, 0); err != nil {
		s.writeEngineError(w, err)
		return false
	}
	return true
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins := s.router.Plugins()
	out := make([]map[string]interface{}, 0, len(plugins))
	for _, p := range plugins {
		commands, err := s.router.Commands(p)
		if err != nil {
			commands = nil
		}
		out = append(out, map[string]interface{}{
			"name":     p,
			"commands": commands,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"plugins": out})
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadPluginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" || req.Source == "" {
		httputil.WriteBadRequest(w, "name and source are required")
		return
	}
	if !s.checkPluginManagement(w, r, security.Exact("plugin.load")) {
		return
	}
	if err := s.router.LoadPlugin(r.Context(), req.Name, req.Source); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"plugin": req.Name, "source": req.Source})
}

func (s *Server) handleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.checkPluginManagement(w, r, security.Exact("plugin.load")) {
		return
	}
	if err := s.router.ReloadPlugin(r.Context(), name); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"plugin": name, "status": "reloaded"})
}

func (s *Server) handleDetachPlugin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.checkPluginManagement(w, r, security.Exact("plugin.unload")) {
		return
	}
	if err := s.router.DetachPlugin(r.Context(), name); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
