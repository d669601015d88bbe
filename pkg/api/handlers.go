package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hubbub-bot/hubbub/pkg/httputil"
	"github.com/hubbub-bot/hubbub/pkg/security"
)

type userRequest struct {
	Name string `json:"name"`
}

type linkRequest struct {
	Root string `json:"root"`
	Leaf string `json:"leaf"`
}

type groupRequest struct {
	Name string `json:"name"`
}

type memberRequest struct {
	Group  string `json:"group"`
	Member string `json:"member"`
	Kind   string `json:"kind"` // "user" or "group"
}

// permissionPayload is the wire form of a permission. Kind defaults to
// exact; "all" ignores name and actions.
type permissionPayload struct {
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
	Actions string `json:"actions,omitempty"`
}

func (p permissionPayload) toPermission() (security.Permission, error) {
	kind := p.Kind
	if kind == "" {
		kind = security.KindExact
	}
	return security.ParsePermission(kind, p.Name, p.Actions)
}

type grantRequest struct {
	Group      string            `json:"group"`
	Permission permissionPayload `json:"permission"`
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if err := s.engine.AddUser(r.Context(), adminInvocation(), req.Name); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"user": req.Name})
}

func (s *Server) handleLinkUser(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Root == "" || req.Leaf == "" {
		httputil.WriteBadRequest(w, "root and leaf are required")
		return
	}
	if err := s.engine.LinkUser(r.Context(), adminInvocation(), req.Root, req.Leaf); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"root": req.Root, "leaf": req.Leaf})
}

func (s *Server) handleDelUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.DelUser(r.Context(), adminInvocation(), name); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRootUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	root, err := s.engine.RootUser(r.Context(), name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"user": name, "root": root})
}

func (s *Server) handleAddGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if err := s.engine.AddGroup(r.Context(), adminInvocation(), req.Name); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"group": req.Name})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Group == "" || req.Member == "" {
		httputil.WriteBadRequest(w, "group and member are required")
		return
	}

	var err error
	switch req.Kind {
	case "", "user":
		err = s.engine.AddUserToGroup(r.Context(), adminInvocation(), req.Group, req.Member)
	case "group":
		err = s.engine.AddGroupToGroup(r.Context(), adminInvocation(), req.Group, req.Member)
	default:
		httputil.WriteBadRequest(w, "kind must be user or group")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"group": req.Group, "member": req.Member})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Group == "" || req.Member == "" {
		httputil.WriteBadRequest(w, "group and member are required")
		return
	}

	var err error
	switch req.Kind {
	case "", "user":
		err = s.engine.RemoveUserFromGroup(r.Context(), adminInvocation(), req.Group, req.Member)
	case "group":
		err = s.engine.RemoveGroupFromGroup(r.Context(), adminInvocation(), req.Group, req.Member)
	default:
		httputil.WriteBadRequest(w, "kind must be user or group")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Group == "" {
		httputil.WriteBadRequest(w, "group is required")
		return
	}
	perm, err := req.Permission.toPermission()
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.engine.GrantPermission(r.Context(), adminInvocation(), req.Group, perm); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"group": req.Group, "granted": perm.Render()})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Group == "" {
		httputil.WriteBadRequest(w, "group is required")
		return
	}
	perm, err := req.Permission.toPermission()
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.engine.RevokePermission(r.Context(), adminInvocation(), req.Group, perm); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	perms, err := s.engine.ListPermissions(r.Context(), name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"group": name, "permissions": perms})
}

func (s *Server) handleFindPermission(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	q := r.URL.Query()
	payload := permissionPayload{
		Kind:    q.Get("kind"),
		Name:    q.Get("permission"),
		Actions: q.Get("actions"),
	}
	perm, err := payload.toPermission()
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	found, err := s.engine.FindPermission(r.Context(), name, perm)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"group": name, "sources": found})
}
