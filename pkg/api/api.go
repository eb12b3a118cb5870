// Package api is the thin HTTP management surface over the metadata
// store and the reconciliation loop: CRUD over projects, their env vars
// and custom domains,
// deployment lifecycle actions (list/redeploy/delete/build logs) and
// certificate inspection. Authentication is delegated entirely to the
// injected auth.TokenValidator; this package never parses a JWT
// itself.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hearthhq/hearth/pkg/auth"
	"github.com/hearthhq/hearth/pkg/certstore"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

// syncer is the one Manager method this package needs: re-running the
// reconciliation pass after a mutation so the world model picks up a new
// or deleted deployment without waiting for the next periodic tick.
// Declared narrowly here, rather than importing *manager.Manager
// directly, so the handlers can be exercised against a test double.
type syncer interface {
	SyncWithDB(ctx context.Context) error
}

// Server is the management API: a net/http.ServeMux-backed handler
// wired directly against the store and the Manager, a thin wrapper with
// no router dependency this concern doesn't need.
type Server struct {
	store     storage.Store
	manager   syncer
	certs     *certstore.Store
	validator auth.TokenValidator
	mux       *http.ServeMux
}

// NewServer wires the management API against its collaborators. mgr is
// typically *manager.Manager; it only needs to satisfy syncer.
func NewServer(store storage.Store, mgr syncer, certs *certstore.Store, validator auth.TokenValidator) *Server {
	s := &Server{store: store, manager: mgr, certs: certs, validator: validator}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/projects", s.requireUser(s.handleProjects))
	mux.HandleFunc("/v1/projects/", s.requireUser(s.handleProject))
	mux.HandleFunc("/v1/deployments", s.requireUser(s.handleDeployments))
	mux.HandleFunc("/v1/deployments/", s.requireUser(s.handleDeployment))
	mux.HandleFunc("/v1/certs", s.requireUser(s.handleCerts))
	s.mux = mux
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// requireUser gates every API route behind at least a user-role token;
// individual handlers escalate to RequireAdmin for mutating verbs.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.validator.RequireUser(bearerToken(r)); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if err := s.validator.RequireAdmin(bearerToken(r)); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape for every non-2xx API response: a kind the
// client can branch on plus a human-readable message.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// notFound wraps a store lookup-by-id error as hearterr.NotFound: the
// storage layer (pkg/storage/boltdb.go) returns plain "X not found: id"
// errors rather than hearterr-typed ones, so each call site that reads a
// single resource by id decides the error Kind itself, the same way
// pkg/proxy's resolve does for world-model lookups.
func notFound(err error) error {
	return hearterr.Wrap(hearterr.NotFound, err, "lookup")
}

func writeError(w http.ResponseWriter, err error) {
	kind := hearterr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case hearterr.NotFound:
		status = http.StatusNotFound
	case hearterr.Conflict:
		status = http.StatusConflict
	case hearterr.Unauthorized:
		status = http.StatusUnauthorized
	case hearterr.Upstream, hearterr.Build:
		status = http.StatusBadGateway
	case hearterr.Transient:
		status = http.StatusGatewayTimeout
	}
	hlog.WithComponent("api").Warn().Err(err).Str("kind", string(kind)).Msg("request failed")
	writeJSON(w, status, errorBody{Kind: string(kind), Message: err.Error()})
}

// createProjectRequest is the payload for POST /v1/projects.
type createProjectRequest struct {
	Name          string   `json:"name"`
	RepoID        int64    `json:"repo_id"`
	Root          string   `json:"root"`
	GithubInstall int64    `json:"github_install_id"`
	CustomDomains []string `json:"custom_domains"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		if !s.requireAdmin(w, r) {
			return
		}
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, hearterr.Wrap(hearterr.Conflict, err, "decode request body"))
			return
		}
		p := &types.Project{
			ID:              types.NewShortID(),
			Name:            req.Name,
			RepoID:          req.RepoID,
			Root:            req.Root,
			GithubInstallID: req.GithubInstall,
			CustomDomains:   req.CustomDomains,
			CreatedAt:       time.Now(),
		}
		if err := s.store.UpsertProject(p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProject routes /v1/projects/{id}[/env]; custom domains are
// replaced through PATCH on the project itself.
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/projects/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "env" {
		s.handleProjectEnv(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetProject(id)
		if err != nil {
			writeError(w, notFound(err))
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		if !s.requireAdmin(w, r) {
			return
		}
		var req struct {
			Name          *string  `json:"name"`
			CustomDomains []string `json:"custom_domains"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, hearterr.Wrap(hearterr.Conflict, err, "decode request body"))
			return
		}
		if err := s.store.UpdateProject(id, req.Name, req.CustomDomains); err != nil {
			writeError(w, notFound(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.store.DeleteProject(id); err != nil {
			writeError(w, notFound(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProjectEnv(w http.ResponseWriter, r *http.Request, projectID string) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, hearterr.Wrap(hearterr.Conflict, err, "decode request body"))
			return
		}
		if err := s.store.UpsertEnv(projectID, req.Name, req.Value); err != nil {
			writeError(w, notFound(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if err := s.store.DeleteEnv(projectID, name); err != nil {
			writeError(w, notFound(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deployments, err := s.store.ListDeployments()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

// handleDeployment routes /v1/deployments/{id}[/redeploy|/logs].
func (s *Server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deployments/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "logs" && r.Method == http.MethodGet:
		logs, err := s.store.GetDeploymentBuildLogs(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	case action == "redeploy" && r.Method == http.MethodPost:
		if !s.requireAdmin(w, r) {
			return
		}
		s.handleRedeploy(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		d, err := s.store.GetDeployment(id)
		if err != nil {
			writeError(w, notFound(err))
			return
		}
		writeJSON(w, http.StatusOK, d)
	case action == "" && r.Method == http.MethodDelete:
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.store.DeleteDeployment(id); err != nil {
			writeError(w, notFound(err))
			return
		}
		if err := s.manager.SyncWithDB(r.Context()); err != nil {
			hlog.WithComponent("api").Error().Err(err).Msg("post-delete sync failed")
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRedeploy clones the named deployment's row with a fresh id and an
// unset build result, leaving its frozen env and config snapshot
// untouched: a redeploy never mutates the original row.
func (s *Server) handleRedeploy(w http.ResponseWriter, r *http.Request, id string) {
	d, err := s.store.GetDeployment(id)
	if err != nil {
		writeError(w, notFound(err))
		return
	}
	clone := *d
	clone.ID = types.NewShortID()
	clone.URLSlug = types.NewShortID()
	clone.CreatedAt = time.Now()
	clone.Result = types.BuildResultUnset
	clone.BuildStarted = nil
	clone.BuildFinished = nil
	clone.Deleted = false

	newID, err := s.store.InsertDeployment(&clone)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.SyncWithDB(r.Context()); err != nil {
		hlog.WithComponent("api").Error().Err(err).Msg("post-redeploy sync failed")
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": newID})
}

func (s *Server) handleCerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.certs.List())
	case http.MethodPost:
		if !s.requireAdmin(w, r) {
			return
		}
		var req struct {
			Domain string `json:"domain"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, hearterr.Wrap(hearterr.Conflict, err, "decode request body"))
			return
		}
		s.certs.InsertDomain(req.Domain)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
