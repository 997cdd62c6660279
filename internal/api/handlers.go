package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	previewerrors "github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/project"
	"github.com/conneroisu/previewd/internal/registry"
	"github.com/conneroisu/previewd/internal/version"
)

// projectResponse is the wire shape of a preview session.
type projectResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PreviewURL string    `json:"previewUrl"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
}

func newProjectResponse(view *registry.PreviewSession) projectResponse {
	return projectResponse{
		ID:         view.ProjectID,
		Name:       view.Name,
		PreviewURL: view.BaseURL,
		Status:     string(view.Status),
		StartedAt:  view.StartedAt,
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodPost:
		s.handleRegister(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var desc project.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		http.Error(w, "Invalid JSON request: "+err.Error(), http.StatusBadRequest)
		return
	}

	proj, err := project.New(desc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Registering an ID that already has a session updates it rather
	// than creating one; the status code tells the caller which.
	existed := s.registry.Has(proj.ID)

	view, err := s.registry.Register(proj)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	s.writeJSON(w, status, newProjectResponse(view))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()

	responses := make([]projectResponse, 0, len(sessions))
	for _, sess := range sessions {
		responses = append(responses, newProjectResponse(sess))
	}

	s.writeJSON(w, http.StatusOK, responses)
}

// handleProjectByID routes /api/projects/{id} and
// /api/projects/{id}/rebuild.
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(rest, "/", 2)

	id := parts[0]
	if id == "" {
		http.Error(w, "Project ID required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleUnregister(w, r, id)
		return
	}

	switch parts[1] {
	case "rebuild":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRebuild(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.registry.Unregister(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.registry.Rebuild(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := version.GetBuildInfo()
	health := map[string]interface{}{
		"status":     "ok",
		"version":    info.Version,
		"git_commit": info.GitCommit,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
		"projects":   len(s.registry.List()),
	}

	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	response, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "request failed",
			"method", r.Method,
			"path", r.URL.Path,
		)
	}
	http.Error(w, err.Error(), status)
}

// errorStatus maps the error taxonomy onto HTTP status codes. Resource
// exhaustion maps to 503 so callers know the registration is retryable.
func errorStatus(err error) int {
	var pe *previewerrors.PreviewError
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}

	switch pe.Code {
	case previewerrors.ErrCodeProjectNotFound:
		return http.StatusNotFound
	case previewerrors.ErrCodeProjectExists:
		return http.StatusConflict
	}

	switch pe.Type {
	case previewerrors.ErrorTypeConfig:
		return http.StatusBadRequest
	case previewerrors.ErrorTypeSecurity:
		return http.StatusForbidden
	case previewerrors.ErrorTypeResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
