package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/netutil"
)

type projectPatchRequest struct {
	Notes *string `json:"notes"`
}

// handleProjectScoped serves /v1/projects/{id} and /v1/projects/{id}/export.
// All access flows through the project guard, so a project in another tenant
// is indistinguishable from a missing one.
func (a *API) handleProjectScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/projects/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	projectID, ok := parseID(parts[0])
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if len(parts) == 2 {
		if parts[1] != "export" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.exportProject(w, r, projectID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getProject(w, r, projectID)
	case http.MethodPatch:
		a.patchProject(w, r, projectID)
	default:
		methodNotAllowed(w, r, "GET, PATCH")
	}
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request, projectID int64) {
	project, _, err := access.RequireProjectAccess(r.Context(), a.Projects, projectID, "view")
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.projectPayload(project))
}

func (a *API) patchProject(w http.ResponseWriter, r *http.Request, projectID int64) {
	project, _, err := access.RequireProjectAccess(r.Context(), a.Projects, projectID, "edit")
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req projectPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Notes == nil {
		writeError(w, r, http.StatusBadRequest, "nothing to update")
		return
	}
	envelope := ""
	if *req.Notes != "" {
		envelope, err = a.Cipher.Store(*req.Notes, ctxProjectNotes)
		if err != nil {
			a.Log.Error("notes encryption failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
	}
	if err := a.Projects.UpdateProjectNotes(r.Context(), project.TenantID, project.ID, envelope); err != nil {
		handleAccessError(w, r, err)
		return
	}
	project.Notes = envelope
	writeJSON(w, http.StatusOK, a.projectPayload(project))
}

// exportProject is the download surface the burst detector watches.
func (a *API) exportProject(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	project, principal, err := access.RequireProjectAccess(r.Context(), a.Projects, projectID, "view")
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	payload := a.projectPayload(project)
	if err := a.Events.ObserveDownload(r.Context(), principal.UserID, principal.TenantID,
		"project:"+strconv.FormatInt(project.ID, 10), project.Name, netutil.ClientIP(r, a.Cfg.TrustedProxies)); err != nil {
		a.Log.Warn("download event failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": payload})
}

// projectPayload decrypts notes for the response; an unreadable envelope is
// surfaced as empty rather than leaking ciphertext.
func (a *API) projectPayload(p *access.Project) map[string]any {
	notes := ""
	if p.Notes != "" {
		plain, err := a.Cipher.Read(p.Notes, ctxProjectNotes)
		if err != nil {
			a.Log.Error("notes decryption failed", zap.Int64("project_id", p.ID), zap.Error(err))
		} else {
			notes = plain
		}
	}
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"owner_id":   p.OwnerID,
		"notes":      notes,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
}
