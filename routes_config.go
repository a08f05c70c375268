package tidewater

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tidewater-io/tidewater/auth"
	"github.com/tidewater-io/tidewater/registry"
	"github.com/tidewater-io/tidewater/stream"
)

// projectConfigView is the GET response: secrets are never echoed back,
// only counted.
type projectConfigView struct {
	ID                 string   `json:"id"`
	SigningSecretCount int      `json:"signingSecretCount"`
	CORSOrigins        []string `json:"corsOrigins,omitempty"`
	IsPublic           bool     `json:"isPublic,omitempty"`
}

// projectConfigUpdate is the PUT body.
type projectConfigUpdate struct {
	SigningSecrets []string `json:"signingSecrets"`
	CORSOrigins    []string `json:"corsOrigins"`
	IsPublic       bool     `json:"isPublic"`
}

// serveConfig reads or replaces a project's configuration. Requires the
// manage scope.
func (h *Handler) serveConfig(w http.ResponseWriter, r *http.Request, tm *timing, projectID string) error {
	if h.applyCORS(w, r, projectID) {
		return nil
	}
	if !stream.ValidID(projectID) {
		return stream.ErrInvalidStreamID
	}

	done := tm.phase("auth")
	_, err := h.requireScope(r, projectID, auth.ScopeManage)
	done()
	if err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet:
		project, err := h.registry.Get(projectID)
		if err != nil {
			if errors.Is(err, registry.ErrProjectNotFound) {
				return newHTTPError(http.StatusNotFound, "project not found")
			}
			return err
		}
		tm.apply(w)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		return json.NewEncoder(w).Encode(projectConfigView{
			ID:                 project.ID,
			SigningSecretCount: len(project.Secrets()),
			CORSOrigins:        project.CORSOrigins,
			IsPublic:           project.IsPublic,
		})

	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
		var update projectConfigUpdate
		if err := json.Unmarshal(body, &update); err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid JSON body")
		}
		if len(update.SigningSecrets) == 0 {
			return newHTTPError(http.StatusBadRequest, "at least one signing secret is required")
		}
		for _, secret := range update.SigningSecrets {
			if secret == "" {
				return newHTTPError(http.StatusBadRequest, "signing secrets cannot be empty")
			}
		}

		err = h.registry.Put(&registry.Project{
			ID:             projectID,
			SigningSecrets: update.SigningSecrets,
			CORSOrigins:    update.CORSOrigins,
			IsPublic:       update.IsPublic,
		})
		if err != nil {
			return err
		}
		h.verifier.Invalidate(projectID)

		tm.apply(w)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
	return nil
}
