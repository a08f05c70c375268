package tidewater

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tidewater-io/tidewater/auth"
	"github.com/tidewater-io/tidewater/fanout"
	"github.com/tidewater-io/tidewater/stream"
)

// subscribeRequest is the body of POST/DELETE
// /v1/estuary/subscribe/{project}/{stream}.
type subscribeRequest struct {
	EstuaryID string `json:"estuaryId"`
}

// serveEstuarySubscribe attaches or detaches a source stream and an
// estuary target.
func (h *Handler) serveEstuarySubscribe(w http.ResponseWriter, r *http.Request, tm *timing, projectID, streamID string) error {
	if h.applyCORS(w, r, projectID) {
		return nil
	}
	if !stream.ValidID(projectID) || !stream.ValidID(streamID) {
		return stream.ErrInvalidStreamID
	}

	done := tm.phase("auth")
	_, err := h.requireScope(r, projectID, auth.ScopeWrite)
	done()
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	var req subscribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.EstuaryID == "" {
		return fanout.ErrInvalidEstuary
	}

	done = tm.phase("fanout")
	switch r.Method {
	case http.MethodPost:
		err = h.fan.Subscribe(r.Context(), projectID, streamID, req.EstuaryID)
	case http.MethodDelete:
		err = h.fan.Unsubscribe(r.Context(), projectID, streamID, req.EstuaryID)
	default:
		done()
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
	done()
	if err != nil {
		return err
	}

	tm.apply(w)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// serveEstuary manages an estuary target: POST keeps it alive, GET
// inspects it, DELETE tears it down.
func (h *Handler) serveEstuary(w http.ResponseWriter, r *http.Request, tm *timing, projectID, estuaryID string) error {
	if h.applyCORS(w, r, projectID) {
		return nil
	}
	if !stream.ValidID(projectID) {
		return stream.ErrInvalidStreamID
	}

	switch r.Method {
	case http.MethodPost:
		done := tm.phase("auth")
		_, err := h.requireScope(r, projectID, auth.ScopeWrite)
		done()
		if err != nil {
			return err
		}
		if err := h.fan.Touch(r.Context(), projectID, estuaryID); err != nil {
			return err
		}
		tm.apply(w)
		w.WriteHeader(http.StatusNoContent)
		return nil

	case http.MethodGet:
		done := tm.phase("auth")
		_, err := h.requireScope(r, projectID, auth.ScopeRead)
		done()
		if err != nil {
			return err
		}
		info, err := h.fan.Inspect(r.Context(), projectID, estuaryID)
		if err != nil {
			return err
		}
		tm.apply(w)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		return json.NewEncoder(w).Encode(info)

	case http.MethodDelete:
		done := tm.phase("auth")
		_, err := h.requireScope(r, projectID, auth.ScopeWrite)
		done()
		if err != nil {
			return err
		}
		if err := h.fan.Delete(r.Context(), projectID, estuaryID); err != nil {
			return err
		}
		tm.apply(w)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
	return nil
}
