package tidewater

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/auth"
	"github.com/tidewater-io/tidewater/fanout"
	"github.com/tidewater-io/tidewater/registry"
	"github.com/tidewater-io/tidewater/stream"
)

// Protocol header names.
const (
	HeaderStreamNextOffset     = "Stream-Next-Offset"
	HeaderStreamCursor         = "Stream-Cursor"
	HeaderStreamUpToDate       = "Stream-Up-To-Date"
	HeaderStreamClosed         = "Stream-Closed"
	HeaderStreamSeq            = "Stream-Seq"
	HeaderStreamTTL            = "Stream-TTL"
	HeaderStreamWriteTimestamp = "Stream-Write-Timestamp"
	HeaderSSEDataEncoding      = "Stream-SSE-Data-Encoding"
	HeaderProducerID           = "Producer-Id"
	HeaderProducerEpoch        = "Producer-Epoch"
	HeaderProducerSeq          = "Producer-Seq"
	HeaderDebugTiming          = "X-Debug-Timing"
)

const routePrefix = "/v1/"

// ServeHTTP implements caddyhttp.MiddlewareHandler. Requests outside /v1
// pass through to the next handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if !strings.HasPrefix(r.URL.Path, routePrefix) {
		return next.ServeHTTP(w, r)
	}

	rest := strings.TrimPrefix(r.URL.Path, routePrefix)
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	h.logger.Debug("handling request",
		zap.String("request_id", uuid.NewString()),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("query", r.URL.RawQuery))

	tm := startTiming(r)

	var err error
	switch {
	case len(parts) == 3 && parts[0] == "stream":
		err = h.serveStream(w, r, tm, parts[1], parts[2])
	case len(parts) == 4 && parts[0] == "estuary" && parts[1] == "subscribe":
		err = h.serveEstuarySubscribe(w, r, tm, parts[2], parts[3])
	case len(parts) == 3 && parts[0] == "estuary":
		err = h.serveEstuary(w, r, tm, parts[1], parts[2])
	case len(parts) == 2 && parts[0] == "config":
		err = h.serveConfig(w, r, tm, parts[1])
	default:
		err = newHTTPError(http.StatusNotFound, "unknown route")
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// applyCORS sets the per-project CORS headers when the request carries an
// allowed Origin. Returns true when the request was an OPTIONS preflight
// and has been answered.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request, projectID string) bool {
	origin := r.Header.Get("Origin")
	if origin != "" {
		if project, err := h.verifier.Project(projectID); err == nil && project.AllowsOrigin(origin) {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Add("Vary", "Origin")
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers",
				"Authorization, Content-Type, Stream-Seq, Stream-TTL, Stream-Closed, "+
					"Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match, X-Debug-Timing")
			hdr.Set("Access-Control-Expose-Headers",
				"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, "+
					"Stream-Write-Timestamp, ETag, Location")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// authenticate verifies the bearer token if one is present. A nil result
// with nil error means the request is unauthenticated; route handlers
// decide whether public access applies.
func (h *Handler) authenticate(r *http.Request, projectID string) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return nil, newHTTPError(http.StatusUnauthorized, "authorization header must use Bearer scheme")
	}
	return h.verifier.Verify(token, projectID)
}

// requireScope authenticates and enforces a minimum scope. Unauthenticated
// requests are rejected.
func (h *Handler) requireScope(r *http.Request, projectID string, required auth.Scope) (*auth.Claims, error) {
	claims, err := h.authenticate(r, projectID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, auth.ErrMissingToken
	}
	if !claims.Scope.Covers(required) {
		return nil, auth.ErrScopeDenied
	}
	return claims, nil
}

// publicReadAllowed reports whether an unauthenticated GET/HEAD may
// proceed for this project.
func (h *Handler) publicReadAllowed(projectID string) bool {
	project, err := h.verifier.Project(projectID)
	return err == nil && project.IsPublic
}

// httpError carries a status with a client-facing message.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

// mapError converts domain errors to HTTP statuses.
func mapError(err error) *httpError {
	switch {
	case errors.Is(err, stream.ErrInvalidOffset),
		errors.Is(err, stream.ErrInvalidStreamID),
		errors.Is(err, stream.ErrEmptyBody),
		errors.Is(err, stream.ErrBodyTooLarge),
		errors.Is(err, stream.ErrInvalidJSON),
		errors.Is(err, stream.ErrEmptyJSONArray),
		errors.Is(err, stream.ErrPartialProducer),
		errors.Is(err, stream.ErrProducerRequired),
		errors.Is(err, fanout.ErrInvalidEstuary):
		return newHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrUnknownProject),
		errors.Is(err, registry.ErrProjectNotFound):
		return newHTTPError(http.StatusUnauthorized, err.Error())

	case errors.Is(err, auth.ErrScopeDenied),
		errors.Is(err, auth.ErrWrongProject):
		return newHTTPError(http.StatusForbidden, err.Error())

	case errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, fanout.ErrEstuaryNotFound),
		errors.Is(err, fanout.ErrSourceNotFound):
		return newHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, stream.ErrConfigMismatch),
		errors.Is(err, stream.ErrContentTypeMismatch),
		errors.Is(err, stream.ErrStreamClosed),
		errors.Is(err, stream.ErrSequenceConflict),
		errors.Is(err, stream.ErrStaleEpoch),
		errors.Is(err, stream.ErrDuplicateWrite),
		errors.Is(err, stream.ErrProducerSeqGap):
		return newHTTPError(http.StatusConflict, err.Error())
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if !errors.As(err, &httpErr) {
		httpErr = mapError(err)
	}
	if httpErr == nil {
		h.logger.Error("internal error", zap.Error(err))
		httpErr = newHTTPError(http.StatusInternalServerError, "internal server error")
	}

	if errors.Is(err, stream.ErrStreamClosed) {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.status)
	json.NewEncoder(w).Encode(map[string]string{"error": httpErr.message})
}
