/*
handlers.go - HTTP handlers of the reference backend

PURPOSE:
  Exposes store/sqlite.Backend over the REST surface remote.Client speaks.
  Handles HTTP request/response, JSON serialization, and delegates to the
  backend with the tenant resolved by the tenant middleware.

REQUEST FLOW:
  1. Resolve tenant (middleware)
  2. Parse table, query parameters and body
  3. Call the backend
  4. Serialize response (rows are always returned as a JSON array)
  5. Map errors to status + {code, message}

CACHING:
  Single-row selects (GET /rest/v1/{table}?id=eq.X) are served from Cache
  when present. Updates and deletes invalidate the row.

SEE ALSO:
  - dto.go: error body and status mapping
  - cache.go: row cache
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/auth"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/remote"
	"github.com/warp/coachdesk/store/sqlite"
)

// Procedure names served under /rest/v1/rpc.
const (
	ProcGenerateInvoice   = "generate_invoice"
	ProcAddParticipant    = "add_session_participant"
	ProcRemoveParticipant = "remove_session_participant"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend *sqlite.Backend
	Cache   Cache
	Log     logrus.FieldLogger

	// DevMode mounts the /dev scenario routes.
	DevMode bool
}

// NewHandler creates a handler. A nil cache disables caching.
func NewHandler(backend *sqlite.Backend, cache Cache, log logrus.FieldLogger) *Handler {
	if cache == nil {
		cache = &NoOpCache{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Backend: backend, Cache: cache, Log: log}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	cache := "disabled"
	if _, ok := h.Cache.(*NoOpCache); !ok {
		cache = "redis"
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Cache: cache})
}

// =============================================================================
// AUTH
// =============================================================================

// ExchangeToken redeems an authorization code for an access token.
func (h *Handler) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_request", Message: err.Error()})
		return
	}
	if req.GrantType != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "unsupported_grant_type", Message: req.GrantType})
		return
	}
	s, err := h.Backend.ExchangeCode(r.Context(), req.Code)
	if errors.Is(err, generic.ErrUnauthenticated) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_grant", Message: err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth.TokenResponse{
		AccessToken: s.Token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.TTL.Seconds()),
		UserID:      s.UserID,
	})
}

// =============================================================================
// TABLE HANDLERS
// =============================================================================

// Select returns the rows of a table matching the query parameters.
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	table := generic.Table(chi.URLParam(r, "table"))

	q, err := remote.DecodeQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "PGRST100", Message: err.Error()})
		return
	}

	id, single := singleRowQuery(q)
	if single {
		row, err := h.Cache.GetRecord(ctx, tenant, table, id)
		if err == nil {
			writeJSON(w, http.StatusOK, []generic.Record{row})
			return
		}
		if !errors.Is(err, ErrCacheMiss) {
			h.Log.WithError(err).Warn("cache read failed")
		}
	}

	rows, err := h.Backend.Select(ctx, tenant, table, q)
	if err != nil {
		writeError(w, err)
		return
	}
	if single && len(rows) == 1 {
		if err := h.Cache.SetRecord(ctx, tenant, table, rows[0]); err != nil {
			h.Log.WithError(err).Warn("cache write failed")
		}
	}
	if rows == nil {
		rows = []generic.Record{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// Insert creates a row.
func (h *Handler) Insert(w http.ResponseWriter, r *http.Request) {
	table := generic.Table(chi.URLParam(r, "table"))
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	row, err := h.Backend.Insert(r.Context(), tenantFrom(r.Context()), table, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, []generic.Record{row})
}

// Update patches the row named by ?id=eq.X.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	table := generic.Table(chi.URLParam(r, "table"))
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	patch, ok := decodeRecord(w, r)
	if !ok {
		return
	}

	row, err := h.Backend.Update(ctx, tenant, table, id, patch)
	h.invalidate(r, tenant, table, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []generic.Record{row})
}

// Delete removes the row named by ?id=eq.X.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	table := generic.Table(chi.URLParam(r, "table"))
	id, ok := rowID(w, r)
	if !ok {
		return
	}

	err := h.Backend.Delete(ctx, tenant, table, id)
	h.invalidate(r, tenant, table, id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidate(r *http.Request, tenant string, table generic.Table, id string) {
	if err := h.Cache.DeleteRecord(r.Context(), tenant, table, id); err != nil {
		h.Log.WithError(err).WithField("id", id).Warn("cache invalidation failed")
	}
}

// =============================================================================
// PROCEDURES
// =============================================================================

// CallProcedure runs a named procedure.
func (h *Handler) CallProcedure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	fn := chi.URLParam(r, "fn")

	switch fn {
	case ProcGenerateInvoice:
		var req sqlite.InvoiceRequest
		if !decodeArgs(w, r, &req) {
			return
		}
		row, err := h.Backend.GenerateInvoice(ctx, tenant, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, row)

	case ProcAddParticipant:
		var req sqlite.ParticipantRequest
		if !decodeArgs(w, r, &req) {
			return
		}
		row, err := h.Backend.AddParticipant(ctx, tenant, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, row)

	case ProcRemoveParticipant:
		var req sqlite.ParticipantRequest
		if !decodeArgs(w, r, &req) {
			return
		}
		if err := h.Backend.RemoveParticipant(ctx, tenant, req); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: "PGRST202", Message: fmt.Sprintf("function %s not found", fn)})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (generic.Record, bool) {
	var rec generic.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "PGRST102", Message: "invalid body: " + err.Error()})
		return nil, false
	}
	return rec, true
}

func decodeArgs(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "PGRST102", Message: "invalid arguments: " + err.Error()})
		return false
	}
	return true
}

// rowID extracts X from ?id=eq.X. Writes and deletes must name one row.
func rowID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := strings.CutPrefix(r.URL.Query().Get(generic.ColumnID), "eq.")
	if !ok || id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "PGRST100", Message: "id=eq.<id> is required"})
		return "", false
	}
	return id, true
}

// singleRowQuery reports whether q looks up exactly one row by id.
func singleRowQuery(q generic.Query) (string, bool) {
	if len(q.Columns) > 0 || len(q.Order) > 0 || len(q.Filters) != 1 {
		return "", false
	}
	f := q.Filters[0]
	if f.Column != generic.ColumnID {
		return "", false
	}
	id, ok := f.Value.(string)
	return id, ok && id != ""
}
