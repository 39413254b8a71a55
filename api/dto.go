/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the reference backend exchanges that are not
  plain table rows. Rows travel as generic.Record; these types cover errors
  and status mapping.

ERROR BODY:
  {"code": "23505", "message": "clients/c1: duplicate key"}
  Codes follow PostgreSQL/PostgREST conventions so the client sees what a
  hosted backend would send.

STATUS MAPPING:
  generic.ErrUnauthenticated  401  PGRST301
  generic.ErrNotFound         404  PGRST116
  generic.ErrTableUnknown     404  42P01
  generic.ErrSchema           400  22023
  sqlite.ErrDuplicate         409  23505
  sqlite.ErrCheck             400  P0001
  anything else               500  XX000

SEE ALSO:
  - handlers.go: Uses these types
  - remote/client.go: decodes ErrorResponse into generic.RemoteError
*/
package api

import (
	"errors"
	"net/http"

	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/store/sqlite"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Cache  string `json:"cache"`
}

// errorStatus maps a backend error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrUnauthenticated):
		return http.StatusUnauthorized, "PGRST301"
	case errors.Is(err, generic.ErrTableUnknown):
		return http.StatusNotFound, "42P01"
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "PGRST116"
	case errors.Is(err, generic.ErrSchema):
		return http.StatusBadRequest, "22023"
	case errors.Is(err, sqlite.ErrDuplicate):
		return http.StatusConflict, "23505"
	case errors.Is(err, sqlite.ErrCheck):
		return http.StatusBadRequest, "P0001"
	default:
		return http.StatusInternalServerError, "XX000"
	}
}
