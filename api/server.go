/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions
  of the reference backend. This is the wiring layer that connects URLs to
  handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     logrus request logging (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for browser clients
  5. Tenant:     /rest/v1 only; bearer token -> trainer id

ROUTES:
  GET    /health                     Liveness, used by connectivity probes
  POST   /auth/v1/token              Exchange an authorization code
  GET    /rest/v1/{table}            Select (PostgREST query syntax)
  POST   /rest/v1/{table}            Insert
  PATCH  /rest/v1/{table}?id=eq.X    Update
  DELETE /rest/v1/{table}?id=eq.X    Delete
  POST   /rest/v1/rpc/{fn}           Named procedure
  GET    /dev/scenarios              Demo scenarios (DevMode only)
  POST   /dev/scenarios/load         Reset and load a scenario (DevMode only)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: logging and tenant middleware
  - scenarios.go: demo data
  - remote/client.go: the client of this surface
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins are the CORS origins allowed when none are configured.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Prefer"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Post("/auth/v1/token", h.ExchangeToken)

	r.Route("/rest/v1", func(r chi.Router) {
		r.Use(h.tenant)

		r.Post("/rpc/{fn}", h.CallProcedure)

		r.Get("/{table}", h.Select)
		r.Post("/{table}", h.Insert)
		r.Patch("/{table}", h.Update)
		r.Delete("/{table}", h.Delete)
	})

	if h.DevMode {
		r.Route("/dev", func(r chi.Router) {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: "PGRST404", Message: "no route for " + r.URL.Path})
	})

	return r
}
