package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the observation session's
// dashboard API.
//
// Route layout:
//
//	GET /healthz                  – liveness probe (no authentication required)
//	GET /api/v1/records           – paginated record query (JWT required)
//	GET /api/v1/records/{file}    – paginated record query pinned to one
//	                                 observed file (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes.  Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/records", srv.handleGetRecords)
		r.Get("/records/{file}", srv.handleGetRecords)
	})

	return r
}
