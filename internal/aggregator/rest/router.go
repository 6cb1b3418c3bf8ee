package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/rig/internal/aggregator/wsbroadcast"
)

// NewRouter returns a configured chi.Router for the report aggregator's API.
//
// Route layout:
//
//	GET  /healthz            – liveness probe (no authentication required)
//	GET  /api/v1/reports      – paginated report query (JWT required)
//	GET  /api/v1/hosts        – list all hosts (JWT required)
//	GET  /ws                  – WebSocket upgrade for live report fan-out (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api and /ws routes. Pass nil to disable JWT validation (tests that cover
// only request parsing/response formatting).
func NewRouter(srv *Server, wsHandler *wsbroadcast.Handler, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/reports", srv.handleGetReports)
		r.Get("/hosts", srv.handleGetHosts)
	})

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	return r
}
