package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/auth"
	"github.com/avonite/ledgersync/internal/pagedriver"
	"github.com/avonite/ledgersync/internal/registry"
	"github.com/avonite/ledgersync/internal/runstate"
	"github.com/avonite/ledgersync/internal/webhook"
	"github.com/avonite/ledgersync/internal/writepath"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Driver   *pagedriver.Driver
	Applier  *webhook.Applier
	Runs     runstate.Store
	Writes   writepath.Store
	Registry *registry.Registry
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Routes creates the HTTP router: the webhook receiver plus JWT-guarded
// operator endpoints.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Webhook receiver authenticates by payload signature, not JWT
	r.Post("/v1/webhook", s.HandleWebhook)

	// Operator endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		r.Post("/v1/backfill", s.TriggerBackfill)
		r.Get("/v1/runs/{startedAt}", s.RunStatus)
		r.Post("/v1/wipe", s.WipeAccount)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
