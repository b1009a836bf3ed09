package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/treeow-bridge/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.With(requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.With(requirePermission(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(requirePermission(auth.PermDeviceRead)).Get("/bindings", s.handleGetBindings)
					r.With(requirePermission(auth.PermDeviceRead)).Get("/state", s.handleGetDeviceState)
					r.With(requirePermission(auth.PermDeviceOperate)).Put("/state", s.handleSetDeviceState)
					r.With(requirePermission(auth.PermDeviceOperate)).Post("/fan", s.handleFanCommand)
					r.With(requirePermission(auth.PermHistoryRead)).Get("/history", s.handleGetDeviceHistory)
				})
			})

			r.With(requirePermission(auth.PermSystemAdmin)).Post("/discover", s.handleDiscover)
			r.With(requirePermission(auth.PermSystemAdmin)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the bridge health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.source.Status()
	status := "ok"
	mqttConnected := s.mqtt == nil || s.mqtt.IsConnected()
	if !mqttConnected || st.Available < st.Devices {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"mqtt_connected": mqttConnected,
		"sync":           st,
	})
}
