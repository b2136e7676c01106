package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service     *appointment.Service
	Health      Checker
	Backend     string
	Env         string
	Version     string
	JWTSecret   string
	RateLimiter *RateLimiter // optional
	Logger      zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health and metrics stay outside auth and rate limiting
	health := NewHealthHandler(cfg.Health, cfg.Backend, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Put("/nutritionists/{id}", putNutritionistHandler(cfg.Service))
		r.Get("/nutritionists/{id}/slots", slotsHandler(cfg.Service))
		r.Get("/nutritionists/{id}/booked", bookedHandler(cfg.Service))

		r.Post("/appointments", createAppointmentHandler(cfg.Service))
		r.Get("/appointments", listAppointmentsHandler(cfg.Service))
		r.Get("/appointments/stream", streamAppointmentsHandler(cfg.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Post("/appointments/{id}/attendance", attendanceHandler(cfg.Service))
	})

	return r
}
