package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler, botToken string, initDataMaxAge time.Duration) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(WithIdentity(botToken, initDataMaxAge, time.Now))

		r.Post("/session", h.Session)
		r.Get("/state", h.State)
		r.Post("/mining/start", h.StartMining)
		r.Post("/mining/stop", h.StopMining)
		r.Post("/boost/start", h.StartBoost)
		r.Post("/boost/claim", h.ClaimBoost)
		r.Get("/friends", h.Friends)
		r.Get("/invite", h.Invite)
	})

	return r
}
