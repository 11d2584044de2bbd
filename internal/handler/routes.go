package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Queue       Queue
	History     History
	Reports     Reports
	Resolver    TitleResolver
	DownloadDir string
	// WebSocket serves the live report feed.
	WebSocket http.HandlerFunc
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", GetQueueHandler(d.Queue))
		r.Post("/", AddToQueueHandler(d.Queue, d.Resolver, d.DownloadDir))
		r.Post("/batch", BatchEnqueueHandler(d.Queue, d.DownloadDir))
		r.Delete("/pending", ClearPendingHandler(d.Queue))
		r.Put("/limit", SetLimitHandler(d.Queue))
		r.Post("/pause", PauseHandler(d.Queue))
		r.Post("/resume", ResumeHandler(d.Queue))
		r.Get("/report", GetReportHandler(d.Reports))
		r.Get("/{id}", GetTaskHandler(d.Queue))
		r.Delete("/{id}", DeleteQueueItemHandler(d.Queue))
	})

	if d.History != nil {
		r.Get("/history", GetHistoryHandler(d.History))
		r.Delete("/history", ClearHistoryHandler(d.History))
	}
	if d.WebSocket != nil {
		r.Get("/ws", d.WebSocket)
	}
	r.Get("/health", HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
