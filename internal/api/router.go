package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Routes builds the full HTTP surface of the service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Get("/ws", s.ServeWsHandler)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Magazyn plików działa! Dokumentacja dostępna pod /swagger/index.html"))
	})

	r.Get("/health", s.HealthCheckHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/auth/login", s.LoginHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		r.Get("/me", s.GetCurrentUserHandler)
		r.Get("/nodes", s.ListNodesHandler)
		r.Get("/nodes/all", s.ListAllNodesHandler)
		r.Post("/nodes/folder", s.CreateFolderHandler)
		r.Post("/nodes/file", s.UploadFileHandler)
		r.Post("/nodes/archive", s.UploadArchiveHandler)
		r.Get("/nodes/{nodeId}", s.GetNodeHandler)
		r.Patch("/nodes/{nodeId}", s.UpdateNodeHandler)
		r.Delete("/nodes/{nodeId}", s.DeleteNodeHandler)
		r.Get("/nodes/{nodeId}/download", s.DownloadFileHandler)
		r.Get("/nodes/{nodeId}/archive", s.DownloadArchiveHandler)
		r.Post("/nodes/{nodeId}/recompute", s.RecomputeNodeHandler)
		r.Get("/events", s.GetEventsHandler)
	})

	return r
}
