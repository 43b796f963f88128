package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(apiHandler *APIHandler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// All API routes live under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/token", apiHandler.TokenHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Transport-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Session event feed
			r.Post("/sessions/{chatID}/next", apiHandler.NextTaskHandler)
			r.Post("/sessions/{chatID}/answers", apiHandler.SubmitAnswerHandler)
			r.Put("/sessions/{chatID}/filter", apiHandler.SetFilterHandler)
			r.Delete("/sessions/{chatID}/filter", apiHandler.ClearFilterHandler)
			r.Get("/sessions/{chatID}/filter", apiHandler.GetFilterHandler)

			// Catalog routes
			r.Get("/filters", apiHandler.FilterInfoHandler)
			r.Post("/tasks", apiHandler.UpsertTaskHandler)
			r.Get("/tasks", apiHandler.QueryTasksHandler)
			r.Delete("/tasks/{taskID}", apiHandler.DeactivateTaskHandler)

			// User history routes
			r.Get("/users/{uid}/stats", apiHandler.UserStatsHandler)
			r.Get("/users/{uid}/answers", apiHandler.UserAnswersHandler)
		})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
