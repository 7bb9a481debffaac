package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP handler for app.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	origins := app.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(app.requestLogger)

	RegisterRoutes(r, app)
	return r
}

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/commands", func(r chi.Router) {
		r.Post("/", app.createCommand)
		r.Get("/", app.listCommands)
		r.Get("/stats/summary", app.commandStats)
		r.Get("/{id}", app.getCommand)
		r.Post("/{id}/retry", app.retryCommand)
		r.Post("/{id}/cancel", app.cancelCommand)
		r.Post("/{id}/result", app.submitResult)
		r.Post("/{id}/progress", app.reportProgress)
	})

	r.Get("/agents/{id}/commands", app.pollCommands)
	r.Post("/agents/{id}/execute", app.executeAgent)
	r.Post("/groups/{id}/execute", app.executeGroup)

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", app.listExecutions)
		r.Get("/{id}", app.getExecution)
		r.Get("/{id}/logs", app.executionLogs)
		r.Post("/{id}/cancel", app.cancelExecution)
	})

	if app.Hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			app.Hub.ServeWS(w, r, "")
		})
		r.Get("/ws/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
			app.Hub.ServeWS(w, r, chi.URLParam(r, "id"))
		})
	}
}

// requestLogger logs one line per request and reports it to app.Observe.
func (app *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		if app.Observe != nil {
			app.Observe(r.Method, route, status, elapsed)
		}

		ev := app.Logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = app.Logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
