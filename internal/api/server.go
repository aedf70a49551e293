package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fmtmgo/pkg/config"
	"fmtmgo/pkg/logging"
	"fmtmgo/pkg/version"
)

// NewServer creates and configures the HTTP server.
func NewServer(cfg config.ServerConfig, helper *HelperHandler, projects *ProjectHandler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           NewRouter(cfg, helper, projects),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewRouter wires the middleware stack and mounts the route groups.
func NewRouter(cfg config.ServerConfig, helper *HelperHandler, projects *ProjectHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	if d := time.Duration(cfg.RequestTimeout); d > 0 {
		r.Use(middleware.Timeout(d))
	}
	if cfg.MaxUploadMB > 0 {
		r.Use(limitBody(cfg.MaxUploadMB << 20))
	}

	r.Get("/health", handleHealth)
	r.Get("/version", handleVersion)

	r.Mount("/helper", helper.Routes())
	r.Mount("/projects", projects.Routes())

	return r
}

// accessLog writes one line per request to the request log.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.RequestLogger.Info("HTTP Request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "OK"}
	if last := logging.LastWarning.Last(); last != "" {
		resp["last_warning"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": "%s"}`, version.Version); err != nil {
		slog.Error("Failed to write version response", "error", err)
	}
}
