package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/syncdeck/internal/logger"
)

// NewRouter creates the chi router with the middleware stack and the sync
// routes mounted under basePath.
//
// Routes:
//   - POST {basePath}/sync/*  - collection sync protocol
//   - POST {basePath}/msync/* - media sync protocol
//   - GET  /health            - liveness probe
func NewRouter(h *Handler, basePath string, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mount := func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Post("/hostKey", h.HostKey)
			r.Post("/meta", h.Meta)
			r.Post("/start", h.Start)
			r.Post("/applyGraves", h.ApplyGraves)
			r.Post("/applyChanges", h.ApplyChanges)
			r.Post("/chunk", h.Chunk)
			r.Post("/applyChunk", h.ApplyChunk)
			r.Post("/sanityCheck2", h.SanityCheck)
			r.Post("/finish", h.Finish)
			r.Post("/abort", h.Abort)
			r.Post("/upload", h.Upload)
			r.Post("/download", h.Download)
		})
		r.Route("/msync", func(r chi.Router) {
			r.Post("/begin", h.MediaBegin)
			r.Post("/mediaChanges", h.MediaChanges)
			r.Post("/uploadChanges", h.MediaUploadChanges)
			r.Post("/downloadFiles", h.MediaDownloadFiles)
			r.Post("/mediaSanity", h.MediaSanity)
		})
	}

	if basePath != "" && basePath != "/" {
		r.Route(basePath, mount)
	} else {
		mount(r)
	}

	return r
}

// requestLogger logs each request and feeds the request metrics. The op label
// is the final path segment, which matches the protocol operation names.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("request started",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyClientIP, r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		h.sm.RecordRequest(opName(r.URL.Path), ww.Status(), duration)

		logger.Info("request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDuration, duration.String(),
		)
	})
}

// opName extracts the operation from the request path.
func opName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
