package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"genbridge/internal/manager"
	"genbridge/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Ready() bool
}

// NewMux builds the HTTP handler for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5, "application/json"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Content-Type", "X-Log-Level"}),
			MaxAge:         300,
		}))
	}

	r.Get("/status", statusHandler(svc))

	r.With(inflightMiddleware).Post("/generate", generateHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return otelhttp.NewHandler(r, "genbridge")
}

// statusHandler reports service state.
//
// @Summary Service status
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /status [get]
func statusHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

// generateHandler streams one generation as NDJSON. Errors before the first
// line get a JSON error body with a mapped status; later errors are appended
// as a final {"error":...} line.
//
// @Summary Generate text
// @Description Streams NDJSON: one {"token":...} line per fragment, then a {"done":true,...} line.
// @Accept json
// @Produce application/x-ndjson
// @Param request body types.GenerateRequest true "prompt"
// @Success 200 {object} types.DoneLine
// @Failure 400 {object} types.ErrorResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 429 {object} types.ErrorResponse
// @Failure 503 {object} types.ErrorResponse
// @Router /generate [post]
func generateHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var body struct {
			Prompt *string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		// An empty prompt is valid and is generated like any other.
		if body.Prompt == nil {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		req := types.GenerateRequest{Prompt: *body.Prompt}

		lvl := requestLogLevel(r)
		start := time.Now()
		if lvl >= LevelInfo {
			zlog.Info().Str("path", r.URL.Path).Int("prompt_len", len(req.Prompt)).
				Str("request_id", middleware.GetReqID(r.Context())).Msg("generate start")
		}

		sw := &streamWriter{w: w}
		var out io.Writer = sw
		if lvl >= LevelDebug {
			out = io.MultiWriter(sw, &loggingLineWriter{rid: middleware.GetReqID(r.Context())})
		}
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}

		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if generateTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, generateTimeout)
			defer tcancel()
		}

		err := svc.Generate(ctx, req, out, flush)
		if err == nil {
			logEnd(r, lvl, http.StatusOK, start, nil)
			return
		}
		// Client gone: nobody is left to read an error.
		if r.Context().Err() != nil {
			logEnd(r, lvl, 499, start, err)
			return
		}
		status := statusFor(err)
		if ctx.Err() != nil && status == http.StatusInternalServerError {
			status = http.StatusServiceUnavailable
		}
		if status == http.StatusTooManyRequests {
			IncrementBackpressure(backpressureReason(err))
		}
		if sw.started {
			// Headers are already out; report in-band.
			b, _ := json.Marshal(types.ErrorResponse{Error: err.Error(), Code: status})
			_, _ = w.Write(append(b, '\n'))
			if flush != nil {
				flush()
			}
		} else {
			writeJSONError(w, status, err.Error())
		}
		logEnd(r, lvl, status, start, err)
	}
}

func backpressureReason(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "queue full"):
		return "queue_full"
	case strings.Contains(msg, "wait"):
		return "wait_timeout"
	default:
		return "busy"
	}
}

// streamWriter sets the NDJSON content type on the first write and records
// that the response has started.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.started = true
	}
	return s.w.Write(p)
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

var _ Service = (*manager.Manager)(nil)
