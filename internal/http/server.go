// Package http serves the operator-facing REST API: tool listing and
// invocation, resource lifecycle inspection, health, and metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/resource"
	"github.com/perfqa/perfhub/internal/telemetry"
)

const maxRequestBodyBytes = 1 << 20

// BuildInfo is stamped in at link time and served on /version.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

// Broker is the slice of the resource broker the API needs.
type Broker interface {
	Snapshots() []resource.Snapshot
	Reset(kind resource.Kind) error
}

type Server struct {
	dispatcher *core.Dispatcher
	broker     Broker
	srv        *http.Server
	logger     *slog.Logger
	build      BuildInfo
}

func NewServer(addr string, dispatcher *core.Dispatcher, broker Broker, logger *slog.Logger, build BuildInfo) *Server {
	s := &Server{
		dispatcher: dispatcher,
		broker:     broker,
		logger:     logger,
		build:      build,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	mux.HandleFunc("POST /api/v1/tools/{tool}", s.handleCallTool)
	mux.HandleFunc("GET /api/v1/resources", s.handleListResources)
	mux.HandleFunc("POST /api/v1/resources/{kind}/reset", s.handleResetResource)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", "addr", s.srv.Addr)
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    s.build.Version,
		"git_commit": s.build.GitCommit,
		"build_time": s.build.BuildTime,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, telemetry.RenderPrometheus())
}

type toolJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Needs       []resource.Kind `json:"needs"`
	Schema      json.RawMessage `json:"schema"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	descs := s.dispatcher.Registry().Descriptors()
	out := make([]toolJSON, len(descs))
	for i, d := range descs {
		out[i] = toolJSON{
			Name:        d.Name,
			Description: d.Description,
			Needs:       d.Needs,
			Schema:      d.RawSchema(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type callToolBody struct {
	Arguments map[string]any `json:"arguments"`
	TimeoutMS int64          `json:"timeout_ms"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	var body callToolBody
	if err := decodeJSONBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	// X-Deadline-Ms covers clients that cannot shape the body, e.g. curl
	// one-liners; the body field wins when both are present.
	if body.TimeoutMS == 0 {
		if raw := r.Header.Get("X-Deadline-Ms"); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || ms <= 0 {
				writeErr(w, http.StatusBadRequest, "invalid X-Deadline-Ms header")
				return
			}
			body.TimeoutMS = ms
		}
	}

	env := s.dispatcher.Handle(r.Context(), tool, body.Arguments,
		time.Duration(body.TimeoutMS)*time.Millisecond)

	status := http.StatusOK
	if !env.OK {
		status = statusForCode(env.Error.Code)
	}
	writeJSON(w, status, env)
}

// statusForCode mirrors core.MapError for envelopes, which carry the code
// rather than the original error value.
func statusForCode(code string) int {
	switch code {
	case core.CodeUnknownTool:
		return http.StatusNotFound
	case core.CodeInvalidParameters:
		return http.StatusBadRequest
	case core.CodeResourceUnavailable:
		return http.StatusServiceUnavailable
	case core.CodeTimeout:
		return http.StatusGatewayTimeout
	case core.CodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": s.broker.Snapshots()})
}

func (s *Server) handleResetResource(w http.ResponseWriter, r *http.Request) {
	kind := resource.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown resource kind %q", kind))
		return
	}
	if err := s.broker.Reset(kind); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("resource reset requested", "kind", string(kind))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
