// Package server provides the ambient HTTP transport standing in for the
// out-of-scope RPC surface of SPEC_FULL.md §6.2/§12: just enough JSON-over-
// HTTP to drive add_image_by_uri/add_image_by_data/get_scaled_image end to
// end against a real cache.Manager and queue.Queue.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/hash"
	"github.com/tahifi/tacaman/queue"
	"github.com/tahifi/tacaman/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Manager is the Cache Manager serving lookups.
	Manager *cache.Manager

	// Queue is the Conversion Queue serving add_image_by_uri/by_data.
	Queue *queue.Queue

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the ambient HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	manager    *cache.Manager
	queue      *queue.Queue
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Manager == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("server: Manager and Queue are required")
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		manager: cfg.Manager,
		queue:   cfg.Queue,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes named in SPEC_FULL.md §12.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /statz", s.handleStatz)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("POST /v1/keys/{stream_key}/{priority}", s.handleAddKey)
	mux.HandleFunc("GET /v1/keys/{stream_key}", s.handleLookup)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatz(w http.ResponseWriter, _ *http.Request) {
	stats := s.manager.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

type addKeyRequest struct {
	URI string `json:"uri"`
}

// handleAddKey implements add_image_by_uri/add_image_by_data: a JSON body
// with a "uri" field is treated as add_by_uri, an application/octet-stream
// body as add_by_data.
func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	streamKey := r.PathValue("stream_key")
	if len(streamKey) < 2 {
		http.Error(w, "stream_key must be at least 2 bytes", http.StatusBadRequest)
		return
	}
	priority, err := strconv.Atoi(r.PathValue("priority"))
	if err != nil || priority < 1 || priority > 255 {
		http.Error(w, "priority must be in [1,255]", http.StatusBadRequest)
		return
	}
	key := cache.StreamKeyRef{StreamKey: streamKey, Priority: uint8(priority)}

	var result cache.AddKeyResult
	if r.Header.Get("Content-Type") == "application/octet-stream" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		if len(data) == 0 {
			http.Error(w, "body must not be empty", http.StatusBadRequest)
			return
		}
		result = s.queue.AddToCacheByData(key, data)
	} else {
		var req addKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "decoding body", http.StatusBadRequest)
			return
		}
		if req.URI == "" {
			http.Error(w, "uri must not be empty", http.StatusBadRequest)
			return
		}
		result = s.queue.AddToCacheByURI(key, req.URI)
	}

	telemetry.RecordKeyAdded(r.Context(), result.String())
	s.logEvent(r, key, result)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Tacaman-Result", result.String())
	switch result {
	case cache.AddKeyIOError, cache.AddKeyDiskFull, cache.AddKeyInternalError:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"result": result.String()})
}

// logEvent logs the outgoing added/associated/failed events that §12 stands
// in for with structured logging rather than a real event bus.
func (s *Server) logEvent(r *http.Request, key cache.StreamKeyRef, result cache.AddKeyResult) {
	attrs := []any{
		slog.String("stream_key", key.StreamKey),
		slog.Int("priority", int(key.Priority)),
	}
	switch result {
	case cache.Inserted, cache.Replaced:
		s.logger.Info("added", append(attrs, slog.Bool("is_new", true))...)
	case cache.NotChanged:
		s.logger.Info("added", append(attrs, slog.Bool("is_new", false))...)
	case cache.SourcePending, cache.SourceUnknown:
		s.logger.Info("associated", attrs...)
	case cache.AddKeyIOError, cache.AddKeyDiskFull, cache.AddKeyInternalError:
		s.logger.Warn("failed", append(attrs, slog.String("code", result.String()))...)
	}
}

// handleLookup implements get_scaled_image.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	streamKey := r.PathValue("stream_key")
	format := r.URL.Query().Get("format")
	if format == "" {
		http.Error(w, "format is required", http.StatusBadRequest)
		return
	}

	var priority uint8
	if p := r.URL.Query().Get("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			http.Error(w, "priority must be in [0,255]", http.StatusBadRequest)
			return
		}
		priority = uint8(n)
	}

	var knownHash hash.Hash
	if kh := r.URL.Query().Get("known_hash"); kh != "" {
		h, err := hash.ParseHash(kh)
		if err != nil {
			http.Error(w, "known_hash must be a 32-char hex MD5", http.StatusBadRequest)
			return
		}
		knownHash = h
	}

	key := cache.StreamKeyRef{StreamKey: streamKey, Priority: priority}
	result, obj := s.manager.Lookup(key, knownHash, format)
	telemetry.RecordLookup(r.Context(), result.String())

	w.Header().Set("X-Tacaman-Result", result.String())
	switch result {
	case cache.Found:
		if obj.Data == nil {
			w.Header().Set("X-Tacaman-Result", "UNCACHED")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Tacaman-Priority", strconv.Itoa(int(obj.Priority)))
		w.Header().Set("X-Tacaman-Hash", obj.Hash.String())
		_, _ = w.Write(obj.Data)
	case cache.KeyUnknown, cache.Orphaned:
		http.Error(w, result.String(), http.StatusNotFound)
	case cache.Pending:
		http.Error(w, result.String(), http.StatusAccepted)
	case cache.FormatNotSupported:
		http.Error(w, result.String(), http.StatusUnsupportedMediaType)
	case cache.LookupIOError:
		http.Error(w, result.String(), http.StatusInternalServerError)
	}
}

// loggingMiddleware attaches a request ID, logs the request, and records
// the ambient HTTP instrument set.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
		)

		telemetry.RecordHTTP(r.Context(), r.Method, r.URL.Path, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written, preserving http.Flusher/http.Hijacker for streaming.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}
