package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is the part of the store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer serves /healthz for the worker process.
type HealthServer struct {
	server *http.Server
	store  Pinger
	engine *Engine
	logger *zap.Logger
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string `json:"status"`
	Processed int64  `json:"processed"`
	Error     string `json:"error,omitempty"`
}

// NewHealthServer creates a health server on port. engine may be nil.
func NewHealthServer(store Pinger, engine *Engine, port int, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		store:  store,
		engine: engine,
		logger: logger,
	}
	mux.HandleFunc("/healthz", hs.handleHealthz)
	return hs
}

// Start binds the port and serves in the background. A bind failure is returned.
func (hs *HealthServer) Start() error {
	ln, err := net.Listen("tcp", hs.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.server.Addr, err)
	}
	go func() {
		hs.logger.Debug("Health server starting", zap.String("addr", hs.server.Addr))
		if err := hs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("Health server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx expires.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// handleHealthz returns 200 when the store answers a ping, 503 otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy"}
	if hs.engine != nil {
		resp.Processed = hs.engine.Processed()
	}
	code := http.StatusOK
	if err := hs.store.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hs.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
