// Package monitoring provides the diagnostics HTTP server and optional
// distributed tracing for the resilience layer.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"resilink/internal/orchestrator"
	"resilink/internal/queue"
	"resilink/internal/recovery"
)

// DiagnosticsConfig represents the diagnostics server configuration
type DiagnosticsConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultDiagnosticsConfig returns the default diagnostics configuration
func DefaultDiagnosticsConfig() *DiagnosticsConfig {
	return &DiagnosticsConfig{
		Enabled:      true,
		Host:         "127.0.0.1",
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// validateDiagnosticsConfig validates the diagnostics configuration
func validateDiagnosticsConfig(config *DiagnosticsConfig) error {
	if config == nil {
		return errors.New("diagnostics configuration cannot be nil")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return errors.New("diagnostics port must be in (0, 65535]")
	}
	if config.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if config.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	return nil
}

// Sources supplies the live state the diagnostics endpoints expose.
type Sources struct {
	Snapshot     func() orchestrator.Snapshot
	QueueStats   func() queue.Stats
	ErrorHistory func() []*recovery.ErrorInstance
}

// DiagnosticsServer serves the operational surface of the resilience
// layer: Prometheus metrics, a consolidated health snapshot, queue
// statistics and recent error history.
type DiagnosticsServer struct {
	config  *DiagnosticsConfig
	logger  *zap.Logger
	sources Sources
	server  *http.Server
}

// NewDiagnosticsServer creates a diagnostics server
func NewDiagnosticsServer(config *DiagnosticsConfig, registry *prometheus.Registry, sources Sources, logger *zap.Logger) (*DiagnosticsServer, error) {
	if config == nil {
		config = DefaultDiagnosticsConfig()
	}
	if err := validateDiagnosticsConfig(config); err != nil {
		return nil, err
	}

	d := &DiagnosticsServer{
		config:  config,
		logger:  logger,
		sources: sources,
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", d.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/queue", d.handleQueue).Methods(http.MethodGet)
	router.HandleFunc("/errors", d.handleErrors).Methods(http.MethodGet)

	d.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return d, nil
}

// Start begins serving. It returns immediately; serve errors other than
// a clean shutdown are logged.
func (d *DiagnosticsServer) Start() {
	if !d.config.Enabled {
		return
	}

	go func() {
		d.logger.Info("Diagnostics server listening", zap.String("addr", d.server.Addr))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("Diagnostics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (d *DiagnosticsServer) Stop(ctx context.Context) error {
	if !d.config.Enabled {
		return nil
	}
	return d.server.Shutdown(ctx)
}

func (d *DiagnosticsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if d.sources.Snapshot == nil {
		http.Error(w, "snapshot source not configured", http.StatusServiceUnavailable)
		return
	}

	snapshot := d.sources.Snapshot()
	status := http.StatusOK
	if !snapshot.Connected || snapshot.Breaker.StateLabel == "open" {
		status = http.StatusServiceUnavailable
	}
	d.writeJSON(w, status, snapshot)
}

func (d *DiagnosticsServer) handleQueue(w http.ResponseWriter, _ *http.Request) {
	if d.sources.QueueStats == nil {
		http.Error(w, "queue source not configured", http.StatusServiceUnavailable)
		return
	}
	d.writeJSON(w, http.StatusOK, d.sources.QueueStats())
}

func (d *DiagnosticsServer) handleErrors(w http.ResponseWriter, _ *http.Request) {
	if d.sources.ErrorHistory == nil {
		http.Error(w, "error history source not configured", http.StatusServiceUnavailable)
		return
	}

	history := d.sources.ErrorHistory()
	if history == nil {
		history = []*recovery.ErrorInstance{}
	}
	d.writeJSON(w, http.StatusOK, history)
}

func (d *DiagnosticsServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		d.logger.Warn("Failed to encode diagnostics response", zap.Error(err))
	}
}
