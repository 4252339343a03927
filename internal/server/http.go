package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wangfeng1004/Cumulus/internal/config"
	"github.com/wangfeng1004/Cumulus/internal/metrics"
	"github.com/wangfeng1004/Cumulus/internal/session"
)

const (
	serviceName    = "cumulus"
	serviceVersion = "1.0.0"
)

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	rtmfp    *Server
	sessions *session.Manager
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. A nil gatherer serves the
// default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	rtmfp *Server, sessions *session.Manager, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		config:    appConfig,
		rtmfp:     rtmfp,
		sessions:  sessions,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/status", h.withMetrics("/stats/status", h.handleStatus))

	// Gauges are sampled right before each scrape
	metricsHandler := promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		h.rtmfp.refreshGauges()
		metricsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.rtmfp.Statistics()
	status := "healthy"
	if !st.Running {
		status = "stopped"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"rtmfp_server": map[string]interface{}{
				"running":            st.Running,
				"port":               st.Port,
				"datagrams_received": st.DatagramsReceived,
				"queue_full":         st.QueueFull,
			},
			"multiplexer": map[string]interface{}{
				"sockets":        st.Sockets,
				"handler_errors": st.Mux.HandlerErrors,
			},
			"worker_pool": map[string]interface{}{
				"workers":    st.Pool.Workers,
				"peak_queue": st.Pool.PeakQueue,
			},
			"sessions": map[string]interface{}{
				"active": st.Sessions,
				"peak":   st.PeakSessions,
			},
		},
	}

	if !st.Running {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health)
		return
	}
	writeJSON(w, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessions.Sessions()

	writeJSON(w, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := r.URL.Path[len("/sessions/"):]
	if idStr == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	sess, exists := h.sessions.Get(uint32(id))
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, sess.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Banned hosts and broker credentials are left out
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":          h.config.Server.UDPPort,
			"bind_address":      h.config.Server.BindAddress,
			"buffer_size":       h.config.Server.BufferSize,
			"workers":           h.config.Server.Workers,
			"queue_size":        h.config.Server.QueueSize,
			"poll_timeout_ms":   h.config.Server.PollTimeoutMs,
			"keep_alive_peer":   h.config.Server.KeepAlivePeer,
			"keep_alive_server": h.config.Server.KeepAliveServer,
			"session_timeout":   h.config.Server.SessionTimeout,
		},
		"control": map[string]interface{}{
			"enabled": h.config.Control.Enabled,
			"address": h.config.Control.Address,
			"port":    h.config.Control.Port,
			"rate":    h.config.Control.Rate,
			"burst":   h.config.Control.Burst,
		},
		"banlist": map[string]interface{}{
			"hosts":         len(h.config.Banlist.Hosts),
			"flood_enabled": h.config.Banlist.Flood.Enabled,
			"flood_rates":   h.config.Banlist.Flood.Rates,
			"ban_duration":  h.config.Banlist.Flood.BanDuration,
		},
		"stats": map[string]interface{}{
			"rotation_interval": h.config.Stats.RotationInterval,
			"mqtt_enabled":      h.config.Stats.MQTT.Enabled,
			"mqtt_topic_prefix": h.config.Stats.MQTT.TopicPrefix,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"server":    h.rtmfp.Statistics(),
	})
}

// handleStatus implements the /stats/status endpoint, the same report the
// control channel serves
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, h.rtmfp.StatusString())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]interface{}{
		"service": "Cumulus RTMFP Server",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all sessions",
			"GET /sessions/{session_id}": "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get server statistics",
			"GET /stats/status":          "Get the control channel status report",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
