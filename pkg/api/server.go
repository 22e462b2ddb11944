package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/TheEntropyCollective/autotune/pkg/baseline"
	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
	"github.com/TheEntropyCollective/autotune/pkg/parallel"
	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

// APIResponse is the JSON envelope every endpoint replies with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Config holds the reporting server configuration.
type Config struct {
	ListenAddr string

	// Optimizer is the instance whose statistics the server exposes.
	Optimizer *optimizer.Optimizer

	// Baselines enables the baseline endpoints when set.
	Baselines *baseline.Manager

	// CompareSizes are the input sizes the compare endpoint uses when the
	// request does not name its own.
	CompareSizes []int

	// Workload is the item function compare runs execute. Defaults to the
	// synthetic scalability workload.
	Workload parallel.ProcessFunc

	// StreamInterval paces websocket pushes. Default 5s.
	StreamInterval time.Duration

	Logger *logging.Logger
}

// Server exposes optimizer statistics, baseline comparisons, Prometheus
// metrics and a websocket stream over HTTP.
type Server struct {
	opt          *optimizer.Optimizer
	baselines    *baseline.Manager
	compareSizes []int
	workload     parallel.ProcessFunc
	logger       *logging.Logger

	metrics  *metrics
	hub      *wsHub
	upgrader websocket.Upgrader
	router   *mux.Router

	httpServer     *http.Server
	streamInterval time.Duration
	startedAt      time.Time

	stopOnce   sync.Once
	stopStream chan struct{}
}

// NewServer creates the reporting server. The optimizer is required; baseline
// endpoints respond 503 until a manager is configured.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8585"
	}
	sizes := cfg.CompareSizes
	if len(sizes) == 0 {
		sizes = []int{100, 500, 1000}
	}
	workload := cfg.Workload
	if workload == nil {
		workload = scaling.SyntheticWorkload
	}
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("api")
	}

	s := &Server{
		opt:          cfg.Optimizer,
		baselines:    cfg.Baselines,
		compareSizes: sizes,
		workload:     workload,
		logger:       logger,
		metrics:      newMetrics(cfg.Optimizer),
		hub:          newWSHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local reporting surface, origin checks add nothing
			},
		},
		streamInterval: interval,
		startedAt:      time.Now(),
		stopStream:     make(chan struct{}),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Router returns the configured handler, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.metrics.middleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/batch/stats", s.handleBatchStats).Methods("GET")
	api.HandleFunc("/parallel/stats", s.handleParallelStats).Methods("GET")
	api.HandleFunc("/monitor/samples", s.handleMonitorSamples).Methods("GET")
	api.HandleFunc("/baselines", s.handleListBaselines).Methods("GET")
	api.HandleFunc("/baselines/{name}/compare", s.handleCompareBaseline).Methods("POST")
	api.HandleFunc("/ws", s.handleWebSocket)

	router.Handle("/metrics", s.metrics.handler()).Methods("GET")

	return router
}

// Start serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	go s.streamLoop()

	s.logger.Info("api server listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the stream loop, disconnects websocket clients and drains
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopStream) })
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// streamLoop pushes the newest monitor sample and any fresh alerts to
// connected websocket clients.
func (s *Server) streamLoop() {
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	var alertsSeen int
	for {
		select {
		case <-s.stopStream:
			return
		case <-ticker.C:
			if s.hub.clientCount() == 0 {
				continue
			}

			if s.opt.MonitoringActive() {
				samples := s.opt.MonitorSamples()
				if len(samples) > 0 {
					s.hub.broadcast(wsMessage{Type: "monitor_sample", Data: samples[len(samples)-1]})
				}
			}

			report := s.opt.PerformanceReport()
			if report.Alerts.Total > alertsSeen {
				s.hub.broadcast(wsMessage{Type: "alerts", Data: report.Alerts.Recent})
				alertsSeen = report.Alerts.Total
			}
		}
	}
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, APIResponse{Success: true, Data: map[string]interface{}{
		"status":             "ok",
		"optimization_level": s.opt.Level().String(),
		"monitoring":         s.opt.MonitoringActive(),
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
		"websocket_clients":  s.hub.clientCount(),
	}})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, APIResponse{Success: true, Data: s.opt.PerformanceSummary()})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, APIResponse{Success: true, Data: s.opt.PerformanceReport()})
}

func (s *Server) handleBatchStats(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, APIResponse{Success: true, Data: s.opt.BatchStatistics()})
}

func (s *Server) handleParallelStats(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, APIResponse{Success: true, Data: s.opt.ParallelStatistics()})
}

func (s *Server) handleMonitorSamples(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, APIResponse{Success: true, Data: s.opt.MonitorSamples()})
}

// BaselineView is the listing shape for a stored baseline, without the
// embedded report payload.
type BaselineView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"created_at"`
	Hostname         string    `json:"hostname"`
	ScalingType      string    `json:"scaling_type,omitempty"`
	AvgScalingFactor float64   `json:"avg_scaling_factor,omitempty"`
}

func (s *Server) handleListBaselines(w http.ResponseWriter, r *http.Request) {
	if s.baselines == nil {
		sendError(w, fmt.Errorf("baseline storage not configured"), http.StatusServiceUnavailable)
		return
	}

	list, err := s.baselines.List()
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}

	views := make([]BaselineView, 0, len(list))
	for _, base := range list {
		view := BaselineView{
			ID:        base.ID,
			Name:      base.Name,
			CreatedAt: base.CreatedAt,
			Hostname:  base.System.Hostname,
		}
		if base.Report != nil {
			view.ScalingType = base.Report.ScalingAnalysis.ScalingType
			view.AvgScalingFactor = base.Report.ScalingAnalysis.AvgScalingFactor
		}
		views = append(views, view)
	}

	sendJSON(w, APIResponse{Success: true, Data: views})
}

type compareRequest struct {
	Sizes []int  `json:"sizes,omitempty"`
	Level string `json:"level,omitempty"`
}

func (s *Server) handleCompareBaseline(w http.ResponseWriter, r *http.Request) {
	if s.baselines == nil {
		sendError(w, fmt.Errorf("baseline storage not configured"), http.StatusServiceUnavailable)
		return
	}

	name := mux.Vars(r)["name"]

	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		sendError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	sizes := req.Sizes
	if len(sizes) == 0 {
		sizes = s.compareSizes
	}

	level := parallel.LevelThreads
	if req.Level != "" {
		parsed, err := parallel.ParseLevel(req.Level)
		if err != nil {
			sendError(w, err, http.StatusBadRequest)
			return
		}
		level = parsed
	}

	report, err := s.opt.RunScalabilityTest(r.Context(), sizes, optimizer.ItemFunc(s.workload), level)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scaling.ErrInvalidInputSizes) {
			status = http.StatusBadRequest
		}
		sendError(w, err, status)
		return
	}

	comparison, err := s.baselines.Compare(name, report)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, baseline.ErrNotFound) {
			status = http.StatusNotFound
		}
		sendError(w, err, status)
		return
	}

	sendJSON(w, APIResponse{Success: true, Data: comparison})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	s.hub.serve(conn, wsMessage{Type: "summary", Data: s.opt.PerformanceSummary()})
}

// Helpers

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}
