// Package api provides the read-only HTTP and WebSocket status surface:
// health, plan listing/detail, bar cache stats, broker connection status,
// Prometheus metrics, and a websocket push of plan/order/risk events.
// Grounded on the teacher's internal/api/server.go (mux router, cors
// middleware, http.Server lifecycle), trimmed of the backtest/chat-specific
// routes this domain doesn't have.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/barcache"
	"github.com/atlasdesk/strategy-orchestrator/internal/broker"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/internal/orchestrator"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/internal/workers"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

// Server is the read-only status API.
type Server struct {
	logger *zap.Logger
	config types.ServerConfig

	repo   repository.Repository
	cache  *barcache.Cache
	broker *broker.Adapter
	orch   *orchestrator.Orchestrator
	pool   *workers.Pool
	hub    *Hub

	router     *mux.Router
	httpServer *http.Server
}

// NewServer wires every read-only dependency into a router.
func NewServer(logger *zap.Logger, config types.ServerConfig, repo repository.Repository, cache *barcache.Cache, brokerAdapter *broker.Adapter, orch *orchestrator.Orchestrator, pool *workers.Pool, bus *events.Bus) *Server {
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		repo:   repo,
		cache:  cache,
		broker: brokerAdapter,
		orch:   orch,
		pool:   pool,
		hub:    NewHub(logger),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	s.subscribeHub(bus)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/plans", s.handleListPlans).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/plans/{id}", s.handleGetPlan).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/broker/status", s.handleBrokerStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/pool/stats", s.handlePoolStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())
	path := s.config.WebSocketPath
	if path == "" {
		path = "/ws"
	}
	s.router.HandleFunc(path, s.handleWebSocket)
}

// Start begins serving; it blocks until Stop shuts the server down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("status api listening", zap.String("addr", addr))
	go s.hub.Run()
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"activeEngines": s.orch.ActiveCount(),
		"brokerState":   s.broker.State().String(),
		"time":          time.Now().UnixMilli(),
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	status := types.PlanStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.PlanActive
	}
	plans, err := s.repo.ListPlansByStatus(r.Context(), userID, status)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plan, err := s.repo.GetPlan(r.Context(), id)
	if err != nil {
		if err == repository.ErrNotFound {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	state, ok := s.orch.EngineStates()[id]
	resp := map[string]interface{}{"plan": plan}
	if ok {
		resp["engineState"] = state
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.GetCacheStats())
}

func (s *Server) handleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"state": s.broker.State().String()})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}
