// Package api serves the JSON admin endpoints and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etolbakov/pgdog/internal/health"
	"github.com/etolbakov/pgdog/internal/metrics"
	"github.com/etolbakov/pgdog/internal/plugin"
	"github.com/etolbakov/pgdog/internal/pool"
	"github.com/etolbakov/pgdog/internal/proto"
)

// Clusters supplies the live cluster set. Called per request so a
// reload-swapped topology is always current.
type Clusters func() []*pool.Cluster

// Reload triggers a configuration reload, returning an error when the
// new config doesn't load.
type Reload func() error

// Server is the admin API and metrics server.
type Server struct {
	clusters    Clusters
	reload      Reload
	healthCheck *health.Checker
	metrics     *metrics.Collector
	plugins     *plugin.Registry
	httpServer  *http.Server
	startTime   time.Time
}

// NewServer creates a new admin server. The health checker, metrics, and
// reload hook may be nil.
func NewServer(clusters Clusters, reload Reload, hc *health.Checker, m *metrics.Collector, plugins *plugin.Registry) *Server {
	return &Server{
		clusters:    clusters,
		reload:      reload,
		healthCheck: hc,
		metrics:     m,
		plugins:     plugins,
		startTime:   time.Now(),
	}
}

// Routes builds the admin route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/databases", s.listDatabases).Methods("GET")
	r.HandleFunc("/databases/{name}", s.getDatabase).Methods("GET")
	r.HandleFunc("/databases/{name}/cancel", s.cancelQuery).Methods("POST")
	r.HandleFunc("/plugins", s.listPlugins).Methods("GET")
	r.HandleFunc("/reload", s.reloadHandler).Methods("POST")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return r
}

// Start starts the HTTP admin server.
func (s *Server) Start(bind string, port int) error {
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Database handlers ---

type poolResponse struct {
	Shard int        `json:"shard"`
	Role  string     `json:"role"`
	Stats pool.Stats `json:"stats"`
}

type databaseResponse struct {
	Name       string         `json:"name"`
	PoolerMode string         `json:"pooler_mode"`
	Shards     int            `json:"shards"`
	Pools      []poolResponse `json:"pools"`
}

func describeCluster(c *pool.Cluster) databaseResponse {
	resp := databaseResponse{
		Name:       c.Name(),
		PoolerMode: c.PoolerMode().String(),
		Shards:     len(c.Shards()),
	}
	c.EachPool(func(shard int, role plugin.Role, p *pool.Pool) {
		resp.Pools = append(resp.Pools, poolResponse{
			Shard: shard,
			Role:  role.String(),
			Stats: p.Stats(),
		})
	})
	return resp
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	var result []databaseResponse
	for _, c := range s.clusters() {
		result = append(result, describeCluster(c))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, c := range s.clusters() {
		if c.Name() == name {
			writeJSON(w, http.StatusOK, describeCluster(c))
			return
		}
	}
	writeError(w, http.StatusNotFound, "database not found")
}

// cancelQuery broadcasts a CancelRequest for the given client key to
// every shard of the named database.
func (s *Server) cancelQuery(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var key proto.BackendKeyData
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	for _, c := range s.clusters() {
		if c.Name() != name {
			continue
		}
		if s.metrics != nil {
			s.metrics.CancelBroadcast(name)
		}
		if err := c.Cancel(key); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "database": name})
		return
	}
	writeError(w, http.StatusNotFound, "database not found")
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.plugins != nil {
		for _, p := range s.plugins.Plugins() {
			names = append(names, p.Name())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": names})
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// --- Health & status handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}

	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":  boolToStatus(allHealthy),
		"servers": statuses,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_databases":  len(s.clusters()),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
