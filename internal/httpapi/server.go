// Package httpapi exposes a running fleet over HTTP: JSON status and
// control endpoints plus Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"testnet/internal/bundle"
	"testnet/internal/config"
	"testnet/internal/fleet"
	"testnet/internal/metrics"
	"testnet/internal/node"
)

// Server provides the supervision HTTP API.
type Server struct {
	fleet    *fleet.Manager
	cfg      config.Config
	log      log.FieldLogger
	registry *prometheus.Registry
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewServer constructs a server for m.
func NewServer(m *fleet.Manager, logger log.FieldLogger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg := m.Config()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(m.Status, cfg.RPC.Timeout))
	return &Server{
		fleet:    m,
		cfg:      cfg,
		log:      logger,
		registry: reg,
		sleep:    sleepCtx,
	}
}

// Handler returns the routed handler with common middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.StrictSlash(true)

	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.HandleFunc("/nodes", s.handleAdd).Methods(http.MethodPost)
	router.HandleFunc("/nodes/{id}", s.handleNode).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}", s.handleRemove).Methods(http.MethodDelete)
	router.HandleFunc("/nodes/{id}/tunnels", s.handleTunnel).Methods(http.MethodPost)

	common := alice.New(
		s.logRequests,
		handlers.CompressHandler,
		handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)),
	)
	return common.Then(router)
}

// ListenAndServe serves on addr, or the configured listen address when addr
// is empty, until ctx is done. It then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.Serve.Listen
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	s.log.WithField("listen", addr).Info("supervision API listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

type statusResponse struct {
	State   string        `json:"state"`
	Network string        `json:"network"`
	RunID   string        `json:"run_id,omitempty"`
	Bundle  *bundle.Info  `json:"bundle,omitempty"`
	Nodes   []node.Status `json:"nodes"`
}

type nodeResponse struct {
	node.Status
	ContainerID  string         `json:"container_id"`
	Endpoints    node.Endpoints `json:"endpoints"`
	Ports        []nat.Port     `json:"ports,omitempty"`
	Destinations []string       `json:"destinations,omitempty"`
}

type addRequest struct {
	Count     int  `json:"count"`
	Floodfill bool `json:"floodfill"`
}

type tunnelRequest struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

type tunnelResponse struct {
	Tunnel      node.Tunnel `json:"tunnel"`
	Destination string      `json:"destination,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:   s.fleet.State().String(),
		Network: s.fleet.Network(),
		RunID:   s.fleet.RunID(),
		Nodes:   s.fleet.Status(r.Context()),
	}
	if b, ok := s.fleet.Bundle(); ok {
		resp.Bundle = &b
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Watch.SamplesPath == "" {
		writeJSONError(w, http.StatusNotFound, "no samples file configured")
		return
	}
	window := s.cfg.Serve.MetricsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid window: "+err.Error())
			return
		}
		window = d
	}
	items, err := metrics.ReadCSV(s.cfg.Watch.SamplesPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusOK, metrics.Summary{})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics.Summarize(items, time.Now().Add(-window)))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count < 1 {
		writeJSONError(w, http.StatusBadRequest, "count must be at least 1")
		return
	}
	ids, err := s.fleet.Add(r.Context(), req.Count, req.Floodfill)
	if err != nil && len(ids) == 0 {
		writeError(w, err)
		return
	}
	resp := map[string]any{"ids": ids}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.fleet.Node(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp := nodeResponse{
		Status:      n.Status(r.Context()),
		ContainerID: n.ContainerID,
		Endpoints:   n.Endpoints,
		Ports:       n.Ports,
	}
	if dests, err := n.TunnelDestinations(r.Context()); err == nil {
		resp.Destinations = dests
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	results, err := s.fleet.Remove(r.Context(), []string{mux.Vars(r)["id"]})
	if err != nil {
		writeError(w, err)
		return
	}
	if !results[0].Removed {
		writeJSONError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, results[0])
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	n, err := s.fleet.Node(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req tunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := node.ParseOptions(req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	tun, err := node.NewTunnel(req.Name, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := n.AddTunnel(r.Context(), tun); err != nil {
		writeError(w, err)
		return
	}

	resp := tunnelResponse{Tunnel: tun}
	if err := s.sleep(r.Context(), s.cfg.TunnelSettle); err == nil {
		if dests, err := n.TunnelDestinations(r.Context()); err == nil && len(dests) > 0 {
			resp.Destination = dests[len(dests)-1]
		}
	}
	s.log.WithFields(log.Fields{"node": n.ID, "tunnel": tun.Name, "destination": resp.Destination}).Info("tunnel added")
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) logRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		s.log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

func writeError(w http.ResponseWriter, err error) {
	var optErr *node.OptionError
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrInvalidState):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &optErr):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
