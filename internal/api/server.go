// Package api serves the REST control plane used to inspect and change the
// configured forwards at runtime.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/portrelay/internal/metrics"
	"github.com/die-net/portrelay/internal/registry"
	"github.com/die-net/portrelay/internal/store"
)

const serviceName = "tcp-proxy"

const corsAllowMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"

// maxBodyBytes bounds add/remove request bodies.
const maxBodyBytes = 1 << 20

// Registry is the part of *registry.Registry the control plane drives.
type Registry interface {
	Add(port uint16, target, description string) error
	Remove(port uint16) bool
	List() store.Entries
	Status() map[string]registry.StatusEntry
}

// MetricsSource reports per-port counters. *proxy.Manager implements it.
type MetricsSource interface {
	Metrics() map[uint16]metrics.Snapshot
}

type Config struct {
	Registry Registry
	// Metrics may be nil, in which case the metrics endpoint is empty.
	Metrics MetricsSource
	Version string
	Logger  logrus.FieldLogger
}

type Server struct {
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, log: cfg.Logger, now: time.Now}
}

// Handler returns the routed control plane.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tcp-proxy", s.handleService)
	mux.HandleFunc("GET /tcp-proxy/status", s.handleStatus)
	mux.HandleFunc("GET /tcp-proxy/list", s.handleList)
	mux.HandleFunc("GET /tcp-proxy/metrics", s.handleMetrics)
	mux.HandleFunc("POST /tcp-proxy/add", s.handleAdd)
	mux.HandleFunc("DELETE /tcp-proxy/remove", s.handleRemove)
	return s.logRequests(allowCORS(mux))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "portrelay dynamic TCP forwarding proxy",
		"version":  s.cfg.Version,
		"services": map[string]string{serviceName: "/tcp-proxy"},
		"health":   "/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		"services":  []string{serviceName},
	})
}

func (s *Server) handleService(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     serviceName,
		"status":      "running",
		"description": "Dynamic TCP forwarding proxy",
		"endpoints": map[string]string{
			"status":  "/tcp-proxy/status",
			"add":     "/tcp-proxy/add",
			"remove":  "/tcp-proxy/remove",
			"list":    "/tcp-proxy/list",
			"metrics": "/tcp-proxy/metrics",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"status":  "running",
		"proxies": s.cfg.Registry.Status(),
	})
}

type listEntry struct {
	Target      string `json:"target"`
	Description string `json:"description"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	entries := s.cfg.Registry.List()
	proxies := make(map[string]listEntry, len(entries))
	for port, e := range entries {
		proxies[strconv.Itoa(int(port))] = listEntry{Target: e.Target, Description: e.Description}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"proxies": proxies,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	out := map[string]metrics.Snapshot{}
	if s.cfg.Metrics != nil {
		for port, snap := range s.cfg.Metrics.Metrics() {
			out[strconv.Itoa(int(port))] = snap
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"metrics": out,
	})
}

type addRequest struct {
	Port        json.RawMessage `json:"port"`
	Target      string          `json:"target"`
	Description string          `json:"description"`
}

type proxyView struct {
	Port        uint16 `json:"port"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	port, err := parsePort(req.Port)
	if errors.Is(err, errMissingPort) || (err == nil && req.Target == "") {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Port and target are required",
			"example": map[string]any{
				"port":        8080,
				"target":      "localhost:3000",
				"description": "Optional description",
			},
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.Registry.Add(port, req.Target, req.Description); err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "Port and target are required")
			return
		}
		s.log.WithError(err).Error("add proxy")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Added proxy %d -> %s", port, req.Target),
		"proxy":   proxyView{Port: port, Target: req.Target, Description: req.Description},
	})
}

type removeRequest struct {
	Port json.RawMessage `json:"port"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	port, err := parsePort(req.Port)
	if errors.Is(err, errMissingPort) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Port is required",
			"example": map[string]any{"port": 8080},
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.cfg.Registry.Remove(port) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No proxy found on port %d", port))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Removed proxy on port %d", port),
	})
}

var errMissingPort = errors.New("port is required")

// parsePort accepts a JSON number or a numeric string. Absent, null, 0 and
// "" all count as missing.
func parsePort(raw json.RawMessage) (uint16, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errMissingPort
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid port: %w", err)
		}
	} else {
		s = string(raw)
	}
	if s == "" || s == "0" {
		return 0, errMissingPort
	}

	port, err := store.ParsePort(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %s: must be an integer between 1 and 65535", raw)
	}
	return port, nil
}

// decodeBody reads a JSON object from r. An empty body is an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Debug("api request")
	})
}

// allowCORS lets browser dashboards on any origin call the control plane.
// Preflight requests are answered here and never reach the mux.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Add("Vary", "Access-Control-Request-Headers")
		}
		h.Set("Content-Length", "0")
		w.WriteHeader(http.StatusNoContent)
	})
}
