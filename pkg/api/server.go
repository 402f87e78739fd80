// Package api exposes the BookKeeper service over HTTP with JSON
// bodies. Cache errors map onto status codes by their error code, so
// callers can distinguish a stopped daemon from a bad request.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bookkeeperd/bookkeeperd/internal/bookkeeper"
	"github.com/bookkeeperd/bookkeeperd/internal/config"
	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/internal/placement"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
	"github.com/bookkeeperd/bookkeeperd/pkg/logging"
)

// Server serves the cache coordination API for one node.
type Server struct {
	svc  *bookkeeper.Service
	log  *logging.Logger
	http *http.Server
}

// NewServer builds the HTTP surface over svc.
func NewServer(cfg *config.Configuration, svc *bookkeeper.Service, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		svc: svc,
		log: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cache/status", s.handleStatus)
	mux.HandleFunc("/cache/ensure", s.handleEnsure)
	mux.HandleFunc("/cache/invalidate", s.handleInvalidate)
	mux.HandleFunc("/cache/disks", s.handleDisks)
	mux.HandleFunc("/cluster/topology", s.handleTopology)
	mux.HandleFunc("/cluster/role", s.handleRole)
	mux.HandleFunc("/health/live", s.handleLive)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, svc.Collector().Handler())
	}

	s.http = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      s.logged(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler returns the request handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", logging.F("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", sw.status),
			logging.F("duration", time.Since(start).String()))
	})
}

// RangeRequest addresses a byte range of a remote file.
type RangeRequest struct {
	Path       string `json:"path"`
	Generation int64  `json:"generation"`
	Start      int64  `json:"start"`
	Length     int64  `json:"length"`
}

// FileRequest addresses a whole remote file.
type FileRequest struct {
	Path       string `json:"path"`
	Generation int64  `json:"generation"`
}

// TopologyRequest carries a refreshed cluster snapshot.
type TopologyRequest struct {
	IsMaster     bool     `json:"is_master"`
	Workers      []string `json:"workers"`
	DisksPerNode int      `json:"disks_per_node"`
}

// SegmentStatus is one resident or missing piece of a queried range.
type SegmentStatus struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Resident bool  `json:"resident"`
	Disk     int   `json:"disk,omitempty"`
}

// StatusResponse answers a cache status query.
type StatusResponse struct {
	Segments []SegmentStatus `json:"segments"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, rng, err := rangeFromQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	segments, err := s.svc.GetCacheStatus(id, rng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := StatusResponse{Segments: make([]SegmentStatus, 0, len(segments))}
	for _, seg := range segments {
		resp.Segments = append(resp.Segments, SegmentStatus{
			Start:    seg.Range.Start,
			End:      seg.Range.End,
			Resident: seg.Resident,
			Disk:     seg.Disk,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrCodeInvalidRange, "decode request", err))
		return
	}
	id := index.FileID{Path: req.Path, Generation: req.Generation}
	rng := index.Range{Start: req.Start, End: req.Start + req.Length}
	if err := s.svc.EnsureCached(r.Context(), id, rng); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cached": true})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req FileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrCodeInvalidRange, "decode request", err))
		return
	}
	id := index.FileID{Path: req.Path, Generation: req.Generation}
	if err := s.svc.Invalidate(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"invalidated": true})
}

func (s *Server) handleDisks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.svc.DiskUsage()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"disks": stats})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req TopologyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrCodeTopologyUnavailable, "decode request", err))
		return
	}
	err := s.svc.RefreshTopology(placement.Topology{
		IsMaster:     req.IsMaster,
		Workers:      req.Workers,
		DisksPerNode: req.DisksPerNode,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
}

func (s *Server) handleRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	master, err := s.svc.IsMaster()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"is_master": master})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.svc.IsRunning() {
		s.writeJSON(w, http.StatusOK, map[string]string{"state": s.svc.State().String()})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"state": s.svc.State().String()})
}

func rangeFromQuery(r *http.Request) (index.FileID, index.Range, error) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		return index.FileID{}, index.Range{}, errors.New(errors.ErrCodeInvalidRange, "missing path parameter")
	}
	generation, err := strconv.ParseInt(q.Get("generation"), 10, 64)
	if err != nil && q.Get("generation") != "" {
		return index.FileID{}, index.Range{}, errors.Wrap(errors.ErrCodeInvalidRange, "bad generation parameter", err)
	}
	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil {
		return index.FileID{}, index.Range{}, errors.Wrap(errors.ErrCodeInvalidRange, "bad start parameter", err)
	}
	length, err := strconv.ParseInt(q.Get("length"), 10, 64)
	if err != nil {
		return index.FileID{}, index.Range{}, errors.Wrap(errors.ErrCodeInvalidRange, "bad length parameter", err)
	}
	id := index.FileID{Path: path, Generation: generation}
	return id, index.Range{Start: start, End: start + length}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response", logging.Err(err))
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeInvalidRange, errors.ErrCodeInvalidConfig:
		status = http.StatusBadRequest
	case errors.ErrCodeNotRunning, errors.ErrCodeTopologyUnavailable:
		status = http.StatusServiceUnavailable
	case errors.ErrCodeFetchFailed:
		status = http.StatusBadGateway
	case errors.ErrCodeFetchTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.log.Warn("request failed", logging.F("code", string(code)), logging.Err(err))
	}
	s.writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}
