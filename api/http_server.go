package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"portforwarder/config"
	"portforwarder/status"
)

// Server is a small HTTP API server that serves info about forwards.
// Construct with NewServer(cfg, monitor, listenAddr)
type Server struct {
	cfg        *config.Config
	monitor    *status.Monitor
	listenAddr string
	log        logrus.FieldLogger
	httpSrv    *http.Server
	ln         net.Listener
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, monitor *status.Monitor, listenAddr string) *Server {
	return &Server{
		cfg:        cfg,
		monitor:    monitor,
		listenAddr: listenAddr,
		log:        logrus.StandardLogger().WithField("component", "api"),
	}
}

// SetLogger replaces the logger used for serve and encode errors.
func (s *Server) SetLogger(log logrus.FieldLogger) {
	s.log = log
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/forwards", s.handleForwards)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	return mux
}

// Start begins listening and serving. It returns after the server has started or an error.
func (s *Server) Start() error {
	h := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpSrv = h

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := h.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("API listening")
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listenAddr
	}
	return s.ln.Addr().String()
}

// Stop attempts a graceful shutdown with a 5s timeout.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// forwardDTO is the JSON shape returned for each configured forward
type forwardDTO struct {
	Name       string `json:"name"`
	Listen     string `json:"listen"`
	Target     string `json:"target"`
	BufferSize int64  `json:"buffer_size"`
	ID         int    `json:"id"`
}

// statusDTO is the JSON shape returned for each running forward
type statusDTO struct {
	Name              string `json:"name"`
	Running           bool   `json:"running"`
	ActivePairs       int64  `json:"active_pairs"`
	TotalPairs        int64  `json:"total_pairs"`
	UDPSessions       int64  `json:"udp_sessions"`
	TCPErrors         int64  `json:"tcp_errors"`
	UDPErrors         int64  `json:"udp_errors"`
	DroppedBytes      int64  `json:"dropped_bytes"`
	BytesRelayed      int64  `json:"bytes_relayed"`
	CurrentBitsPerSec int64  `json:"current_bits_per_sec"`
}

func (s *Server) handleForwards(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	list := make([]forwardDTO, 0, len(s.cfg.Forwards))
	for i, f := range s.cfg.Forwards {
		list = append(list, forwardDTO{
			Name:       f.Name,
			Listen:     f.Listen,
			Target:     f.Target,
			BufferSize: int64(f.BufferSize),
			ID:         i,
		})
	}
	s.encode(w, list)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snaps := s.monitor.Snapshots()
	list := make([]statusDTO, 0, len(snaps))
	for _, snap := range snaps {
		list = append(list, statusDTO{
			Name:              snap.Name,
			Running:           snap.Running,
			ActivePairs:       snap.ActivePairs,
			TotalPairs:        snap.TotalPairs,
			UDPSessions:       snap.UDPSessions,
			TCPErrors:         snap.TCPErrors,
			UDPErrors:         snap.UDPErrors,
			DroppedBytes:      snap.DroppedBytes,
			BytesRelayed:      snap.BytesRelayed,
			CurrentBitsPerSec: snap.ActiveRate * 8,
		})
	}
	s.encode(w, list)
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Errorf("encode error: %v", err)
	}
}
