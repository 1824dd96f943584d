// Package web provides an HTTP status server for the floor-sensor daemon.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/status"
)

// forceTimeout bounds how long a force request waits for the pipeline loop.
const forceTimeout = 5 * time.Second

// ForceRequest asks the pipeline loop to raise an alert immediately. The
// loop answers on Reply exactly once.
type ForceRequest struct {
	Confidence float64
	Reply      chan fall.Alert
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	force      chan<- ForceRequest
}

// New creates a Server that reads state from the given tracker. Force
// requests are sent on force; a nil channel disables POST /force-fall.
func New(addr string, tracker *status.Tracker, force chan<- ForceRequest) *Server {
	s := &Server{tracker: tracker, force: force}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/alerts.json", s.handleAlerts)
	mux.HandleFunc("/metrics.json", s.handleMetrics)
	mux.HandleFunc("/force-fall", s.handleForce)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routing table. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
