package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sweeney/floor-sensor/internal/fall"
)

// AlertsJSON is the JSON representation of the recent alert history.
type AlertsJSON struct {
	Zone   string       `json:"zone"`
	Alerts []fall.Alert `json:"alerts"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, _ := json.MarshalIndent(v, "", "  ")
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	alerts := snap.Pipeline.Alerts
	if alerts == nil {
		alerts = []fall.Alert{}
	}
	writeJSON(w, http.StatusOK, AlertsJSON{Zone: snap.Pipeline.Zone, Alerts: alerts})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	if snap.Pipeline.Latest == nil {
		writeError(w, http.StatusServiceUnavailable, "no frames processed yet")
		return
	}
	writeJSON(w, http.StatusOK, snap.Pipeline.Latest)
}

// handleForce raises an alert through the pipeline loop. The optional
// "confidence" form value defaults to 1.
func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if s.force == nil {
		writeError(w, http.StatusNotFound, "forcing alerts is disabled")
		return
	}

	confidence := 1.0
	if v := r.FormValue("confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 || c > 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("confidence %q must be in [0,1]", v))
			return
		}
		confidence = c
	}

	ctx, cancel := context.WithTimeout(r.Context(), forceTimeout)
	defer cancel()

	req := ForceRequest{Confidence: confidence, Reply: make(chan fall.Alert, 1)}
	select {
	case s.force <- req:
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "pipeline busy")
		return
	}
	select {
	case a := <-req.Reply:
		writeJSON(w, http.StatusOK, a)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "no reply from pipeline")
	}
}
