package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"v2x_node/internal/dataType"
)

// NewStatusHandler serves /health_check, /peers and /metrics.
func NewStatusHandler(nodeID string, peers *dataType.PeerTable, metrics *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health_check", func(w http.ResponseWriter, r *http.Request) {
		handleHealthCheck(w, r, nodeID, peers)
	})
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		handlePeers(w, r, peers)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request, nodeID string, peers *dataType.PeerTable) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now()

	var builder strings.Builder
	builder.WriteString("ok\n")
	builder.WriteString("version=")
	builder.WriteString(dataType.V2XNodeVersion)
	builder.WriteString("\n")
	builder.WriteString("time=")
	builder.WriteString(now.Format(time.RFC3339))
	builder.WriteString("\n")
	builder.WriteString("ts=")
	builder.WriteString(strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 3, 64))
	builder.WriteString("\n")
	builder.WriteString("node=")
	builder.WriteString(nodeID)
	builder.WriteString("\n")
	builder.WriteString("peers=")
	builder.WriteString(strconv.Itoa(peers.Len()))
	builder.WriteString("\n")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(builder.String()))
}

func handlePeers(w http.ResponseWriter, r *http.Request, peers *dataType.PeerTable) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(peers.Snapshot(time.Now())); err != nil {
		http.Error(w, "Failed to encode peers", http.StatusInternalServerError)
	}
}
