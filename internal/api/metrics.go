package api

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/stream"
	"github.com/AaronLay10/Colloquy/internal/version"
)

// MetricsState holds process-level values for the /metrics endpoint.
type MetricsState struct {
	mu        sync.RWMutex
	startTime time.Time
	graphPath string
}

// NewMetricsState starts the uptime clock.
func NewMetricsState() *MetricsState {
	return &MetricsState{startTime: time.Now()}
}

// SetGraphPath labels metrics with the loaded graph file.
func (s *Server) SetGraphPath(path string) {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.graphPath = path
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// metricsHandler returns Prometheus-compatible metrics in text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.metrics.mu.RLock()
	uptime := time.Since(s.metrics.startTime).Seconds()
	graphPath := s.metrics.graphPath
	s.metrics.mu.RUnlock()

	mqttConnected, postgresConnected := s.readiness.Connected()

	var (
		playing, queued int
		approvalPending int
		handsRaised     int
	)
	if s.deps.Player != nil {
		st := s.deps.Player.Status()
		playing = boolGauge(st.Playing)
		queued = len(st.Queue)
	}
	if s.deps.Approval != nil {
		approvalPending = boolGauge(s.deps.Approval.State() != approval.StateIdle) + s.deps.Approval.Held()
	}
	if s.deps.Hands != nil {
		for _, h := range s.deps.Hands.Snapshot() {
			if h.State == stream.HandRaised {
				handsRaised++
			}
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeMetric := func(name, mtype, help string, value interface{}, labels string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
	}

	labels := fmt.Sprintf(`graph=%q,instance=%q,version=%q`, graphPath, hostname, version.Version)

	writeMetric("colloquy_uptime_seconds", "gauge",
		"Number of seconds since the orchestrator started", uptime, labels)
	writeMetric("colloquy_events_total", "counter",
		"Total number of events emitted since startup", s.deps.Bus.TotalCount(), labels)
	writeMetric("colloquy_playback_active", "gauge",
		"Whether a node or queue is playing (1) or not (0)", playing, labels)
	writeMetric("colloquy_queue_length", "gauge",
		"Number of nodes waiting in the play-all queue", queued, labels)
	writeMetric("colloquy_approval_pending", "gauge",
		"Number of utterances awaiting operator approval", approvalPending, labels)
	writeMetric("colloquy_hands_raised", "gauge",
		"Number of participants with a raised hand", handsRaised, labels)
	writeMetric("colloquy_mqtt_connected", "gauge",
		"Whether the MQTT broker is connected (1) or not (0)", boolGauge(mqttConnected), labels)
	writeMetric("colloquy_postgres_connected", "gauge",
		"Whether PostgreSQL is connected (1) or not (0)", boolGauge(postgresConnected), labels)
	writeMetric("colloquy_ws_clients", "gauge",
		"Number of active WebSocket client connections", s.deps.Bus.SubscriberCount(), labels)
}
