// Package api is the HTTP control surface: playback commands, the approval
// panel, hands, and the live event feed for the rendering layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/config"
	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/orchestrator"
	"github.com/AaronLay10/Colloquy/internal/stream"
)

// Player is the playback side of the orchestrator. Implemented by
// *orchestrator.Driver.
type Player interface {
	PlayNode(ctx context.Context, nodeID, mode string) error
	PlayAll(ctx context.Context, startID, mode string) (orchestrator.PlayQueue, error)
	CancelPlayAll() bool
	Queue() []orchestrator.QueueEntry
	Status() orchestrator.Status
	Select(nodeID string) error
}

// Deps are the components the server exposes. Approval and Hands are
// optional; their endpoints answer 503 without them.
type Deps struct {
	Bus      *events.Bus
	Player   Player
	Graph    orchestrator.GraphStore
	Approval *approval.Machine
	Hands    *stream.HandTracker
	// DefaultMode is the play mode used when a request names none.
	DefaultMode string
	// TLS switches the listener to HTTPS when both files are set.
	TLS config.TLSFiles
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	deps      Deps
	readiness *Readiness
	metrics   *MetricsState
	mux       *http.ServeMux

	// background runs playback started from a request; it outlives the
	// request context.
	background context.Context
}

// NewServer builds the route table.
func NewServer(deps Deps) *Server {
	if deps.Bus == nil {
		deps.Bus = events.NewBus(0)
	}
	s := &Server{
		deps:       deps,
		readiness:  &Readiness{},
		metrics:    NewMetricsState(),
		mux:        http.NewServeMux(),
		background: context.Background(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/ready", s.readiness.handler)
	s.mux.HandleFunc("/metrics", s.metricsHandler)

	s.mux.HandleFunc("/events", RequireAnyRole(s.eventsHandler))
	s.mux.HandleFunc("/ws/events", RequireAnyRole(s.wsEventsHandler))

	s.mux.HandleFunc("/graph", RequireAnyRole(s.graphHandler))
	s.mux.HandleFunc("/graph/select", RequireAnyRole(s.selectHandler))

	s.mux.HandleFunc("/playback/play", RequireAnyRole(s.playHandler))
	s.mux.HandleFunc("/playback/play-all", RequireAnyRole(s.playAllHandler))
	s.mux.HandleFunc("/playback/cancel", RequireAnyRole(s.cancelHandler))
	s.mux.HandleFunc("/playback/queue", RequireAnyRole(s.queueHandler))
	s.mux.HandleFunc("/playback/status", RequireAnyRole(s.statusHandler))

	s.mux.HandleFunc("/approval", RequireAnyRole(s.approvalHandler))
	s.mux.HandleFunc("/approval/approve", RequireAnyRole(s.approvalAction(func(m *approval.Machine, _ actionRequest) error { return m.Approve() })))
	s.mux.HandleFunc("/approval/reject", RequireAnyRole(s.approvalAction(func(m *approval.Machine, _ actionRequest) error { return m.Reject() })))
	s.mux.HandleFunc("/approval/edit/begin", RequireAnyRole(s.approvalAction(func(m *approval.Machine, _ actionRequest) error { return m.BeginEdit() })))
	s.mux.HandleFunc("/approval/edit/save", RequireAnyRole(s.approvalAction(func(m *approval.Machine, r actionRequest) error { return m.SaveEdit(r.Text) })))
	s.mux.HandleFunc("/approval/edit/cancel", RequireAnyRole(s.approvalAction(func(m *approval.Machine, _ actionRequest) error { return m.CancelEdit() })))
	s.mux.HandleFunc("/approval/mode", RequireAnyRole(s.approvalAction(func(m *approval.Machine, r actionRequest) error { return m.SelectMode(r.Mode) })))
	s.mux.HandleFunc("/approval/regenerate", RequireAnyRole(s.regenerateHandler))

	s.mux.HandleFunc("/conversation/mode", RequireAnyRole(s.conversationModeHandler))

	s.mux.HandleFunc("/hands", RequireAnyRole(s.handsHandler))
	s.mux.HandleFunc("/hands/approve", RequireAnyRole(s.handApproveHandler))
	s.mux.HandleFunc("/hands/clear", RequireAdmin(s.handsClearHandler))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Readiness exposes the readiness state so main can report dependencies.
func (s *Server) Readiness() *Readiness { return s.readiness }

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully. TLS is used when configured.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	tlsConfig, err := loadTLS(s.deps.TLS)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			log.Printf("API listening on %s (TLS)", srv.Addr)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Printf("API listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.deps.Bus.CloseAllSubscribers()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "colloquy",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Bus.Snapshot())
}

// OperatorResponse is the body of every command endpoint.
type OperatorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, OperatorResponse{OK: false, Error: msg})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// decodeBody reads an optional JSON body into v. An empty body is allowed.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, approval.ErrNoPending),
		errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyQueue):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Readiness tracks whether the orchestrator and its dependencies are up.
type Readiness struct {
	mu                sync.RWMutex
	orchestratorReady bool
	mqttConnected     bool
	mqttOptional      bool
	postgresConnected bool
	postgresOptional  bool
}

// CheckResult is the outcome of a single readiness check.
type CheckResult struct {
	Status string `json:"status"`
}

// ReadinessResponse is the body of /ready.
type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckResult `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

// SetOrchestratorReady marks the driver as built and serving.
func (rd *Readiness) SetOrchestratorReady(ready bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.orchestratorReady = ready
}

// SetMQTTState records the broker connection. An optional broker never
// blocks readiness.
func (rd *Readiness) SetMQTTState(connected, optional bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.mqttConnected = connected
	rd.mqttOptional = optional
}

// SetPostgresState records the database connection.
func (rd *Readiness) SetPostgresState(connected, optional bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.postgresConnected = connected
	rd.postgresOptional = optional
}

// Connected returns the current dependency state.
func (rd *Readiness) Connected() (mqtt, postgres bool) {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.mqttConnected, rd.postgresConnected
}

func (rd *Readiness) handler(w http.ResponseWriter, r *http.Request) {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	resp := ReadinessResponse{Ready: true, Checks: make(map[string]CheckResult)}
	var reasons []string

	check := func(name string, ok, optional bool) {
		switch {
		case ok:
			resp.Checks[name] = CheckResult{Status: "ok"}
		case optional:
			resp.Checks[name] = CheckResult{Status: "unavailable"}
		default:
			resp.Checks[name] = CheckResult{Status: "not_ready"}
			resp.Ready = false
			reasons = append(reasons, name+" not ready")
		}
	}
	check("orchestrator", rd.orchestratorReady, false)
	check("mqtt", rd.mqttConnected, rd.mqttOptional)
	check("postgres", rd.postgresConnected, rd.postgresOptional)

	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
		resp.NotReadyMsg = strings.Join(reasons, "; ")
	}
	writeJSON(w, code, resp)
}
