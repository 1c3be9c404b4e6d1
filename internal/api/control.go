package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/orchestrator"
)

// PlayRequest starts playback of one node or of a queue.
type PlayRequest struct {
	NodeID  string `json:"nodeId"`
	StartID string `json:"startId"`
	Mode    string `json:"mode"`
}

// SelectRequest focuses a node in the graph.
type SelectRequest struct {
	NodeID string `json:"nodeId"`
}

type actionRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
	Name string `json:"name"`
}

func (s *Server) graphHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Graph.Snapshot())
}

func (s *Server) selectHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Player.Select(req.NodeID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, OperatorResponse{OK: true})
}

// playHandler starts a single node in the background. Completion and
// failure are reported on the event feed.
func (s *Server) playHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req PlayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = s.deps.DefaultMode
	}
	if req.NodeID == "" {
		req.NodeID = s.deps.Graph.Selected()
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "nodeId required")
		return
	}
	if _, ok := s.deps.Graph.Node(req.NodeID); !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if s.deps.Player.Status().Playing {
		writeError(w, http.StatusConflict, orchestrator.ErrBusy.Error())
		return
	}

	go func() {
		if err := s.deps.Player.PlayNode(s.background, req.NodeID, req.Mode); err != nil {
			log.Printf("api: play %s: %v", req.NodeID, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, OperatorResponse{OK: true})
}

func (s *Server) playAllHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req PlayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = s.deps.DefaultMode
	}
	if req.StartID != "" {
		if _, ok := s.deps.Graph.Node(req.StartID); !ok {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
	}
	if s.deps.Player.Status().Playing {
		writeError(w, http.StatusConflict, orchestrator.ErrBusy.Error())
		return
	}

	go func() {
		if _, err := s.deps.Player.PlayAll(s.background, req.StartID, req.Mode); err != nil {
			log.Printf("api: play all: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, OperatorResponse{OK: true})
}

// CancelResponse reports whether a run was active.
type CancelResponse struct {
	OK        bool `json:"ok"`
	Cancelled bool `json:"cancelled"`
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{OK: true, Cancelled: s.deps.Player.CancelPlayAll()})
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Player.Queue())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Player.Status())
}

// ApprovalResponse is the approval panel state.
type ApprovalResponse struct {
	ConversationMode string            `json:"conversationMode"`
	State            approval.State    `json:"state"`
	Pending          *approval.Pending `json:"pending,omitempty"`
	Held             int               `json:"held"`
	CanRegenerate    bool              `json:"canRegenerate"`
	Modes            []string          `json:"modes"`
}

func (s *Server) approvalState() ApprovalResponse {
	m := s.deps.Approval
	resp := ApprovalResponse{
		ConversationMode: m.ConversationMode(),
		State:            m.State(),
		Held:             m.Held(),
		CanRegenerate:    m.CanRegenerate(),
		Modes:            approval.Modes,
	}
	if p, ok := m.Pending(); ok {
		resp.Pending = &p
	}
	return resp
}

func (s *Server) approvalHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Approval == nil {
		writeError(w, http.StatusServiceUnavailable, "approval not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.approvalState())
}

// approvalAction adapts a machine transition into a POST endpoint that
// answers with the resulting panel state.
func (s *Server) approvalAction(act func(*approval.Machine, actionRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if s.deps.Approval == nil {
			writeError(w, http.StatusServiceUnavailable, "approval not configured")
			return
		}
		var req actionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := act(s.deps.Approval, req); err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				code = http.StatusBadRequest
			}
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.approvalState())
	}
}

func (s *Server) regenerateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Approval == nil {
		writeError(w, http.StatusServiceUnavailable, "approval not configured")
		return
	}
	if err := s.deps.Approval.Regenerate(r.Context()); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.approvalState())
}

// ModeRequest changes the conversation mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) conversationModeHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approval == nil {
		writeError(w, http.StatusServiceUnavailable, "approval not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ModeRequest{Mode: s.deps.Approval.ConversationMode()})
	case http.MethodPost:
		var req ModeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.deps.Approval.SetConversationMode(req.Mode); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ModeRequest{Mode: s.deps.Approval.ConversationMode()})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Hands == nil {
		writeError(w, http.StatusServiceUnavailable, "hand tracking not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Hands.Snapshot())
}

func (s *Server) handApproveHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Hands == nil {
		writeError(w, http.StatusServiceUnavailable, "hand tracking not configured")
		return
	}
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if !s.deps.Hands.Approve(req.Name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no raised hand for %s", req.Name))
		return
	}
	writeJSON(w, http.StatusOK, OperatorResponse{OK: true})
}

func (s *Server) handsClearHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Hands == nil {
		writeError(w, http.StatusServiceUnavailable, "hand tracking not configured")
		return
	}
	s.deps.Hands.Clear()
	writeJSON(w, http.StatusOK, OperatorResponse{OK: true})
}
