// Package approval holds derailing utterances until an operator approves,
// edits, rejects or regenerates them.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AaronLay10/Colloquy/internal/config"
	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

var (
	// ErrNoPending is returned by operator actions when nothing awaits approval.
	ErrNoPending = errors.New("approval: no pending request")
	// ErrInvalidTransition is returned when an action does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("approval: invalid transition")
)

// State is the machine state.
type State string

const (
	StateIdle         State = "idle"
	StatePending      State = "pending"
	StateEditing      State = "editing"
	StateRegenerating State = "regenerating"
)

// Derail modes understood by the generation service.
const (
	ModeDrift             = "drift"
	ModeNewPerspective    = "new-perspective"
	ModeProbingQuestion   = "probing-question"
	ModeEmotionalResponse = "emotional-response"
)

// Modes lists the derail modes in display order.
var Modes = []string{ModeDrift, ModeNewPerspective, ModeProbingQuestion, ModeEmotionalResponse}

// ValidMode reports whether mode is a known derail mode.
func ValidMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Pending is a snapshot of the request currently awaiting a decision.
type Pending struct {
	ID           string           `json:"id"`
	State        State            `json:"state"`
	Segment      timeline.Segment `json:"segment"`
	Original     string           `json:"original"`
	Draft        string           `json:"draft"`
	Edited       bool             `json:"edited"`
	ProposedMode string           `json:"proposedMode"`
	SelectedMode string           `json:"selectedMode,omitempty"`
	RequestedAt  time.Time        `json:"requestedAt"`
	Held         int              `json:"held"`
}

// Decision is the outcome handed back to the stream layer.
type Decision struct {
	Approved bool
	// Segment is the segment to dispatch. Its message carries the edited or
	// regenerated text when the operator changed it.
	Segment timeline.Segment
	// Changed is set when Segment differs from the one submitted.
	Changed bool
	// Auto is set when no operator was involved.
	Auto bool
}

// Regenerator produces a replacement derailing message in a new mode.
type Regenerator interface {
	Regenerate(ctx context.Context, msg timeline.Message, mode string) (timeline.Message, error)
}

// RegeneratorFunc adapts a function to Regenerator.
type RegeneratorFunc func(ctx context.Context, msg timeline.Message, mode string) (timeline.Message, error)

func (f RegeneratorFunc) Regenerate(ctx context.Context, msg timeline.Message, mode string) (timeline.Message, error) {
	return f(ctx, msg, mode)
}

type request struct {
	id          string
	seg         timeline.Segment
	original    string
	draft       string
	edited      bool
	proposed    string
	selected    string
	changed     bool
	requestedAt time.Time
	done        chan Decision
}

// Machine is the approval state machine. At most one request is pending,
// editing or regenerating at a time; later candidates are held in arrival
// order and promoted when the current one resolves.
type Machine struct {
	mu    sync.Mutex
	mode  string
	state State
	cur   *request
	held  []*request
	regen Regenerator
	pub   events.Publisher
	now   func() time.Time
}

// NewMachine creates an idle machine in the given conversation mode.
func NewMachine(conversationMode string, regen Regenerator, pub events.Publisher) *Machine {
	if conversationMode == "" {
		conversationMode = config.ConversationAutonomous
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Machine{
		mode:  conversationMode,
		state: StateIdle,
		regen: regen,
		pub:   pub,
		now:   time.Now,
	}
}

// NeedsApproval reports whether seg must wait for an operator.
func NeedsApproval(seg timeline.Segment) bool {
	return seg.Message.IsDerailing && seg.Message.NeedsApproval
}

// Request submits seg and blocks until it is resolved or ctx is done.
// Segments that do not need approval, or any segment outside human-control
// mode, are approved immediately.
func (m *Machine) Request(ctx context.Context, seg timeline.Segment) (Decision, error) {
	m.mu.Lock()
	if m.mode != config.ConversationHumanControl || !NeedsApproval(seg) {
		m.mu.Unlock()
		return Decision{Approved: true, Segment: seg, Auto: true}, nil
	}

	r := &request{
		id:          uuid.NewString(),
		seg:         seg,
		original:    seg.Message.Text,
		draft:       seg.Message.Text,
		proposed:    seg.Message.DerailMode,
		requestedAt: m.now(),
		done:        make(chan Decision, 1),
	}
	if m.cur == nil {
		m.promoteLocked(r)
	} else {
		m.held = append(m.held, r)
		m.pub.Emit("info", "approval.held", "", map[string]interface{}{
			"request_id": r.id,
			"seq":        seg.Seq,
			"held":       len(m.held),
		})
	}
	m.mu.Unlock()

	select {
	case d := <-r.done:
		return d, nil
	case <-ctx.Done():
		m.withdraw(r)
		// A decision may have raced the cancellation.
		select {
		case d := <-r.done:
			return d, nil
		default:
		}
		return Decision{}, ctx.Err()
	}
}

func (m *Machine) promoteLocked(r *request) {
	m.cur = r
	m.state = StatePending
	m.pub.Emit("info", "approval.requested", "", map[string]interface{}{
		"request_id": r.id,
		"seq":        r.seg.Seq,
		"sender":     r.seg.Message.Sender,
		"text":       r.draft,
		"mode":       r.proposed,
	})
}

// resolveLocked delivers d to the current request and promotes the next held
// one.
func (m *Machine) resolveLocked(d Decision) {
	r := m.cur
	m.cur = nil
	m.state = StateIdle
	r.done <- d

	if len(m.held) > 0 {
		next := m.held[0]
		m.held = m.held[1:]
		m.promoteLocked(next)
	}
}

func (m *Machine) withdraw(r *request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == r {
		m.cur = nil
		m.state = StateIdle
		if len(m.held) > 0 {
			next := m.held[0]
			m.held = m.held[1:]
			m.promoteLocked(next)
		}
		return
	}
	for i, h := range m.held {
		if h == r {
			m.held = append(m.held[:i], m.held[i+1:]...)
			return
		}
	}
}

func (r *request) approved() Decision {
	seg := r.seg
	changed := r.changed
	if r.draft != seg.Message.Text {
		seg.Message.Text = r.draft
		seg.Duration = timeline.EstimateDuration(r.draft)
		changed = true
	}
	if r.edited {
		seg.Edited = true
		changed = true
	}
	return Decision{Approved: true, Segment: seg, Changed: changed}
}

// Approve dispatches the pending request, with its saved draft.
func (m *Machine) Approve() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return ErrNoPending
	}
	if m.state != StatePending && m.state != StateEditing {
		return fmt.Errorf("%w: approve while %s", ErrInvalidTransition, m.state)
	}
	r := m.cur
	m.pub.Emit("info", "approval.approved", "", map[string]interface{}{
		"request_id": r.id,
		"seq":        r.seg.Seq,
		"edited":     r.edited,
	})
	m.resolveLocked(r.approved())
	return nil
}

// Reject discards the pending request.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return ErrNoPending
	}
	if m.state != StatePending && m.state != StateEditing {
		return fmt.Errorf("%w: reject while %s", ErrInvalidTransition, m.state)
	}
	r := m.cur
	m.pub.Emit("info", "approval.rejected", "", map[string]interface{}{
		"request_id": r.id,
		"seq":        r.seg.Seq,
	})
	m.resolveLocked(Decision{Approved: false, Segment: r.seg})
	return nil
}

// BeginEdit opens the pending request for inline editing.
func (m *Machine) BeginEdit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return ErrNoPending
	}
	if m.state != StatePending {
		return fmt.Errorf("%w: edit while %s", ErrInvalidTransition, m.state)
	}
	m.state = StateEditing
	m.pub.Emit("info", "approval.editing", "", map[string]interface{}{
		"request_id": m.cur.id,
	})
	return nil
}

// SaveEdit replaces the draft and returns to pending. The request is not
// dispatched until approved.
func (m *Machine) SaveEdit(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return ErrNoPending
	}
	if m.state != StateEditing {
		return fmt.Errorf("%w: save while %s", ErrInvalidTransition, m.state)
	}
	m.cur.draft = text
	m.cur.edited = true
	m.state = StatePending
	m.pub.Emit("info", "approval.edited", "", map[string]interface{}{
		"request_id": m.cur.id,
		"text":       text,
	})
	return nil
}

// CancelEdit reverts the draft to the original text and returns to pending.
func (m *Machine) CancelEdit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return ErrNoPending
	}
	if m.state != StateEditing {
		return fmt.Errorf("%w: cancel edit while %s", ErrInvalidTransition, m.state)
	}
	m.cur.draft = m.cur.original
	m.cur.edited = false
	m.state = StatePending
	m.pub.Emit("info", "approval.edit_cancelled", "", map[string]interface{}{
		"request_id": m.cur.id,
	})
	return nil
}

// SelectMode picks an alternate derail mode for regeneration.
func (m *Machine) SelectMode(mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: unknown derail mode %q", ErrInvalidTransition, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return ErrNoPending
	}
	if m.state != StatePending {
		return fmt.Errorf("%w: select mode while %s", ErrInvalidTransition, m.state)
	}
	m.cur.selected = mode
	m.pub.Emit("info", "approval.mode_selected", "", map[string]interface{}{
		"request_id":    m.cur.id,
		"mode":          mode,
		"proposed_mode": m.cur.proposed,
	})
	return nil
}

// CanRegenerate reports whether a mode different from the proposed one is
// selected.
func (m *Machine) CanRegenerate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canRegenerateLocked()
}

func (m *Machine) canRegenerateLocked() bool {
	return m.cur != nil && m.state == StatePending &&
		m.cur.selected != "" && m.cur.selected != m.cur.proposed && m.regen != nil
}

// Regenerate asks the generation service for a replacement utterance in the
// selected mode. The machine is regenerating for the duration of the call and
// returns to pending with the new text, or with the old text on failure.
func (m *Machine) Regenerate(ctx context.Context) error {
	m.mu.Lock()
	if m.cur == nil {
		m.mu.Unlock()
		return ErrNoPending
	}
	if !m.canRegenerateLocked() {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: regenerate while %s without a new mode", ErrInvalidTransition, state)
	}
	r := m.cur
	mode := r.selected
	msg := r.seg.Message
	msg.Text = r.draft
	m.state = StateRegenerating
	m.pub.Emit("info", "approval.regenerating", "", map[string]interface{}{
		"request_id": r.id,
		"mode":       mode,
	})
	m.mu.Unlock()

	next, err := m.regen.Regenerate(ctx, msg, mode)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Resolved elsewhere (mode switch, withdrawal) while regenerating.
	if m.cur != r {
		return nil
	}
	m.state = StatePending
	if err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}

	if next.Sender == "" {
		next.Sender = r.seg.Message.Sender
	}
	next.IsDerailing = true
	next.NeedsApproval = true
	next.DerailMode = mode
	r.seg.Message = next
	r.seg.Duration = timeline.EstimateDuration(next.Text)
	r.original = next.Text
	r.draft = next.Text
	r.edited = false
	r.proposed = mode
	r.selected = ""
	r.changed = true
	m.pub.Emit("info", "approval.regenerated", "", map[string]interface{}{
		"request_id": r.id,
		"mode":       mode,
		"text":       next.Text,
	})
	return nil
}

// SetConversationMode switches between human-control and autonomous mode.
// Leaving human-control approves the pending request and everything held.
func (m *Machine) SetConversationMode(mode string) error {
	if mode != config.ConversationHumanControl && mode != config.ConversationAutonomous {
		return fmt.Errorf("approval: unknown conversation mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.mode
	m.mode = mode
	if prev != mode {
		m.pub.Emit("info", "conversation.mode_changed", "", map[string]interface{}{
			"from": prev,
			"to":   mode,
		})
	}
	if mode == config.ConversationHumanControl {
		return nil
	}

	for m.cur != nil {
		r := m.cur
		m.pub.Emit("info", "approval.approved", "auto-approved on mode change", map[string]interface{}{
			"request_id": r.id,
			"seq":        r.seg.Seq,
		})
		d := r.approved()
		d.Auto = true
		m.resolveLocked(d)
	}
	return nil
}

// ConversationMode returns the current conversation mode.
func (m *Machine) ConversationMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// State returns the machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns a snapshot of the current request.
func (m *Machine) Pending() (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return Pending{}, false
	}
	r := m.cur
	return Pending{
		ID:           r.id,
		State:        m.state,
		Segment:      r.seg,
		Original:     r.original,
		Draft:        r.draft,
		Edited:       r.edited,
		ProposedMode: r.proposed,
		SelectedMode: r.selected,
		RequestedAt:  r.requestedAt,
		Held:         len(m.held),
	}, true
}

// Held returns the number of requests waiting behind the current one.
func (m *Machine) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
