package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AaronLay10/Colloquy/internal/config"
	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

func derailing(seq int, text string) timeline.Segment {
	return timeline.Segment{
		Seq:     seq,
		ActorID: "el-1",
		Message: timeline.Message{
			Sender:        "Alice",
			Text:          text,
			IsDerailing:   true,
			NeedsApproval: true,
			DerailMode:    ModeDrift,
		},
	}
}

type result struct {
	d   Decision
	err error
}

// submit runs Request in a goroutine and waits until the machine has seen it.
func submit(t *testing.T, m *Machine, ctx context.Context, seg timeline.Segment) <-chan result {
	t.Helper()
	before := m.Held()
	_, hadPending := m.Pending()

	out := make(chan result, 1)
	go func() {
		d, err := m.Request(ctx, seg)
		out <- result{d, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !hadPending {
			if p, ok := m.Pending(); ok && p.Segment.Seq == seg.Seq {
				return out
			}
		} else if m.Held() > before {
			return out
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request %d never registered", seg.Seq)
	return nil
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
		return result{}
	}
}

func assertBlocked(t *testing.T, ch <-chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("expected request to be held, got %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRequest_AutoApprovesOutsideHumanControl(t *testing.T) {
	m := NewMachine(config.ConversationAutonomous, nil, nil)
	d, err := m.Request(context.Background(), derailing(1, "What about the weather?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Approved || !d.Auto {
		t.Errorf("expected auto approval, got %+v", d)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle, got %s", m.State())
	}
}

func TestRequest_AutoApprovesRegularSegments(t *testing.T) {
	m := NewMachine(config.ConversationHumanControl, nil, nil)
	seg := timeline.Segment{Seq: 1, Message: timeline.Message{Sender: "Alice", Text: "Hi", IsDerailing: true}}
	d, err := m.Request(context.Background(), seg)
	if err != nil || !d.Approved {
		t.Fatalf("expected approval, got %+v, %v", d, err)
	}
}

func TestApprove(t *testing.T) {
	bus := events.NewBus(64)
	m := NewMachine(config.ConversationHumanControl, nil, bus)
	ch := submit(t, m, context.Background(), derailing(1, "Speaking of cats"))

	if m.State() != StatePending {
		t.Fatalf("expected pending, got %s", m.State())
	}
	assertBlocked(t, ch)

	if err := m.Approve(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	r := wait(t, ch)
	if r.err != nil || !r.d.Approved || r.d.Changed {
		t.Errorf("unexpected decision: %+v, %v", r.d, r.err)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle, got %s", m.State())
	}
	if !errors.Is(m.Approve(), ErrNoPending) {
		t.Error("expected ErrNoPending on second approve")
	}
}

func TestReject(t *testing.T) {
	m := NewMachine(config.ConversationHumanControl, nil, nil)
	ch := submit(t, m, context.Background(), derailing(1, "Speaking of cats"))

	if err := m.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	r := wait(t, ch)
	if r.d.Approved {
		t.Error("expected rejection")
	}
}

func TestEditSaveAndCancel(t *testing.T) {
	m := NewMachine(config.ConversationHumanControl, nil, nil)
	ch := submit(t, m, context.Background(), derailing(1, "Speaking of cats"))

	if err := m.SaveEdit("x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition saving outside edit, got %v", err)
	}

	if err := m.BeginEdit(); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	if m.State() != StateEditing {
		t.Fatalf("expected editing, got %s", m.State())
	}
	if err := m.CancelEdit(); err != nil {
		t.Fatalf("cancel edit: %v", err)
	}
	p, _ := m.Pending()
	if p.Draft != "Speaking of cats" || p.Edited || p.State != StatePending {
		t.Errorf("expected reverted draft, got %+v", p)
	}

	m.BeginEdit()
	if err := m.SaveEdit("Speaking of dogs, actually"); err != nil {
		t.Fatalf("save edit: %v", err)
	}
	p, _ = m.Pending()
	if p.Draft != "Speaking of dogs, actually" || !p.Edited || p.State != StatePending {
		t.Errorf("expected saved draft, got %+v", p)
	}
	assertBlocked(t, ch)

	m.Approve()
	r := wait(t, ch)
	if !r.d.Approved || !r.d.Changed || !r.d.Segment.Edited {
		t.Errorf("expected edited approval, got %+v", r.d)
	}
	if r.d.Segment.Message.Text != "Speaking of dogs, actually" {
		t.Errorf("expected edited text, got %q", r.d.Segment.Message.Text)
	}
}

func TestSingleRequestPendingAtATime(t *testing.T) {
	m := NewMachine(config.ConversationHumanControl, nil, nil)
	ch1 := submit(t, m, context.Background(), derailing(1, "first derail"))
	ch2 := submit(t, m, context.Background(), derailing(2, "second derail"))

	p, ok := m.Pending()
	if !ok || p.Segment.Seq != 1 || p.Held != 1 {
		t.Fatalf("expected S1 pending with S2 held, got %+v", p)
	}
	assertBlocked(t, ch2)

	m.Approve()
	if r := wait(t, ch1); !r.d.Approved || r.d.Segment.Seq != 1 {
		t.Errorf("unexpected S1 decision: %+v", r.d)
	}

	p, ok = m.Pending()
	if !ok || p.Segment.Seq != 2 || p.Held != 0 {
		t.Fatalf("expected S2 promoted, got %+v", p)
	}
	assertBlocked(t, ch2)

	m.Reject()
	if r := wait(t, ch2); r.d.Approved || r.d.Segment.Seq != 2 {
		t.Errorf("unexpected S2 decision: %+v", r.d)
	}
}

func TestSwitchingModeApprovesPendingAndHeld(t *testing.T) {
	bus := events.NewBus(64)
	m := NewMachine(config.ConversationHumanControl, nil, bus)
	ch1 := submit(t, m, context.Background(), derailing(1, "first derail"))
	ch2 := submit(t, m, context.Background(), derailing(2, "second derail"))

	if err := m.SetConversationMode(config.ConversationAutonomous); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	for _, ch := range []<-chan result{ch1, ch2} {
		r := wait(t, ch)
		if !r.d.Approved || !r.d.Auto {
			t.Errorf("expected auto approval, got %+v", r.d)
		}
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle, got %s", m.State())
	}

	found := false
	for _, e := range bus.Snapshot() {
		if e.Name == "conversation.mode_changed" {
			found = true
		}
	}
	if !found {
		t.Error("expected conversation.mode_changed event")
	}

	if err := m.SetConversationMode("chaos"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

// MockRegenerator records regeneration requests.
type MockRegenerator struct {
	mu      sync.Mutex
	calls   []string
	reply   string
	err     error
	release chan struct{}
}

func (r *MockRegenerator) Regenerate(ctx context.Context, msg timeline.Message, mode string) (timeline.Message, error) {
	r.mu.Lock()
	r.calls = append(r.calls, mode)
	r.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return timeline.Message{}, ctx.Err()
		}
	}
	if r.err != nil {
		return timeline.Message{}, r.err
	}
	return timeline.Message{Text: r.reply}, nil
}

func TestRegenerate(t *testing.T) {
	regen := &MockRegenerator{reply: "How does that make you feel?", release: make(chan struct{})}
	m := NewMachine(config.ConversationHumanControl, regen, nil)
	ch := submit(t, m, context.Background(), derailing(1, "Speaking of cats"))

	if m.CanRegenerate() {
		t.Error("regenerate must need a selected mode")
	}
	if err := m.SelectMode(ModeDrift); err != nil {
		t.Fatalf("select mode: %v", err)
	}
	if m.CanRegenerate() {
		t.Error("regenerate must need a mode different from the proposed one")
	}
	if err := m.SelectMode("sideways"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unknown mode, got %v", err)
	}
	m.SelectMode(ModeEmotionalResponse)
	if !m.CanRegenerate() {
		t.Fatal("expected regenerate to be enabled")
	}

	done := make(chan error, 1)
	go func() { done <- m.Regenerate(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateRegenerating && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.State() != StateRegenerating {
		t.Fatalf("expected regenerating, got %s", m.State())
	}
	if err := m.Approve(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition approving while regenerating, got %v", err)
	}
	close(regen.release)

	if err := <-done; err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	p, _ := m.Pending()
	if p.State != StatePending || p.Draft != "How does that make you feel?" || p.ProposedMode != ModeEmotionalResponse || p.SelectedMode != "" {
		t.Errorf("unexpected pending after regenerate: %+v", p)
	}
	if p.Segment.Message.Sender != "Alice" {
		t.Errorf("expected sender to be kept, got %q", p.Segment.Message.Sender)
	}

	m.Approve()
	r := wait(t, ch)
	if !r.d.Changed || r.d.Segment.Message.Text != "How does that make you feel?" {
		t.Errorf("expected regenerated segment, got %+v", r.d)
	}
}

func TestRegenerate_FailureReturnsToPending(t *testing.T) {
	regen := &MockRegenerator{err: errors.New("service unavailable")}
	m := NewMachine(config.ConversationHumanControl, regen, nil)
	submit(t, m, context.Background(), derailing(1, "Speaking of cats"))

	m.SelectMode(ModeProbingQuestion)
	if err := m.Regenerate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	p, _ := m.Pending()
	if p.State != StatePending || p.Draft != "Speaking of cats" {
		t.Errorf("expected original pending request, got %+v", p)
	}
}

func TestRequest_ContextCancelWithdraws(t *testing.T) {
	m := NewMachine(config.ConversationHumanControl, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch1 := submit(t, m, ctx, derailing(1, "first derail"))
	ch2 := submit(t, m, context.Background(), derailing(2, "second derail"))

	cancel()
	if r := wait(t, ch1); !errors.Is(r.err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", r.err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := m.Pending(); ok && p.Segment.Seq == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	m.Approve()
	if r := wait(t, ch2); !r.d.Approved || r.d.Segment.Seq != 2 {
		t.Errorf("expected S2 approved, got %+v", r.d)
	}
}

func TestOperatorActionsWithoutPending(t *testing.T) {
	m := NewMachine(config.ConversationHumanControl, nil, nil)
	for name, fn := range map[string]func() error{
		"approve":     m.Approve,
		"reject":      m.Reject,
		"begin edit":  m.BeginEdit,
		"cancel edit": m.CancelEdit,
		"save edit":   func() error { return m.SaveEdit("x") },
		"select mode": func() error { return m.SelectMode(ModeDrift) },
		"regenerate":  func() error { return m.Regenerate(context.Background()) },
	} {
		if err := fn(); !errors.Is(err, ErrNoPending) {
			t.Errorf("%s: expected ErrNoPending, got %v", name, err)
		}
	}
}
