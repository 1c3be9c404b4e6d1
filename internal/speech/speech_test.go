package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// seqRand replays a fixed sequence of floats; Intn always returns 0.
type seqRand struct {
	mu     sync.Mutex
	floats []float64
	i      int
}

func (r *seqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.floats[r.i%len(r.floats)]
	r.i++
	return v
}

func (r *seqRand) Intn(n int) int { return 0 }

// virtualClock advances instead of sleeping.
type virtualClock struct {
	mu      sync.Mutex
	elapsed time.Duration
	sleeps  []time.Duration
}

func (c *virtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed += d
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *virtualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

type playedGesture struct {
	g         Gesture
	remaining time.Duration
}

// MockActor is a scriptable Actor.
type MockActor struct {
	mu         sync.Mutex
	clock      *virtualClock
	speechLen  time.Duration
	speaking   bool
	spoken     []Utterance
	gestures   []playedGesture
	speakErr   error
	speakDelay time.Duration
	stopped    int
}

func (m *MockActor) Speak(ctx context.Context, u Utterance) error {
	m.mu.Lock()
	m.spoken = append(m.spoken, u)
	delay, err := m.speakDelay, m.speakErr
	m.speaking = err == nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.speaking = false
		m.mu.Unlock()
	}()

	if err != nil {
		return err
	}
	return Sleep(ctx, delay)
}

func (m *MockActor) IsSpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

func (m *MockActor) RemainingTime() time.Duration {
	if m.clock == nil {
		return 0
	}
	left := m.speechLen - m.clock.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

func (m *MockActor) PlayGesture(ctx context.Context, g Gesture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gestures = append(m.gestures, playedGesture{g: g, remaining: m.RemainingTime()})
	return nil
}

func (m *MockActor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.speaking = false
	return nil
}

func alwaysSpeaking() bool { return true }

func TestGestureLoop_NeverOverrunsSpeech(t *testing.T) {
	// Mixed draws: some idle (< 0.3), some gestures.
	rng := &seqRand{floats: []float64{0.9, 0.1, 0.5, 0.7, 0.2, 0.4, 0.05, 0.95, 0.6, 0.25, 0.8, 0.33}}
	clock := &virtualClock{}
	actor := &MockActor{clock: clock, speechLen: 20 * time.Second}

	loop := NewGestureLoop(rng, clock.Sleep)
	if err := loop.Run(context.Background(), "el-1", actor, alwaysSpeaking); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(actor.gestures) == 0 {
		t.Fatal("expected at least one gesture during 20s of speech")
	}
	for i, p := range actor.gestures {
		total := p.g.Duration + p.g.Transition
		if total+GestureSafetyBuffer > p.remaining {
			t.Errorf("gesture %d: total %v + buffer exceeds remaining %v", i, total, p.remaining)
		}
		if p.g.Name == "" {
			t.Errorf("gesture %d has no name", i)
		}
	}
}

func TestGestureLoop_ExitsWhenTooLittleTime(t *testing.T) {
	rng := &seqRand{floats: []float64{0.5}}
	clock := &virtualClock{}
	// Candidate total with all draws 0.5: (1.25s + 500ms) * 0.9 = 1.575s.
	actor := &MockActor{clock: clock, speechLen: 2 * time.Second}

	loop := NewGestureLoop(rng, clock.Sleep)
	loop.Run(context.Background(), "el-1", actor, alwaysSpeaking)

	if len(actor.gestures) != 0 {
		t.Errorf("expected no gestures, got %d", len(actor.gestures))
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("expected no sleeps, got %v", clock.sleeps)
	}
}

func TestGestureLoop_IdlesAndMirrors(t *testing.T) {
	// draw(0.5,0.5,0.5) idle-check 0.1 -> idle; idle length 0.5 -> 1s
	// draw(0.5,0.5,0.5) idle-check 0.9 -> gesture; mirror 0.1 -> mirrored
	rng := &seqRand{floats: []float64{0.5, 0.5, 0.5, 0.1, 0.5, 0.5, 0.5, 0.5, 0.9, 0.1}}
	clock := &virtualClock{}
	actor := &MockActor{clock: clock, speechLen: 4 * time.Second}

	loop := NewGestureLoop(rng, clock.Sleep)
	loop.Run(context.Background(), "el-1", actor, alwaysSpeaking)

	if len(clock.sleeps) < 2 {
		t.Fatalf("expected idle then gesture sleeps, got %v", clock.sleeps)
	}
	if clock.sleeps[0] != time.Second {
		t.Errorf("expected 1s idle, got %v", clock.sleeps[0])
	}
	if len(actor.gestures) != 1 {
		t.Fatalf("expected 1 gesture, got %d", len(actor.gestures))
	}
	g := actor.gestures[0].g
	if !g.Mirror {
		t.Error("expected mirrored gesture")
	}
	if g.Name != Vocabulary[0] {
		t.Errorf("expected %q, got %q", Vocabulary[0], g.Name)
	}
}

func TestGestureLoop_StopsWhenSpeechEnds(t *testing.T) {
	rng := &seqRand{floats: []float64{0.5, 0.5, 0.5, 0.9, 0.9}}
	clock := &virtualClock{}
	actor := &MockActor{clock: clock, speechLen: time.Minute}

	calls := 0
	speaking := func() bool {
		calls++
		return calls <= 2
	}

	loop := NewGestureLoop(rng, clock.Sleep)
	loop.Run(context.Background(), "el-1", actor, speaking)

	if len(actor.gestures) != 2 {
		t.Errorf("expected 2 gestures before speech ended, got %d", len(actor.gestures))
	}
}

func newTestDispatcher(actors Actors, clock *virtualClock) (*Dispatcher, *events.Bus) {
	bus := events.NewBus(64)
	sleep := Sleep
	if clock != nil {
		sleep = clock.Sleep
	}
	d := NewDispatcher(actors, DispatcherOptions{
		Rand:      &seqRand{floats: []float64{0.5}},
		Sleep:     sleep,
		Publisher: bus,
		Voices:    map[string]string{"el-1": "nova"},
	})
	return d, bus
}

func eventNames(bus *events.Bus) []string {
	var names []string
	for _, e := range bus.Snapshot() {
		names = append(names, e.Name)
	}
	return names
}

func hasEvent(bus *events.Bus, name string) bool {
	for _, n := range eventNames(bus) {
		if n == name {
			return true
		}
	}
	return false
}

func TestDispatch_SpeaksThroughActor(t *testing.T) {
	actor := &MockActor{speakDelay: 5 * time.Millisecond}
	d, bus := newTestDispatcher(Actors{"el-1": actor}, nil)

	seg := timeline.Segment{Seq: 1, ActorID: "el-1", Message: timeline.Message{Sender: "Alice", Text: "Hello there"}, AudioURL: "https://cdn/a.mp3"}
	if err := d.Dispatch(context.Background(), seg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(actor.spoken) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(actor.spoken))
	}
	u := actor.spoken[0]
	if u.Text != "Hello there" || u.Voice != "nova" || u.AudioURL != "https://cdn/a.mp3" || u.ID == "" {
		t.Errorf("unexpected utterance: %+v", u)
	}
	if !hasEvent(bus, "speech.started") || !hasEvent(bus, "speech.completed") {
		t.Errorf("expected speech.started and speech.completed, got %v", eventNames(bus))
	}
}

// lateActor only reports speech state once Speak has run for a moment, the
// way a networked actor records an utterance before publishing it.
type lateActor struct {
	MockActor
	started atomic.Bool
	lag     time.Duration
	hold    time.Duration
}

func (a *lateActor) Speak(ctx context.Context, u Utterance) error {
	if err := Sleep(ctx, a.lag); err != nil {
		return err
	}
	a.started.Store(true)
	defer a.started.Store(false)
	return Sleep(ctx, a.hold)
}

func (a *lateActor) IsSpeaking() bool { return a.started.Load() }

func (a *lateActor) RemainingTime() time.Duration {
	if !a.started.Load() {
		return 0
	}
	return a.MockActor.RemainingTime()
}

func (a *lateActor) PlayGesture(ctx context.Context, g Gesture) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gestures = append(a.gestures, playedGesture{g: g, remaining: a.RemainingTime()})
	return nil
}

func TestDispatch_GesturesWaitForSpeechToStart(t *testing.T) {
	clock := &virtualClock{}
	actor := &lateActor{
		MockActor: MockActor{clock: clock, speechLen: 10 * time.Second},
		lag:       20 * time.Millisecond,
		hold:      50 * time.Millisecond,
	}
	d, bus := newTestDispatcher(Actors{"el-1": actor}, clock)

	seg := timeline.Segment{Seq: 1, ActorID: "el-1", Message: timeline.Message{Sender: "Alice", Text: "A long enough line to keep the avatar busy for a while."}}
	if err := d.Dispatch(context.Background(), seg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	actor.mu.Lock()
	defer actor.mu.Unlock()
	if len(actor.gestures) == 0 {
		t.Fatalf("expected gestures once speech started, got none (events %v)", eventNames(bus))
	}
	for i, p := range actor.gestures {
		if p.remaining <= 0 {
			t.Errorf("gesture %d started with no speech remaining", i)
		}
	}
	if !hasEvent(bus, "gesture.played") {
		t.Errorf("expected gesture.played, got %v", eventNames(bus))
	}
}

func TestDispatch_NoGesturesWhenSpeechNeverStarts(t *testing.T) {
	clock := &virtualClock{}
	actor := &MockActor{clock: clock, speechLen: 10 * time.Second, speakErr: errors.New("tts offline")}
	d, _ := newTestDispatcher(Actors{"el-1": actor}, clock)

	seg := timeline.Segment{ActorID: "el-1", Message: timeline.Message{Text: "hi"}}
	if err := d.Dispatch(context.Background(), seg); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(actor.gestures) != 0 {
		t.Errorf("expected no gestures, got %d", len(actor.gestures))
	}
}

func TestDispatch_UnresolvedActorIsLoggedNotFatal(t *testing.T) {
	d, bus := newTestDispatcher(Actors{}, nil)

	seg := timeline.Segment{ActorID: "", Message: timeline.Message{Sender: "Ghost", Text: "boo"}}
	if err := d.Dispatch(context.Background(), seg); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !hasEvent(bus, "speech.unresolved") {
		t.Errorf("expected speech.unresolved, got %v", eventNames(bus))
	}
}

func TestDispatch_SpeakErrorIsLoggedNotFatal(t *testing.T) {
	actor := &MockActor{speakErr: errors.New("tts offline")}
	d, bus := newTestDispatcher(Actors{"el-1": actor}, nil)

	seg := timeline.Segment{ActorID: "el-1", Message: timeline.Message{Text: "hi"}}
	if err := d.Dispatch(context.Background(), seg); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !hasEvent(bus, "speech.failed") {
		t.Errorf("expected speech.failed, got %v", eventNames(bus))
	}
	if actor.IsSpeaking() {
		t.Error("actor should not be speaking after failure")
	}
}

func TestDispatch_BackchannelPausesWithoutSpeech(t *testing.T) {
	actor := &MockActor{}
	clock := &virtualClock{}
	d, _ := newTestDispatcher(Actors{"el-1": actor}, clock)

	seg := timeline.Segment{ActorID: "el-1", Duration: 2, Message: timeline.Message{Text: "Bob is nodding", IsBackchannel: true}}
	if err := d.Dispatch(context.Background(), seg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actor.spoken) != 0 {
		t.Error("backchannel must not be spoken")
	}
	if clock.Elapsed() != 2*time.Second {
		t.Errorf("expected 2s reaction pause, got %v", clock.Elapsed())
	}

	if err := d.React(context.Background(), timeline.Reaction{Text: "Alice is smiling"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clock.Elapsed() != 4*time.Second {
		t.Errorf("expected another 2s pause, got %v", clock.Elapsed())
	}
}

func TestDispatch_CancelledContext(t *testing.T) {
	actor := &MockActor{speakDelay: time.Minute}
	d, _ := newTestDispatcher(Actors{"el-1": actor}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := d.Dispatch(ctx, timeline.Segment{ActorID: "el-1", Message: timeline.Message{Text: "a long speech"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRoster_Resolve(t *testing.T) {
	r := NewRoster([]Avatar{
		{ElementID: "7", Name: "Alice"},
		{ElementID: "9"},
	})

	tests := []struct {
		sender string
		wantID string
		ok     bool
	}{
		{"Alice", "7", true},
		{" alice ", "7", true},
		{"Avatar9", "9", true},
		{"avatar9", "9", true},
		{"Bob", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		a, ok := r.Resolve(tt.sender)
		if ok != tt.ok || a.ElementID != tt.wantID {
			t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tt.sender, a.ElementID, ok, tt.wantID, tt.ok)
		}
	}

	if got := (Avatar{ElementID: "9"}).DisplayName(); got != "Avatar9" {
		t.Errorf("expected fallback display name Avatar9, got %q", got)
	}
}

func TestActors_StopSpeaking(t *testing.T) {
	speaking := &MockActor{speaking: true}
	idle := &MockActor{}
	actors := Actors{"a": speaking, "b": idle}

	if n := actors.StopSpeaking(); n != 1 {
		t.Errorf("expected 1 actor stopped, got %d", n)
	}
	if speaking.stopped != 1 || idle.stopped != 0 {
		t.Errorf("unexpected stop counts: %d, %d", speaking.stopped, idle.stopped)
	}
}
