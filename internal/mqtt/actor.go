package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AaronLay10/Colloquy/internal/speech"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// DefaultSpeakTimeout bounds how long Speak waits for an acknowledgement.
const DefaultSpeakTimeout = 2 * time.Minute

// SpeakTimeoutError indicates an avatar never acknowledged an utterance.
type SpeakTimeoutError struct {
	AvatarID    string
	UtteranceID string
}

func (e *SpeakTimeoutError) Error() string {
	return fmt.Sprintf("mqtt speak timeout: avatar %s utterance %s", e.AvatarID, e.UtteranceID)
}

type speakCommand struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

type gestureCommand struct {
	Name         string `json:"name"`
	DurationMS   int64  `json:"duration_ms"`
	Mirror       bool   `json:"mirror"`
	TransitionMS int64  `json:"transition_ms"`
}

// Actor drives one remote avatar instance over MQTT. It implements
// speech.Actor.
type Actor struct {
	id        string
	transport Transport
	acks      *Acks
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	current string
	until   time.Time
}

var _ speech.Actor = (*Actor)(nil)

// NewActor creates an actor for the avatar bound to scene element id.
func NewActor(id string, t Transport, acks *Acks, timeout time.Duration) *Actor {
	if timeout <= 0 {
		timeout = DefaultSpeakTimeout
	}
	return &Actor{id: id, transport: t, acks: acks, timeout: timeout, now: time.Now}
}

// ID returns the scene element id the actor is bound to.
func (a *Actor) ID() string { return a.id }

// Speak publishes the utterance and blocks until the avatar acknowledges it on
// its done topic.
func (a *Actor) Speak(ctx context.Context, u speech.Utterance) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	payload, err := json.Marshal(speakCommand{ID: u.ID, Text: u.Text, Voice: u.Voice, AudioURL: u.AudioURL})
	if err != nil {
		return err
	}

	done := a.acks.Expect(u.ID)
	defer a.acks.Forget(u.ID)

	est := time.Duration(timeline.EstimateDuration(u.Text) * float64(time.Second))
	a.mu.Lock()
	a.current = u.ID
	a.until = a.now().Add(est)
	a.mu.Unlock()
	defer a.finish(u.ID)

	if err := a.transport.Publish(SpeakTopic(a.id), false, payload); err != nil {
		return fmt.Errorf("publish speak: %w", err)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &SpeakTimeoutError{AvatarID: a.id, UtteranceID: u.ID}
	}
}

func (a *Actor) finish(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == id {
		a.current = ""
		a.until = time.Time{}
	}
}

// IsSpeaking reports whether an utterance is in flight.
func (a *Actor) IsSpeaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != ""
}

// RemainingTime estimates the time left in the current utterance from its
// text length.
func (a *Actor) RemainingTime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == "" {
		return 0
	}
	if left := a.until.Sub(a.now()); left > 0 {
		return left
	}
	return 0
}

// PlayGesture publishes a gesture command without waiting for it to finish.
func (a *Actor) PlayGesture(ctx context.Context, g speech.Gesture) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(gestureCommand{
		Name:         g.Name,
		DurationMS:   g.Duration.Milliseconds(),
		Mirror:       g.Mirror,
		TransitionMS: g.Transition.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return a.transport.Publish(GestureTopic(a.id), false, payload)
}

// Stop tells the avatar to halt playback and releases a pending Speak.
func (a *Actor) Stop() error {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()

	if err := a.transport.Publish(StopTopic(a.id), false, []byte(`{}`)); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	if current != "" {
		a.acks.Resolve(DoneReport{ID: current, Interrupted: true})
	}
	return nil
}
