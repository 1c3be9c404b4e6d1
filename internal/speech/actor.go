// Package speech dispatches utterances to avatar actors and animates them
// while they talk.
package speech

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Utterance is what an actor is asked to say.
type Utterance struct {
	ID       string
	Text     string
	Voice    string
	AudioURL string
}

// Gesture is a single body animation request.
type Gesture struct {
	Name       string
	Duration   time.Duration
	Mirror     bool
	Transition time.Duration
}

// Actor is a live avatar instance. Implementations are owned by the actor
// runtime; the orchestrator only borrows them.
type Actor interface {
	// Speak blocks until the utterance has finished playing.
	Speak(ctx context.Context, u Utterance) error
	IsSpeaking() bool
	// RemainingTime estimates how much of the current utterance is left.
	RemainingTime() time.Duration
	PlayGesture(ctx context.Context, g Gesture) error
	// Stop interrupts any audio currently playing.
	Stop() error
}

// Actors is an actor lookup table keyed by scene element id.
type Actors map[string]Actor

// StopSpeaking stops every actor that is currently speaking and returns the
// number of actors stopped.
func (a Actors) StopSpeaking() int {
	n := 0
	for _, actor := range a {
		if actor == nil || !actor.IsSpeaking() {
			continue
		}
		if err := actor.Stop(); err == nil {
			n++
		}
	}
	return n
}

// Avatar describes an avatar element placed in a scene.
type Avatar struct {
	ElementID string
	Name      string
	Party     string
	Voice     string
}

// FallbackName is the synthetic display name used for unnamed avatars.
func (a Avatar) FallbackName() string {
	return fmt.Sprintf("Avatar%s", a.ElementID)
}

// DisplayName is the name the avatar speaks under.
func (a Avatar) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.FallbackName()
}

// Roster resolves stream sender names to scene avatars.
type Roster struct {
	avatars []Avatar
}

// NewRoster builds a roster over the given avatars.
func NewRoster(avatars []Avatar) *Roster {
	return &Roster{avatars: append([]Avatar(nil), avatars...)}
}

// Avatars returns the roster's avatars in scene order.
func (r *Roster) Avatars() []Avatar {
	return append([]Avatar(nil), r.avatars...)
}

// Resolve finds the avatar for a sender name. Display names match first,
// exactly and then case-insensitively; the Avatar<id> fallback name matches
// last.
func (r *Roster) Resolve(sender string) (Avatar, bool) {
	name := strings.TrimSpace(sender)
	if name == "" {
		return Avatar{}, false
	}
	for _, a := range r.avatars {
		if a.Name == name {
			return a, true
		}
	}
	for _, a := range r.avatars {
		if a.Name != "" && strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	for _, a := range r.avatars {
		if strings.EqualFold(a.FallbackName(), name) {
			return a, true
		}
	}
	return Avatar{}, false
}
