package stream

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AaronLay10/Colloquy/internal/events"
)

// Hand states.
const (
	HandRaised   = "raised"
	HandApproved = "approved"
)

// Hand is a tracked participant hand.
type Hand struct {
	Name      string    `json:"name"`
	Party     string    `json:"party,omitempty"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HandTracker follows hand raises announced in system messages.
type HandTracker struct {
	mu    sync.Mutex
	hands map[string]*Hand
	pub   events.Publisher
}

// NewHandTracker creates an empty tracker.
func NewHandTracker(pub events.Publisher) *HandTracker {
	if pub == nil {
		pub = events.Discard{}
	}
	return &HandTracker{hands: make(map[string]*Hand), pub: pub}
}

func handKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Raise marks participants as raised.
func (t *HandTracker) Raise(ps []Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range ps {
		t.hands[handKey(p.Name)] = &Hand{Name: p.Name, Party: p.Party, State: HandRaised, UpdatedAt: now}
		t.pub.Emit("info", "hand.raised", "", map[string]interface{}{
			"name":  p.Name,
			"party": p.Party,
		})
	}
}

// Approve moves a raised participant to approved and clears the raised cue.
// It reports false when name has no raised hand.
func (t *HandTracker) Approve(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hands[handKey(name)]
	if !ok || h.State != HandRaised {
		return false
	}
	h.State = HandApproved
	h.UpdatedAt = time.Now().UTC()
	fields := map[string]interface{}{"name": h.Name, "party": h.Party}
	t.pub.Emit("info", "hand.approved", "", fields)
	t.pub.Emit("info", "hand.cleared", "", fields)
	return true
}

// Snapshot returns tracked hands ordered by name.
func (t *HandTracker) Snapshot() []Hand {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Hand, 0, len(t.hands))
	for _, h := range t.hands {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear forgets all hands.
func (t *HandTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hands = make(map[string]*Hand)
}
