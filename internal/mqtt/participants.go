package mqtt

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ParticipantRegistry learns which participants are human from retained
// participants/<name>/human messages. Names compare case-insensitively.
type ParticipantRegistry struct {
	mu     sync.RWMutex
	humans map[string]string // lower-cased name -> name as published
}

// NewParticipantRegistry creates an empty registry.
func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{humans: make(map[string]string)}
}

// Start subscribes to participant announcements.
func (r *ParticipantRegistry) Start(t Transport) error {
	if t == nil {
		return ErrNoTransport
	}
	return t.Subscribe(ParticipantTopic, r.handle)
}

func (r *ParticipantRegistry) handle(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "participants" || parts[2] != "human" {
		return
	}
	r.Set(parts[1], parseHuman(payload))
}

// parseHuman accepts `true`, `"1"`, `{"human": true}` and similar. An empty
// payload clears a retained flag.
func parseHuman(payload []byte) bool {
	var doc struct {
		Human bool `json:"human"`
	}
	if err := json.Unmarshal(payload, &doc); err == nil {
		return doc.Human
	}
	v, err := strconv.ParseBool(strings.Trim(strings.TrimSpace(string(payload)), `"`))
	return err == nil && v
}

// Set marks name as human or not.
func (r *ParticipantRegistry) Set(name string, human bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if human {
		r.humans[key] = name
	} else {
		delete(r.humans, key)
	}
}

// IsHuman reports whether name was announced as a human participant.
func (r *ParticipantRegistry) IsHuman(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.humans[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Humans returns the known human participants sorted by name.
func (r *ParticipantRegistry) Humans() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.humans))
	for _, name := range r.humans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
