package mqtt

import (
	"sort"
	"sync"
)

// RegisteredAvatar holds runtime information about a registered avatar.
type RegisteredAvatar struct {
	ID           string
	Name         string
	Voice        string
	Runtime      string
	HeartbeatSec int
	Gestures     []string
}

// AvatarRegistry maps scene element ids to registered avatar instances.
type AvatarRegistry struct {
	mu      sync.RWMutex
	avatars map[string]*RegisteredAvatar
}

// NewAvatarRegistry creates a new empty avatar registry.
func NewAvatarRegistry() *AvatarRegistry {
	return &AvatarRegistry{
		avatars: make(map[string]*RegisteredAvatar),
	}
}

// Register adds or updates an avatar in the registry.
func (r *AvatarRegistry) Register(a *RegisteredAvatar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatars[a.ID] = a
}

// RegisterFromPayload registers the avatar described by a registration
// payload and returns the stored entry.
func (r *AvatarRegistry) RegisterFromPayload(payload *RegistrationPayload) *RegisteredAvatar {
	hb := payload.Avatar.HeartbeatSec
	if hb == 0 {
		hb = DefaultHeartbeatSec
	}
	a := &RegisteredAvatar{
		ID:           payload.Avatar.ID,
		Name:         payload.Avatar.Name,
		Voice:        payload.Avatar.Voice,
		Runtime:      payload.Avatar.Runtime,
		HeartbeatSec: hb,
		Gestures:     append([]string{}, payload.Avatar.Gestures...),
	}
	r.Register(a)
	return a.copy()
}

// Unregister removes an avatar from the registry.
func (r *AvatarRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.avatars, id)
}

// Get returns an avatar by id, or nil if not found.
func (r *AvatarRegistry) Get(id string) *RegisteredAvatar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.avatars[id]; ok {
		return a.copy()
	}
	return nil
}

// Exists returns true if the avatar is registered.
func (r *AvatarRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.avatars[id]
	return ok
}

// All returns a copy of all registered avatars ordered by id.
func (r *AvatarRegistry) All() []*RegisteredAvatar {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*RegisteredAvatar, 0, len(r.avatars))
	for _, a := range r.avatars {
		result = append(result, a.copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Clear removes all avatars from the registry.
func (r *AvatarRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatars = make(map[string]*RegisteredAvatar)
}

func (a *RegisteredAvatar) copy() *RegisteredAvatar {
	cpy := *a
	cpy.Gestures = append([]string{}, a.Gestures...)
	return &cpy
}
