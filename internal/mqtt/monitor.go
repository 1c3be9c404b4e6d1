package mqtt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AaronLay10/Colloquy/internal/events"
)

// Status values reported on an avatar's status topic.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusSpeaking = "speaking"
	StatusIdle     = "idle"
)

// StatusReport is the payload of an avatar status message. A bare string
// payload is read as the status itself.
type StatusReport struct {
	Status string `json:"status"`
}

// AvatarState tracks a registered avatar's health.
type AvatarState struct {
	ID           string
	LastSeen     time.Time
	HeartbeatSec int
	Status       string
	Connected    bool
}

// Monitor tracks avatar registration and health.
type Monitor struct {
	mu        sync.RWMutex
	avatars   map[string]*AvatarState
	registry  *AvatarRegistry
	pub       events.Publisher
	now       func() time.Time
	tolerance float64 // multiplier for heartbeat interval
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a new avatar monitor.
// tolerance is the multiplier for heartbeat interval before considering disconnected.
func NewMonitor(registry *AvatarRegistry, pub events.Publisher, tolerance float64) *Monitor {
	if tolerance <= 1.0 {
		tolerance = 2.0 // miss one heartbeat
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Monitor{
		avatars:   make(map[string]*AvatarState),
		registry:  registry,
		pub:       pub,
		now:       time.Now,
		tolerance: tolerance,
		stopCh:    make(chan struct{}),
	}
}

// HandleRegistration validates and records a registration payload.
func (m *Monitor) HandleRegistration(payload *RegistrationPayload) *ValidationResult {
	result := ValidateRegistration(payload)
	id := payload.Avatar.ID

	if !result.Valid {
		m.pub.Emit("error", "actor.error", "registration validation failed", map[string]interface{}{
			"avatar_id": id,
			"errors":    result.Errors,
		})
		return result
	}

	reg := m.registry.RegisterFromPayload(payload)

	m.mu.Lock()
	existing, known := m.avatars[id]
	isReconnect := known && !existing.Connected
	m.avatars[id] = &AvatarState{
		ID:           id,
		LastSeen:     m.now(),
		HeartbeatSec: reg.HeartbeatSec,
		Status:       StatusOnline,
		Connected:    true,
	}
	m.mu.Unlock()

	fields := map[string]interface{}{
		"avatar_id": id,
		"name":      reg.Name,
		"runtime":   reg.Runtime,
		"reconnect": isReconnect,
	}
	if len(result.Warnings) > 0 {
		fields["warnings"] = result.Warnings
	}
	m.pub.Emit("info", "actor.registered", "", fields)
	return result
}

// HandleStatus records a status message from an avatar. Unknown avatars are
// ignored until they register.
func (m *Monitor) HandleStatus(id string, payload []byte) {
	status := parseStatus(payload)

	m.mu.Lock()
	state, ok := m.avatars[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasConnected := state.Connected
	state.LastSeen = m.now()
	state.Status = status
	state.Connected = status != StatusOffline
	m.mu.Unlock()

	switch {
	case wasConnected && status == StatusOffline:
		m.pub.Emit("warning", "actor.disconnected", "avatar went offline", map[string]interface{}{
			"avatar_id": id,
		})
	case !wasConnected && status != StatusOffline:
		m.pub.Emit("info", "actor.registered", "", map[string]interface{}{
			"avatar_id": id,
			"reconnect": true,
		})
	}
}

func parseStatus(payload []byte) string {
	var report StatusReport
	if err := json.Unmarshal(payload, &report); err == nil && report.Status != "" {
		return report.Status
	}
	if s := string(payload); s != "" {
		return s
	}
	return StatusOnline
}

// IsConnected reports whether the avatar has registered and is within its
// heartbeat window.
func (m *Monitor) IsConnected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.avatars[id]
	return ok && state.Connected
}

// Start begins the background health check loop.
func (m *Monitor) Start(checkInterval time.Duration) {
	m.wg.Add(1)
	go m.healthCheckLoop(checkInterval)
}

// Stop stops the background health check loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) healthCheckLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Monitor) checkHealth() {
	now := m.now()

	type lapse struct {
		id       string
		lastSeen time.Time
		timeout  time.Duration
	}
	var lapsed []lapse

	m.mu.Lock()
	for id, state := range m.avatars {
		if !state.Connected {
			continue
		}
		timeout := time.Duration(float64(state.HeartbeatSec)*m.tolerance) * time.Second
		if now.Sub(state.LastSeen) > timeout {
			state.Connected = false
			lapsed = append(lapsed, lapse{id, state.LastSeen, timeout})
		}
	}
	m.mu.Unlock()

	for _, l := range lapsed {
		m.pub.Emit("warning", "actor.disconnected", "heartbeat timeout", map[string]interface{}{
			"avatar_id":   l.id,
			"last_seen":   l.lastSeen.Format(time.RFC3339),
			"timeout_sec": l.timeout.Seconds(),
		})
	}
}

// GetAvatarState returns the state of an avatar (for testing/inspection).
func (m *Monitor) GetAvatarState(id string) *AvatarState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.avatars[id]; ok {
		cpy := *state
		return &cpy
	}
	return nil
}

// ConnectedAvatars returns the ids of currently connected avatars.
func (m *Monitor) ConnectedAvatars() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, state := range m.avatars {
		if state.Connected {
			ids = append(ids, id)
		}
	}
	return ids
}
