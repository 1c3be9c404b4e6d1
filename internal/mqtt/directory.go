package mqtt

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/speech"
)

// ErrNoTransport is returned when the directory has no broker connection.
var ErrNoTransport = errors.New("mqtt: no transport")

// DirectoryOptions configures an ActorDirectory.
type DirectoryOptions struct {
	Publisher    events.Publisher
	SpeakTimeout time.Duration
	// Tolerance is the heartbeat multiplier before an avatar is considered
	// disconnected.
	Tolerance float64
}

// ActorDirectory hands out actors for registered, connected avatars.
type ActorDirectory struct {
	transport  Transport
	registry   *AvatarRegistry
	monitor    *Monitor
	acks       *Acks
	subscriber *AvatarSubscriber
	pub        events.Publisher
	timeout    time.Duration

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewActorDirectory wires the registry, monitor and subscriptions for the
// actor runtime reachable through t.
func NewActorDirectory(t Transport, o DirectoryOptions) *ActorDirectory {
	pub := o.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	registry := NewAvatarRegistry()
	monitor := NewMonitor(registry, pub, o.Tolerance)
	acks := NewAcks()
	return &ActorDirectory{
		transport:  t,
		registry:   registry,
		monitor:    monitor,
		acks:       acks,
		subscriber: NewAvatarSubscriber(t, monitor, acks, pub),
		pub:        pub,
		timeout:    o.SpeakTimeout,
		actors:     make(map[string]*Actor),
	}
}

// Start subscribes to avatar registrations.
func (d *ActorDirectory) Start() error {
	if d.transport == nil {
		return ErrNoTransport
	}
	return d.transport.Subscribe(RegisterTopic, d.handleRegistration)
}

func (d *ActorDirectory) handleRegistration(_ string, payload []byte) {
	reg, err := ParseRegistration(payload)
	if err != nil {
		log.Printf("mqtt: rejected registration: %v", err)
		d.pub.Emit("error", "actor.error", "invalid registration", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if result := d.monitor.HandleRegistration(reg); !result.Valid {
		return
	}
	if err := d.subscriber.SubscribeAvatar(reg.Avatar.ID); err != nil {
		d.pub.Emit("error", "actor.error", "failed to subscribe to avatar topics", map[string]interface{}{
			"avatar_id": reg.Avatar.ID,
			"error":     err.Error(),
		})
	}
}

// Actors returns actors for the scene avatars that are registered and
// connected. Avatars without a live instance are left out.
func (d *ActorDirectory) Actors(ctx context.Context, avatars []speech.Avatar) (speech.Actors, error) {
	if d.transport == nil {
		return nil, ErrNoTransport
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(speech.Actors)
	for _, av := range avatars {
		if !d.registry.Exists(av.ElementID) || !d.monitor.IsConnected(av.ElementID) {
			continue
		}
		a, ok := d.actors[av.ElementID]
		if !ok {
			a = NewActor(av.ElementID, d.transport, d.acks, d.timeout)
			d.actors[av.ElementID] = a
		}
		out[av.ElementID] = a
	}
	return out, nil
}

// Registry exposes the avatar registry.
func (d *ActorDirectory) Registry() *AvatarRegistry { return d.registry }

// Monitor exposes the health monitor so callers can start and stop it.
func (d *ActorDirectory) Monitor() *Monitor { return d.monitor }
