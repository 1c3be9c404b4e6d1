package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/speech"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// MockTransport records publishes and routes delivered messages to
// subscribed handlers, honouring + and # wildcards.
type MockTransport struct {
	mu        sync.Mutex
	subs      map[string]Handler
	published []published
	onPublish func(topic string, payload []byte)
	err       error
}

func NewMockTransport() *MockTransport {
	return &MockTransport{subs: make(map[string]Handler)}
}

func (m *MockTransport) Subscribe(topic string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subs[topic] = handler
	return nil
}

func (m *MockTransport) Publish(topic string, retained bool, payload []byte) error {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	m.published = append(m.published, published{topic, retained, payload})
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (m *MockTransport) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	var handlers []Handler
	for filter, h := range m.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (m *MockTransport) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for topic := range m.subs {
		out = append(out, topic)
	}
	return out
}

func (m *MockTransport) Published(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) || (f != "+" && f != tp[i]) {
			return false
		}
	}
	return len(fp) == len(tp)
}

func countEvents(bus *events.Bus, name string) int {
	n := 0
	for _, e := range bus.Snapshot() {
		if e.Name == name {
			n++
		}
	}
	return n
}

func TestAvatarSubscriber_SubscribeAvatar_Idempotent(t *testing.T) {
	mock := NewMockTransport()
	sub := NewAvatarSubscriber(mock, nil, NewAcks(), nil)

	if err := sub.SubscribeAvatar("7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = sub.SubscribeAvatar("7")

	if len(sub.SubscribedTopics()) != 2 {
		t.Errorf("expected 2 subscribed topics, got %v", sub.SubscribedTopics())
	}
	if !sub.IsSubscribed(StatusTopic("7")) || !sub.IsSubscribed(DoneTopic("7")) {
		t.Error("expected status and done topics to be tracked")
	}
}

func TestAvatarSubscriber_SubscribeError(t *testing.T) {
	mock := NewMockTransport()
	mock.err = errors.New("not connected")
	bus := events.NewBus(16)
	sub := NewAvatarSubscriber(mock, nil, NewAcks(), bus)

	registry := NewAvatarRegistry()
	registry.Register(&RegisteredAvatar{ID: "7"})
	sub.SubscribeAll(registry)

	if sub.IsSubscribed(StatusTopic("7")) {
		t.Error("failed subscription must not be tracked")
	}
	if countEvents(bus, "actor.error") != 1 {
		t.Errorf("expected actor.error, got %+v", bus.Snapshot())
	}
}

func TestAvatarSubscriber_DoneResolvesWaiter(t *testing.T) {
	mock := NewMockTransport()
	acks := NewAcks()
	bus := events.NewBus(16)
	sub := NewAvatarSubscriber(mock, nil, acks, bus)
	_ = sub.SubscribeAvatar("7")

	ch := acks.Expect("u1")
	mock.Deliver(DoneTopic("7"), []byte(`{"id":"u1"}`))

	select {
	case r := <-ch:
		if r.ID != "u1" || r.Interrupted {
			t.Errorf("unexpected report: %+v", r)
		}
	default:
		t.Fatal("expected waiter to be resolved")
	}
	if acks.Pending() != 0 {
		t.Errorf("expected no pending waiters, got %d", acks.Pending())
	}

	mock.Deliver(DoneTopic("7"), []byte(`not json`))
	if countEvents(bus, "actor.error") != 1 {
		t.Error("expected malformed done report to be reported")
	}
}

func TestMonitor_RegistrationAndStatus(t *testing.T) {
	bus := events.NewBus(64)
	registry := NewAvatarRegistry()
	monitor := NewMonitor(registry, bus, 2.0)

	result := monitor.HandleRegistration(&RegistrationPayload{
		Version: 1,
		Avatar:  AvatarInfo{ID: "7", Name: "Alice", HeartbeatSec: 5},
	})
	if !result.Valid {
		t.Fatalf("expected valid registration, got %v", result.Errors)
	}
	if !registry.Exists("7") || !monitor.IsConnected("7") {
		t.Fatal("expected avatar to be registered and connected")
	}
	if countEvents(bus, "actor.registered") != 1 {
		t.Error("expected actor.registered")
	}

	monitor.HandleStatus("7", []byte(`{"status":"speaking"}`))
	if s := monitor.GetAvatarState("7"); s.Status != StatusSpeaking || !s.Connected {
		t.Errorf("unexpected state: %+v", s)
	}

	monitor.HandleStatus("7", []byte(StatusOffline))
	if monitor.IsConnected("7") {
		t.Error("expected avatar to be offline")
	}
	if countEvents(bus, "actor.disconnected") != 1 {
		t.Error("expected actor.disconnected")
	}

	monitor.HandleStatus("7", []byte(`{"status":"online"}`))
	if !monitor.IsConnected("7") || countEvents(bus, "actor.registered") != 2 {
		t.Error("expected avatar to reconnect")
	}

	// Unknown avatars are ignored.
	monitor.HandleStatus("99", []byte(`online`))
	if monitor.GetAvatarState("99") != nil {
		t.Error("status for an unregistered avatar must be ignored")
	}
}

func TestMonitor_InvalidRegistration(t *testing.T) {
	bus := events.NewBus(16)
	registry := NewAvatarRegistry()
	monitor := NewMonitor(registry, bus, 0)

	result := monitor.HandleRegistration(&RegistrationPayload{
		Version: 1,
		Avatar:  AvatarInfo{ID: "7", HeartbeatSec: -3},
	})
	if result.Valid {
		t.Fatal("expected invalid registration")
	}
	if registry.Exists("7") || countEvents(bus, "actor.error") != 1 {
		t.Error("invalid registrations must not be stored")
	}
}

func TestMonitor_HeartbeatTimeout(t *testing.T) {
	bus := events.NewBus(16)
	monitor := NewMonitor(NewAvatarRegistry(), bus, 2.0)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	monitor.now = func() time.Time { return now }

	monitor.HandleRegistration(&RegistrationPayload{
		Version: 1,
		Avatar:  AvatarInfo{ID: "7", Name: "Alice", HeartbeatSec: 5},
	})

	now = now.Add(9 * time.Second)
	monitor.checkHealth()
	if !monitor.IsConnected("7") {
		t.Fatal("expected avatar to still be connected within tolerance")
	}

	now = now.Add(2 * time.Second)
	monitor.checkHealth()
	if monitor.IsConnected("7") {
		t.Fatal("expected heartbeat timeout")
	}
	if countEvents(bus, "actor.disconnected") != 1 {
		t.Errorf("expected one actor.disconnected, got %+v", bus.Snapshot())
	}

	monitor.checkHealth()
	if countEvents(bus, "actor.disconnected") != 1 {
		t.Error("a lapsed avatar must only be reported once")
	}
	if len(monitor.ConnectedAvatars()) != 0 {
		t.Error("expected no connected avatars")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	monitor := NewMonitor(NewAvatarRegistry(), nil, 2.0)
	monitor.Start(time.Millisecond)
	monitor.Stop()
	monitor.Stop()
}

func TestActorDirectory(t *testing.T) {
	mock := NewMockTransport()
	bus := events.NewBus(64)
	dir := NewActorDirectory(mock, DirectoryOptions{Publisher: bus, SpeakTimeout: time.Second})
	if err := dir.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	mock.Deliver(RegisterTopic, []byte(`{"version":1,"avatar":{"id":"7","name":"Alice","heartbeat_sec":5}}`))
	mock.Deliver(RegisterTopic, []byte(`{"version":3}`))

	if !dir.Registry().Exists("7") {
		t.Fatal("expected avatar 7 to be registered")
	}
	if countEvents(bus, "actor.error") != 1 {
		t.Errorf("expected the bad registration to be reported, got %+v", bus.Snapshot())
	}

	avatars := []speech.Avatar{{ElementID: "7", Name: "Alice"}, {ElementID: "8"}}
	actors, err := dir.Actors(context.Background(), avatars)
	if err != nil {
		t.Fatalf("actors: %v", err)
	}
	if len(actors) != 1 || actors["7"] == nil {
		t.Fatalf("expected only the registered avatar, got %v", actors)
	}

	again, _ := dir.Actors(context.Background(), avatars)
	if again["7"] != actors["7"] {
		t.Error("expected the same actor instance across calls")
	}

	mock.Deliver(StatusTopic("7"), []byte(`offline`))
	if actors, _ := dir.Actors(context.Background(), avatars); len(actors) != 0 {
		t.Errorf("offline avatars must be left out, got %v", actors)
	}

	empty := NewActorDirectory(nil, DirectoryOptions{})
	if _, err := empty.Actors(context.Background(), avatars); !errors.Is(err, ErrNoTransport) {
		t.Errorf("expected ErrNoTransport, got %v", err)
	}
}
