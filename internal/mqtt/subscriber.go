package mqtt

import (
	"encoding/json"
	"sync"

	"github.com/AaronLay10/Colloquy/internal/events"
)

// DoneReport is the payload an avatar publishes when an utterance finishes.
type DoneReport struct {
	ID          string `json:"id"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// Acks matches speech acknowledgements to the Speak calls waiting for them.
type Acks struct {
	mu      sync.Mutex
	waiters map[string]chan DoneReport
}

// NewAcks creates an empty acknowledgement table.
func NewAcks() *Acks {
	return &Acks{waiters: make(map[string]chan DoneReport)}
}

// Expect registers interest in the acknowledgement for utterance id.
func (a *Acks) Expect(id string) <-chan DoneReport {
	ch := make(chan DoneReport, 1)
	a.mu.Lock()
	a.waiters[id] = ch
	a.mu.Unlock()
	return ch
}

// Resolve delivers an acknowledgement. Returns false when nobody waits for it.
func (a *Acks) Resolve(r DoneReport) bool {
	a.mu.Lock()
	ch, ok := a.waiters[r.ID]
	delete(a.waiters, r.ID)
	a.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// Forget drops a waiter without resolving it.
func (a *Acks) Forget(id string) {
	a.mu.Lock()
	delete(a.waiters, id)
	a.mu.Unlock()
}

// Pending returns the number of outstanding waiters.
func (a *Acks) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

// AvatarSubscriber manages subscriptions to per-avatar status and done
// topics. Subscribing the same avatar twice is a no-op.
type AvatarSubscriber struct {
	mu         sync.RWMutex
	transport  Transport
	monitor    *Monitor
	acks       *Acks
	pub        events.Publisher
	subscribed map[string]bool // topic -> subscribed
}

// NewAvatarSubscriber creates a new avatar subscriber.
func NewAvatarSubscriber(t Transport, monitor *Monitor, acks *Acks, pub events.Publisher) *AvatarSubscriber {
	if pub == nil {
		pub = events.Discard{}
	}
	return &AvatarSubscriber{
		transport:  t,
		monitor:    monitor,
		acks:       acks,
		pub:        pub,
		subscribed: make(map[string]bool),
	}
}

// SubscribeAvatar subscribes to an avatar's status and done topics.
func (s *AvatarSubscriber) SubscribeAvatar(id string) error {
	if err := s.subscribe(StatusTopic(id), s.statusHandler(id)); err != nil {
		return err
	}
	return s.subscribe(DoneTopic(id), s.doneHandler(id))
}

// SubscribeAll subscribes to every avatar in the registry.
func (s *AvatarSubscriber) SubscribeAll(registry *AvatarRegistry) {
	for _, a := range registry.All() {
		if err := s.SubscribeAvatar(a.ID); err != nil {
			s.pub.Emit("error", "actor.error", "failed to subscribe to avatar topics", map[string]interface{}{
				"avatar_id": a.ID,
				"error":     err.Error(),
			})
		}
	}
}

func (s *AvatarSubscriber) subscribe(topic string, h Handler) error {
	s.mu.Lock()
	if s.subscribed[topic] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.Subscribe(topic, h); err != nil {
		return err
	}

	s.mu.Lock()
	s.subscribed[topic] = true
	s.mu.Unlock()
	return nil
}

func (s *AvatarSubscriber) statusHandler(id string) Handler {
	return func(_ string, payload []byte) {
		if s.monitor != nil {
			s.monitor.HandleStatus(id, payload)
		}
	}
}

func (s *AvatarSubscriber) doneHandler(id string) Handler {
	return func(topic string, payload []byte) {
		var r DoneReport
		if err := json.Unmarshal(payload, &r); err != nil || r.ID == "" {
			s.pub.Emit("warning", "actor.error", "malformed done report", map[string]interface{}{
				"avatar_id": id,
				"topic":     topic,
			})
			return
		}
		s.acks.Resolve(r)
	}
}

// IsSubscribed returns true if the topic is already subscribed.
func (s *AvatarSubscriber) IsSubscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed[topic]
}

// SubscribedTopics returns a list of all subscribed topics.
func (s *AvatarSubscriber) SubscribedTopics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.subscribed))
	for topic := range s.subscribed {
		topics = append(topics, topic)
	}
	return topics
}
