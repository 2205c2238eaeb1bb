package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryEventBus is an in-process bus used when redis is not configured and
// in tests. Delivery is synchronous on Publish.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscription
	published   map[string][]interface{}
	closed      bool
}

type memorySubscription struct {
	id      string
	topic   string
	handler EventHandler
	bus     *MemoryEventBus
}

func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subscribers: make(map[string][]*memorySubscription),
		published:   make(map[string][]interface{}),
	}
}

func (m *MemoryEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	m.mu.Lock()
	m.published[topic] = append(m.published[topic], event)
	subs := append([]*memorySubscription(nil), m.subscribers[topic]...)
	m.mu.Unlock()

	payload, ok := event.(map[string]interface{})
	if !ok {
		payload = map[string]interface{}{"data": event}
	}
	for _, sub := range subs {
		if err := sub.handler(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	sub := &memorySubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     m,
	}
	m.mu.Lock()
	m.subscribers[topic] = append(m.subscribers[topic], sub)
	m.mu.Unlock()
	return sub, nil
}

func (m *MemoryEventBus) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subscribers = make(map[string][]*memorySubscription)
	m.mu.Unlock()
	return nil
}

// Published returns everything published to a topic, for assertions.
func (m *MemoryEventBus) Published(topic string) []interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]interface{}(nil), m.published[topic]...)
}

func (s *memorySubscription) ID() string    { return s.id }
func (s *memorySubscription) Topic() string { return s.topic }
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscribers[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
