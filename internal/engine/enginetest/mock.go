// Package enginetest provides a scriptable in-memory Engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/callisto-rtc/callisto/internal/engine"
)

// Mock implements engine.Engine with deterministic ids, per-call failure
// injection and call recording. The zero value is not usable; use New.
type Mock struct {
	mu sync.Mutex

	// Failure injection. Set before exercising the code under test.
	CreateRouterErr    error
	CreateTransportErr error
	ConnectErr         error
	ProduceErr         error
	ConsumeErr         error
	ResumeErr          error

	// CanConsumeFunc overrides the default always-true capability check.
	CanConsumeFunc func(producerID string, rtpCapabilities json.RawMessage) bool

	// Hooks run during the corresponding call, outside any room lock, so
	// tests can interleave other operations mid-call.
	ProduceHook         func()
	CreateTransportHook func()
	ConsumeHook         func()

	events chan engine.Event

	seq               int
	CreateRouterCalls int
	CanConsumeCalls   int

	Routers    map[string]string // router id -> room id
	Transports map[string]engine.Direction
	Producers  map[string]engine.MediaKind
	Consumers  map[string]string // consumer id -> producer id

	ClosedRouters    []string
	ClosedTransports []string
	ClosedProducers  []string
	ClosedConsumers  []string
	Resumed          []string
}

func New() *Mock {
	return &Mock{
		events:     make(chan engine.Event, 16),
		Routers:    make(map[string]string),
		Transports: make(map[string]engine.Direction),
		Producers:  make(map[string]engine.MediaKind),
		Consumers:  make(map[string]string),
	}
}

func (m *Mock) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *Mock) CreateRouter(ctx context.Context, roomID string) (*engine.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateRouterCalls++
	if m.CreateRouterErr != nil {
		return nil, m.CreateRouterErr
	}
	id := m.nextID("router")
	m.Routers[id] = roomID
	return &engine.Router{ID: id, RTPCapabilities: json.RawMessage(`{"codecs":[]}`)}, nil
}

func (m *Mock) CreateTransport(ctx context.Context, router *engine.Router, direction engine.Direction) (*engine.TransportInfo, error) {
	if hook := m.hook(&m.CreateTransportHook); hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateTransportErr != nil {
		return nil, m.CreateTransportErr
	}
	id := m.nextID("transport")
	m.Transports[id] = direction
	return &engine.TransportInfo{
		ID:             id,
		DTLSParameters: json.RawMessage(`{"role":"auto","fingerprints":[]}`),
	}, nil
}

func (m *Mock) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	if _, ok := m.Transports[transportID]; !ok {
		return fmt.Errorf("unknown transport %q", transportID)
	}
	return nil
}

func (m *Mock) Produce(ctx context.Context, transportID string, kind engine.MediaKind, rtpParameters json.RawMessage) (string, error) {
	if hook := m.hook(&m.ProduceHook); hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProduceErr != nil {
		return "", m.ProduceErr
	}
	id := m.nextID("producer")
	m.Producers[id] = kind
	return id, nil
}

func (m *Mock) CanConsume(ctx context.Context, router *engine.Router, producerID string, rtpCapabilities json.RawMessage) bool {
	m.mu.Lock()
	m.CanConsumeCalls++
	fn := m.CanConsumeFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(producerID, rtpCapabilities)
	}
	return true
}

func (m *Mock) Consume(ctx context.Context, transportID string, producerID string, rtpCapabilities json.RawMessage) (*engine.ConsumerInfo, error) {
	if hook := m.hook(&m.ConsumeHook); hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	kind, ok := m.Producers[producerID]
	if !ok {
		kind = engine.MediaKindVideo
	}
	id := m.nextID("consumer")
	m.Consumers[id] = producerID
	return &engine.ConsumerInfo{
		ID:            id,
		ProducerID:    producerID,
		Kind:          kind,
		RTPParameters: json.RawMessage(`{"codecs":[]}`),
	}, nil
}

func (m *Mock) ResumeConsumer(ctx context.Context, consumerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResumeErr != nil {
		return m.ResumeErr
	}
	m.Resumed = append(m.Resumed, consumerID)
	return nil
}

func (m *Mock) CloseRouter(routerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Routers, routerID)
	m.ClosedRouters = append(m.ClosedRouters, routerID)
}

func (m *Mock) CloseTransport(transportID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Transports, transportID)
	m.ClosedTransports = append(m.ClosedTransports, transportID)
}

func (m *Mock) CloseProducer(producerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Producers, producerID)
	m.ClosedProducers = append(m.ClosedProducers, producerID)
}

func (m *Mock) CloseConsumer(consumerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Consumers, consumerID)
	m.ClosedConsumers = append(m.ClosedConsumers, consumerID)
}

func (m *Mock) Events() <-chan engine.Event {
	return m.events
}

// Emit injects an engine event, as if the engine reported it.
func (m *Mock) Emit(ev engine.Event) {
	m.events <- ev
}

// Close closes the event channel.
func (m *Mock) Close() {
	close(m.events)
}

// hook reads a hook field under the lock so tests can set hooks without
// racing the engine calls.
func (m *Mock) hook(field *func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}
