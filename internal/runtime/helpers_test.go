package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/zutils/protocols/internal/runtime/config"
	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
	loggingpkg "github.com/zutils/protocols/internal/runtime/logging"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.Discard()
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	messages  []*message.Message
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, topic)
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]*message.Message, len(p.messages))
	copy(clone, p.messages)
	return clone
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// newTestService builds a Service without ingress on a private Prometheus
// registry. mutate may adjust the default config first.
func newTestService(t *testing.T, mutate func(*configpkg.Config), deps ...ServiceDependencies) *Service {
	t.Helper()

	conf := configpkg.Default()
	conf.ForeignCallTimeout = 2 * time.Second
	if mutate != nil {
		mutate(conf)
	}

	var d ServiceDependencies
	if len(deps) > 0 {
		d = deps[0]
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.NewRegistry()
	}

	svc, err := NewService(context.Background(), conf, newTestLogger(), d)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

// relayModule answers HandleTrusted on its schema with a fixed set of
// follow-ups and records what it received.
type relayModule struct {
	contract.Base

	schema    envelope.Schema
	followUps []envelope.Data
	err       error
	block     chan struct{}
	panicMsg  string

	mu       sync.Mutex
	received []envelope.Data
}

func newRelayModule(schema envelope.Schema, followUps ...envelope.Data) *relayModule {
	return &relayModule{schema: schema, followUps: followUps}
}

func (m *relayModule) GetInfo(context.Context, *envelope.Destination) (*envelope.VecModuleInfo, error) {
	return &envelope.VecModuleInfo{Infos: []envelope.ModuleInfo{{
		Schema:          m.schema,
		DisplayName:     "Relay " + string(m.schema),
		ProtocolVersion: envelope.ProtocolVersion,
	}}}, nil
}

func (m *relayModule) HandleTrusted(ctx context.Context, data *envelope.Data) (*envelope.VecData, error) {
	m.mu.Lock()
	m.received = append(m.received, *data)
	m.mu.Unlock()

	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &envelope.VecData{Items: m.followUps}, nil
}

func (m *relayModule) Received() []envelope.Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make([]envelope.Data, len(m.received))
	copy(clone, m.received)
	return clone
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
