// Package testutil provides in-memory doubles shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
)

// ErrMockClosed is returned by MockTransport writes after it has been closed.
var ErrMockClosed = errors.New("mock transport closed")

// MockTransport implements domain.Transport in memory.
type MockTransport struct {
	SendFunc func(ctx context.Context, payload []byte) error
	PingFunc func(ctx context.Context) error

	id      string
	mu      sync.Mutex
	sent    [][]byte
	pings   int
	open    bool
	code    int
	reason  string
	killed  bool
	onPong  func()
	inbound chan []byte
	done    chan struct{}
	sentCh  chan []byte
	once    sync.Once
}

// NewMockTransport creates an open mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		id:      "mock-" + uuid.NewString(),
		open:    true,
		inbound: make(chan []byte, 100),
		done:    make(chan struct{}),
		sentCh:  make(chan []byte, 100),
	}
}

// ID implements Transport.ID
func (m *MockTransport) ID() string {
	return m.id
}

// Send implements Transport.Send
func (m *MockTransport) Send(ctx context.Context, payload []byte) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, payload); err != nil {
			return err
		}
	}
	if !m.IsOpen() {
		return ErrMockClosed
	}

	m.mu.Lock()
	m.sent = append(m.sent, payload)
	m.mu.Unlock()

	select {
	case m.sentCh <- payload:
	default:
	}
	return nil
}

// Ping implements Transport.Ping
func (m *MockTransport) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		if err := m.PingFunc(ctx); err != nil {
			return err
		}
	}
	if !m.IsOpen() {
		return ErrMockClosed
	}
	m.mu.Lock()
	m.pings++
	m.mu.Unlock()
	return nil
}

// OnPong implements Transport.OnPong
func (m *MockTransport) OnPong(fn func()) {
	m.mu.Lock()
	m.onPong = fn
	m.mu.Unlock()
}

// Pong simulates a probe acknowledgment from the peer.
func (m *MockTransport) Pong() {
	m.mu.Lock()
	fn := m.onPong
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Messages implements Transport.Messages
func (m *MockTransport) Messages() <-chan []byte {
	return m.inbound
}

// Done implements Transport.Done
func (m *MockTransport) Done() <-chan struct{} {
	return m.done
}

// IsOpen implements Transport.IsOpen
func (m *MockTransport) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Close implements Transport.Close
func (m *MockTransport) Close(code int, reason string) error {
	m.mu.Lock()
	if m.open {
		m.code = code
		m.reason = reason
	}
	m.mu.Unlock()
	m.shutdown()
	return nil
}

// Terminate implements Transport.Terminate
func (m *MockTransport) Terminate() error {
	m.mu.Lock()
	if m.open {
		m.killed = true
	}
	m.mu.Unlock()
	m.shutdown()
	return nil
}

// Deliver queues an inbound frame as if the peer had sent it.
func (m *MockTransport) Deliver(frame string) {
	m.inbound <- []byte(frame)
}

// Disconnect simulates the peer going away.
func (m *MockTransport) Disconnect() {
	m.shutdown()
}

func (m *MockTransport) shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.open = false
		m.mu.Unlock()
		close(m.done)
	})
}

// Sent returns a copy of every frame written so far.
func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, p := range m.sent {
		out[i] = string(p)
	}
	return out
}

// WaitForSend blocks until a frame is written or the timeout expires.
func (m *MockTransport) WaitForSend(timeout time.Duration) (string, bool) {
	select {
	case p := <-m.sentCh:
		return string(p), true
	case <-time.After(timeout):
		return "", false
	}
}

// Pings returns the number of probes sent.
func (m *MockTransport) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// CloseCode returns the code passed to Close, or zero.
func (m *MockTransport) CloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// Terminated reports whether the transport was dropped via Terminate.
func (m *MockTransport) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killed
}

var _ domain.Transport = (*MockTransport)(nil)
