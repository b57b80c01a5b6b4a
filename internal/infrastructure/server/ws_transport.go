package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultInboundQueue = 64
	maxFrameSize        = 64 * 1024
)

// wsTransport adapts a gorilla WebSocket connection to domain.Transport.
// A single read pump owns all reads; writes are serialized by writeMu.
type wsTransport struct {
	id           string
	conn         *websocket.Conn
	logger       *logging.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	open   bool
	onPong func()

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSTransport wraps conn and starts its read pump.
func NewWSTransport(conn *websocket.Conn, logger *logging.Logger, writeTimeout time.Duration) domain.Transport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	t := &wsTransport{
		id:           uuid.New().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
		open:         true,
		inbound:      make(chan []byte, defaultInboundQueue),
		done:         make(chan struct{}),
	}
	t.logger = logger.With(logging.Fields{"transport": t.id, "remote": conn.RemoteAddr().String()})

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		fn := t.onPong
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})

	go t.readPump()
	return t
}

// ID returns the transport ID.
func (t *wsTransport) ID() string {
	return t.id
}

func (t *wsTransport) readPump() {
	defer close(t.inbound)
	defer t.shutdown()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && t.IsOpen() {
				t.logger.Debug("read failed", logging.Fields{"error": err})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case t.inbound <- data:
		default:
			t.logger.Warn("dropping inbound frame", logging.Fields{"error": ErrInboundQueueFull})
		}
	}
}

// shutdown marks the transport closed and releases readers exactly once.
func (t *wsTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()
		_ = t.conn.Close()
		close(t.done)
	})
}

// Send writes a text frame.
func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	return t.write(ctx, func(deadline time.Time) error {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return t.conn.WriteMessage(websocket.TextMessage, payload)
	})
}

// Ping sends a ping control frame.
func (t *wsTransport) Ping(ctx context.Context) error {
	return t.write(ctx, func(deadline time.Time) error {
		return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
	})
}

func (t *wsTransport) write(ctx context.Context, fn func(deadline time.Time) error) error {
	if !t.IsOpen() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := fn(deadline); err != nil {
		return domain.NewTransportError("write failed", err)
	}
	return nil
}

// OnPong registers the acknowledgment callback.
func (t *wsTransport) OnPong(fn func()) {
	t.mu.Lock()
	t.onPong = fn
	t.mu.Unlock()
}

// Messages returns inbound text frames. The read pump closes the channel on exit.
func (t *wsTransport) Messages() <-chan []byte {
	return t.inbound
}

// Done is closed once the transport shuts down.
func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

// IsOpen reports whether the transport is usable.
func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Close sends a close frame and releases the connection.
func (t *wsTransport) Close(code int, reason string) error {
	if !t.IsOpen() {
		return nil
	}

	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeTimeout))
	t.writeMu.Unlock()

	t.shutdown()
	if err != nil && err != websocket.ErrCloseSent {
		return domain.NewTransportError("close failed", err)
	}
	return nil
}

// Terminate drops the connection without a closing handshake.
func (t *wsTransport) Terminate() error {
	t.shutdown()
	return nil
}
