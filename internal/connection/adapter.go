package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

var (
	// ErrClosed reports a graceful close of the underlying transport.
	ErrClosed = errors.New("connection closed")
	// ErrProtocol reports a framing violation on the underlying transport.
	ErrProtocol = errors.New("websocket protocol error")
)

// Adapter is the uniform send/receive/close contract over a websocket,
// regardless of whether it was server-accepted or client-dialed. It is the
// only place that knows the underlying library; callers see ErrClosed,
// ErrProtocol or a wrapped transport error.
type Adapter interface {
	// Receive blocks until the next text frame arrives.
	Receive() (string, error)
	// Send writes one text frame.
	Send(text string) error
	// Close closes the transport. Idempotent.
	Close(code int, reason string) error
	// IsOpen reports whether Close has been called.
	IsOpen() bool
}

type wsAdapter struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewWSAdapter wraps a gorilla websocket connection. The same adapter serves
// inbound-accepted and outbound-dialed sockets.
func NewWSAdapter(conn *websocket.Conn) Adapter {
	return &wsAdapter{conn: conn}
}

func (a *wsAdapter) Receive() (string, error) {
	msgType, data, err := a.conn.ReadMessage()
	if err != nil {
		return "", a.mapError(err, "receive")
	}

	switch msgType {
	case websocket.TextMessage:
		return string(data), nil
	case websocket.BinaryMessage:
		// Bytes frames carrying valid UTF-8 are treated as text.
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: binary frame is not valid UTF-8", ErrProtocol)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: unexpected frame type %d", ErrProtocol, msgType)
	}
}

func (a *wsAdapter) Send(text string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return a.mapError(err, "send")
	}
	return nil
}

func (a *wsAdapter) Close(code int, reason string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.writeMu.Lock()
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), closeDeadline())
	a.writeMu.Unlock()
	return a.conn.Close()
}

func (a *wsAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

func (a *wsAdapter) mapError(err error, op string) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return ErrClosed
		default:
			return fmt.Errorf("%w: close code %d: %s", ErrProtocol, closeErr.Code, closeErr.Text)
		}
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrClosed
	}
	return fmt.Errorf("websocket %s: %w", op, err)
}
