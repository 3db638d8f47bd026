package cem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

var (
	// ErrDuplicateReception reports a second ReceptionStatus for the same
	// subject message id. The first one is kept.
	ErrDuplicateReception = errors.New("reception status already received for message id")
	// ErrReceptionNotOK reports a ReceptionStatus with a status other than OK
	// when the caller asked to fail on it.
	ErrReceptionNotOK = errors.New("reception status was not OK")
)

// Awaiter correlates outgoing message ids with their incoming
// ReceptionStatus. It imposes no timeout; callers bound waits through the
// context.
type Awaiter struct {
	mu       sync.Mutex
	received map[string]*s2.ReceptionStatus
	awaiting map[string]chan struct{}
}

func NewAwaiter() *Awaiter {
	return &Awaiter{
		received: make(map[string]*s2.ReceptionStatus),
		awaiting: make(map[string]chan struct{}),
	}
}

// WaitFor blocks until the ReceptionStatus for messageID has been received,
// then consumes and returns it.
func (a *Awaiter) WaitFor(ctx context.Context, messageID string) (*s2.ReceptionStatus, error) {
	a.mu.Lock()
	if status, ok := a.received[messageID]; ok {
		delete(a.received, messageID)
		a.mu.Unlock()
		return status, nil
	}
	signal, ok := a.awaiting[messageID]
	if !ok {
		signal = make(chan struct{})
		a.awaiting[messageID] = signal
	}
	a.mu.Unlock()

	select {
	case <-signal:
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.awaiting, messageID)
		a.mu.Unlock()
		return nil, ctx.Err()
	}

	a.mu.Lock()
	status := a.received[messageID]
	delete(a.received, messageID)
	a.mu.Unlock()
	if status == nil {
		return nil, fmt.Errorf("signalled without a stored reception status for %s", messageID)
	}
	return status, nil
}

// Receive stores an incoming ReceptionStatus and wakes any awaiter of its
// subject message id. A second status for the same id is a fault; the first
// one wins.
func (a *Awaiter) Receive(status *s2.ReceptionStatus) error {
	if status.MessageType != "ReceptionStatus" {
		return fmt.Errorf("expected a ReceptionStatus, got %q", status.MessageType)
	}
	id := status.SubjectMessageID

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.received[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReception, id)
	}
	a.received[id] = status
	if signal, ok := a.awaiting[id]; ok {
		close(signal)
		delete(a.awaiting, id)
	}
	return nil
}

// SendAndAwait routes payload from origin and blocks until its
// ReceptionStatus arrives. With raiseOnNonOK set, a non-OK status is returned
// as ErrReceptionNotOK alongside the status itself.
func (a *Awaiter) SendAndAwait(ctx context.Context, rt *router.Router, origin router.Conn, payload json.RawMessage, raiseOnNonOK bool) (*s2.ReceptionStatus, error) {
	messageID := s2.MessageIDOf(payload)
	if messageID == "" {
		return nil, errors.New("payload has no message_id to correlate on")
	}

	rt.RouteFrom(origin, payload)

	status, err := a.WaitFor(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if status.Status != s2.ReceptionOK && raiseOnNonOK {
		return status, fmt.Errorf("%w: %s for message %s", ErrReceptionNotOK, status.Status, messageID)
	}
	return status, nil
}
