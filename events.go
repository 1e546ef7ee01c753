package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// MessageSkipWaiting asks a waiting worker to activate immediately.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a command sent to the worker by a controlling page.
type Message struct {
	Type string `json:"type"`
}

// Message handles a control message. SKIP_WAITING records the request and, when the
// worker is already waiting, promotes it to activating right away. A worker that is not
// yet installed, or was already promoted, keeps the request recorded and reports success.
func (m *Manager) Message(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		m.mu.Lock()
		m.skipWaiting = true
		hook := m.onSkipWaiting
		state := m.state
		m.mu.Unlock()

		m.log.Info("Skip waiting requested", slog.String("state", state.String()))
		if hook != nil {
			hook(ctx, m)
			return nil
		}
		_, err := m.Activate(ctx, nil)
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (m *Manager) setSkipWaitingHook(hook func(ctx context.Context, m *Manager)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSkipWaiting = hook
}

// EventKind enumerates the lifecycle events a worker handles.
type EventKind int

const (
	EventInstall EventKind = iota + 1
	EventActivate
	EventFetch
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the input to Dispatch. Request is used by fetch, Message by message and
// Clients (optional) by activate.
type Event struct {
	Kind    EventKind
	Request *http.Request
	Message Message
	Clients *Clients
}

// eventHandler maps an event to a response (fetch) or to nothing (every other kind).
type eventHandler func(ctx context.Context, m *Manager, ev Event) (*http.Response, error)

var eventHandlers = map[EventKind]eventHandler{
	EventInstall: func(ctx context.Context, m *Manager, _ Event) (*http.Response, error) {
		return nil, m.Install(ctx)
	},
	EventActivate: func(ctx context.Context, m *Manager, ev Event) (*http.Response, error) {
		_, err := m.Activate(ctx, ev.Clients)
		return nil, err
	},
	EventFetch: func(ctx context.Context, m *Manager, ev Event) (*http.Response, error) {
		if ev.Request == nil {
			return nil, errors.New("fetch event without request")
		}
		return m.Fetch(ev.Request.WithContext(ctx))
	},
	EventMessage: func(ctx context.Context, m *Manager, ev Event) (*http.Response, error) {
		return nil, m.Message(ctx, ev.Message)
	},
}

// Dispatch routes a lifecycle event to its single handler.
func (m *Manager) Dispatch(ctx context.Context, ev Event) (*http.Response, error) {
	handler, ok := eventHandlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
	return handler(ctx, m, ev)
}
