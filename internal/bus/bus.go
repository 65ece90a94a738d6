package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed      = errors.New("bus: closed")
	ErrUnknownNode = errors.New("bus: unknown target node")
)

// Handler receives envelopes addressed to one subscriber. Calls for a single
// subscriber are serialized in publish order.
type Handler func(envelope.Envelope)

type Bus interface {
	// Publish delivers env to TargetNode, or to every subscriber when the
	// target is empty.
	Publish(ctx context.Context, env envelope.Envelope) error
	// Subscribe registers h for nodeID and returns a cancel func.
	Subscribe(nodeID string, h Handler) (cancel func())
	Close() error
}

type mailbox struct {
	node    string
	handler Handler

	mu     sync.Mutex
	queue  []envelope.Envelope
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox(node string, h Handler) *mailbox {
	m := &mailbox{
		node:    node,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(env envelope.Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops accepting envelopes; anything already queued is still delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			<-m.wake
			m.mu.Lock()
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, env := range batch {
			m.deliver(env)
		}
	}
}

func (m *mailbox) deliver(env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("node", m.node).
				Str("envelope", env.String()).
				Interface("panic", r).
				Msg("bus.mailbox.deliver handler panic")
		}
	}()
	m.handler(env)
}
