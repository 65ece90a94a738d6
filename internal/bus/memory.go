package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/rs/zerolog/log"
)

// MemoryBus routes envelopes between subscribers in one process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*mailbox
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*mailbox)}
}

func (b *MemoryBus) Subscribe(nodeID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || h == nil {
		return func() {}
	}
	m := newMailbox(nodeID, h)
	b.subs[nodeID] = append(b.subs[nodeID], m)
	log.Debug().Str("node", nodeID).Msg("bus.MemoryBus.Subscribe")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(m)
			m.close()
		})
	}
}

func (b *MemoryBus) remove(m *mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[m.node]
	for i, cur := range list {
		if cur == m {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, m.node)
		return
	}
	b.subs[m.node] = list
}

// Publish returns ErrUnknownNode when a targeted envelope has no subscriber.
func (b *MemoryBus) Publish(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if !env.Broadcast() {
		list := b.subs[env.TargetNode]
		if len(list) == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownNode, env.TargetNode)
		}
		for _, m := range list {
			m.push(env)
		}
		return nil
	}
	for _, list := range b.subs {
		for _, m := range list {
			m.push(env)
		}
	}
	return nil
}

// Nodes lists node ids with at least one subscriber.
func (b *MemoryBus) Nodes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for node := range b.subs {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, list := range b.subs {
		for _, m := range list {
			m.close()
		}
	}
	b.subs = make(map[string][]*mailbox)
	return nil
}
