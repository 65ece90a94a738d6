package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/protocol/frame"
	"github.com/danmuck/edgeinstall/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// TCPConfig describes one node's place in the mesh.
type TCPConfig struct {
	NodeID string
	// Listen is where peers dial in; empty disables inbound connections.
	Listen string
	Peers  []string
	Wire   wire.Config
	// Redial applies to each peer address separately.
	Redial RedialPolicy
}

// redialWarnAfter is the failure count at which an unreachable peer is
// logged at warn level once.
const redialWarnAfter = 5

// TCPBus serves the subscribers of a single node and forwards envelopes to
// every connected peer. Peers form a full mesh; envelopes are never relayed.
// Two nodes that dial each other keep both connections and send on the
// older one.
type TCPBus struct {
	cfg   TCPConfig
	local *MemoryBus

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	peers map[string][]*peerConn

	seenMu sync.Mutex
	seen   map[string]time.Time

	msgID  atomic.Uint64
	closed atomic.Bool
}

type peerConn struct {
	id     string
	remote string
	conn   net.Conn
	wmu    sync.Mutex
}

func (p *peerConn) send(raw []byte, timeout time.Duration) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := p.conn.Write(raw)
	return err
}

func NewTCPBus(cfg TCPConfig) (*TCPBus, error) {
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		return nil, errors.New("bus: tcp bus requires a node id")
	}
	if cfg.Wire == (wire.Config{}) {
		cfg.Wire = wire.DefaultConfig()
	}
	if cfg.Redial == (RedialPolicy{}) {
		cfg.Redial = DefaultRedialPolicy()
	}
	return &TCPBus{
		cfg:   cfg,
		local: NewMemoryBus(),
		peers: make(map[string][]*peerConn),
		seen:  make(map[string]time.Time),
	}, nil
}

// Start opens the listener and begins dialing configured peers. It returns
// once the listener is bound.
func (b *TCPBus) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	if addr := strings.TrimSpace(b.cfg.Listen); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			return fmt.Errorf("bus: listen %s: %w", addr, err)
		}
		b.ln = ln
		log.Info().Str("node", b.cfg.NodeID).Str("addr", ln.Addr().String()).Msg("bus.TCPBus.Start listening")
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serve(ctx, ln)
		}()
	}
	for _, addr := range b.cfg.Peers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		addr := addr
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.dialLoop(ctx, addr)
		}()
	}
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (b *TCPBus) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *TCPBus) NodeID() string {
	return b.cfg.NodeID
}

// Peers lists connected peer node ids.
func (b *TCPBus) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.peers))
	for id := range b.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *TCPBus) Subscribe(nodeID string, h Handler) func() {
	return b.local.Subscribe(nodeID, h)
}

func (b *TCPBus) Publish(ctx context.Context, env envelope.Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	b.firstSeen(env)

	if env.TargetNode == b.cfg.NodeID {
		return b.local.Publish(ctx, env)
	}
	var errs []error
	if env.Broadcast() {
		if err := b.local.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}

	targets := b.targets(env)
	if !env.Broadcast() && len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownNode, env.TargetNode)
	}
	if len(targets) == 0 {
		return errors.Join(errs...)
	}
	raw, err := wire.Encode(b.msgID.Add(1), env)
	if err != nil {
		return err
	}
	for _, p := range targets {
		if err := p.send(raw, b.cfg.Wire.WriteTimeout); err != nil {
			log.Warn().Err(err).Str("peer", p.id).Str("envelope", env.String()).Msg("bus.TCPBus.Publish send failed")
			_ = p.conn.Close()
			errs = append(errs, fmt.Errorf("bus: send to %s: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (b *TCPBus) targets(env envelope.Envelope) []*peerConn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !env.Broadcast() {
		if conns := b.peers[env.TargetNode]; len(conns) > 0 {
			return conns[:1]
		}
		return nil
	}
	out := make([]*peerConn, 0, len(b.peers))
	for _, conns := range b.peers {
		out = append(out, conns[0])
	}
	return out
}

func (b *TCPBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.ln != nil {
		_ = b.ln.Close()
	}
	b.mu.Lock()
	for _, conns := range b.peers {
		for _, p := range conns {
			_ = p.conn.Close()
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
	return b.local.Close()
}

func (b *TCPBus) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("bus.TCPBus.serve accept")
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleInbound(ctx, conn)
		}()
	}
}

func (b *TCPBus) handleInbound(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(b.cfg.Wire.HandshakeTimeout))
	hello, err := wire.ReadHello(reader)
	if err != nil {
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("bus.TCPBus.handleInbound hello")
		return
	}
	ack := wire.HelloAck{NodeID: b.cfg.NodeID, Accepted: true}
	if hello.NodeID == b.cfg.NodeID {
		ack.Accepted = false
		ack.Message = "node id matches acceptor"
		_ = wire.WriteHelloAck(conn, ack)
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("bus.TCPBus.handleInbound rejected self")
		return
	}
	if err := wire.WriteHelloAck(conn, ack); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})
	b.session(ctx, hello.NodeID, conn, reader)
}

func (b *TCPBus) dialLoop(ctx context.Context, addr string) {
	r := newRedialer(b.cfg.Redial, time.Now().UnixNano())
	for ctx.Err() == nil {
		connected, err := b.dialOnce(ctx, addr)
		delay := r.next(connected)
		if err != nil {
			ev := log.Debug()
			if r.failures == redialWarnAfter {
				ev = log.Warn()
			}
			ev.Err(err).Str("addr", addr).Int("failures", r.failures).Dur("retry_in", delay).Msg("bus.TCPBus.dialLoop")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// dialOnce runs one outbound session and reports whether the handshake succeeded.
func (b *TCPBus) dialOnce(ctx context.Context, addr string) (bool, error) {
	dialer := net.Dialer{Timeout: b.cfg.Wire.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(b.cfg.Wire.HandshakeTimeout))
	if err := wire.WriteHello(conn, wire.Hello{NodeID: b.cfg.NodeID, Listen: b.cfg.Listen}); err != nil {
		return false, err
	}
	ack, err := wire.ReadHelloAck(reader)
	if err != nil {
		return false, err
	}
	if ack.NodeID == b.cfg.NodeID {
		return false, fmt.Errorf("bus: dialed self at %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})
	b.session(ctx, ack.NodeID, conn, reader)
	return true, nil
}

func (b *TCPBus) session(ctx context.Context, id string, conn net.Conn, reader *bufio.Reader) {
	p := &peerConn{id: id, remote: conn.RemoteAddr().String(), conn: conn}
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return
	}
	b.peers[id] = append(b.peers[id], p)
	b.mu.Unlock()
	log.Info().Str("node", b.cfg.NodeID).Str("peer", id).Str("remote", p.remote).Msg("bus.TCPBus peer connected")
	defer func() {
		b.mu.Lock()
		conns := b.peers[id]
		for i, cur := range conns {
			if cur == p {
				conns = append(conns[:i:i], conns[i+1:]...)
				break
			}
		}
		if len(conns) == 0 {
			delete(b.peers, id)
		} else {
			b.peers[id] = conns
		}
		b.mu.Unlock()
		log.Info().Str("node", b.cfg.NodeID).Str("peer", id).Msg("bus.TCPBus peer disconnected")
	}()

	for {
		env, err := wire.ReadEnvelope(reader, frame.DefaultLimits())
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("peer", id).Msg("bus.TCPBus.session read")
			}
			return
		}
		if !env.For(b.cfg.NodeID) || !b.firstSeen(env) {
			continue
		}
		if err := b.local.Publish(ctx, env); err != nil {
			log.Warn().Err(err).Str("envelope", env.String()).Msg("bus.TCPBus.session local delivery")
		}
	}
}

// firstSeen records env and reports whether it had not been seen within SeenTTL.
func (b *TCPBus) firstSeen(env envelope.Envelope) bool {
	key := env.SourceNode + "|" + env.CorrelationID + "|" + string(env.Payload.Kind())
	now := time.Now()
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if at, ok := b.seen[key]; ok && now.Sub(at) < b.cfg.Wire.SeenTTL {
		return false
	}
	b.seen[key] = now
	if len(b.seen) > 4096 {
		for k, at := range b.seen {
			if now.Sub(at) >= b.cfg.Wire.SeenTTL {
				delete(b.seen, k)
			}
		}
	}
	return true
}
