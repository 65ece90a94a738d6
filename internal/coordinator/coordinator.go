package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/rs/zerolog/log"
)

// Publisher sends envelopes to the fleet.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// Resolver is the resolver surface a coordinator needs: finding candidate
// behaviours for a round and resolving what a bid would install.
type Resolver interface {
	installer.Resolver
	FindBehaviours(ctx context.Context, indexes []string, ldapFilter string) ([]resolver.Behaviour, error)
}

// Installer accepts install requests for this node.
type Installer interface {
	Submit(req installer.Request, sink installer.Sink) *installer.Pending
}

type Config struct {
	NodeID  string
	Indexes []string
	// Tick is the aggregation period.
	Tick time.Duration
	// BidWindow is how long a zero bid waits for a better one.
	BidWindow time.Duration
	// NoBidTimeout closes a round nobody bid on.
	NoBidTimeout time.Duration
	// InstallTimeout fails a round whose winner never reports back.
	InstallTimeout time.Duration
	StopTimeout    time.Duration
	// Now is the clock used for bids and the blacklist.
	Now func() time.Time
	// Replay re-publishes an event held back during a round.
	Replay func(envelope.Event)
	// OnRound observes every round outcome.
	OnRound func(identity string, outcome Outcome)
}

func DefaultConfig() Config {
	return Config{
		Tick:           time.Second,
		BidWindow:      time.Second,
		NoBidTimeout:   10 * time.Second,
		InstallTimeout: 5 * time.Minute,
		StopTimeout:    2 * time.Second,
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.BidWindow <= 0 {
		c.BidWindow = def.BidWindow
	}
	if c.NoBidTimeout <= 0 {
		c.NoBidTimeout = def.NoBidTimeout
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = def.InstallTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// job is one unit of worker input: an inbound request envelope or a
// freshly opened round that still needs its candidate.
type job struct {
	env     envelope.Envelope
	trigger string
}

// Coordinator runs bid rounds for one node.
type Coordinator struct {
	cfg       Config
	bus       Publisher
	host      modhost.Host
	resolver  Resolver
	installer Installer
	state     *state

	cfgMu   sync.RWMutex
	indexes []string

	mu       sync.Mutex
	queue    []job
	running  bool
	stopping bool
	wake     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

func New(bus Publisher, host modhost.Host, r Resolver, inst Installer, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		bus:       bus,
		host:      host,
		resolver:  r,
		installer: inst,
		state:     newState(),
		indexes:   append([]string(nil), cfg.Indexes...),
		wake:      make(chan struct{}, 1),
	}
}

func (c *Coordinator) NodeID() string {
	return c.cfg.NodeID
}

// Start launches the worker and the aggregation ticker.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			log.Error().Msg("coordinator.Coordinator.Start previous worker still running")
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.stopping = false
	c.cancel = cancel
	c.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.ticker(ctx)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(c.done)
	c.signal()
	log.Info().Str("node", c.cfg.NodeID).Dur("tick", c.cfg.Tick).Msg("coordinator.Coordinator.Start")
}

// Stop ends the ticker, lets the worker finish its current job, and waits
// up to StopTimeout. Queued requests from other nodes are answered with
// FAIL; queued round openings are dropped.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		queued := c.queue
		c.queue = nil
		c.stopping = true
		c.mu.Unlock()
		c.failQueued(queued)
		return nil
	}
	c.stopping = true
	done := c.done
	cancel := c.cancel
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	cancel()
	c.signal()
	dropped := c.failQueued(queued)

	var err error
	select {
	case <-done:
	case <-time.After(c.cfg.StopTimeout):
		log.Error().Dur("timeout", c.cfg.StopTimeout).Msg("coordinator.Coordinator.Stop worker stuck")
		err = fmt.Errorf("coordinator: worker did not stop within %s", c.cfg.StopTimeout)
	}
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	log.Info().Int("answered", len(queued)-dropped).Int("dropped", dropped).Msg("coordinator.Coordinator.Stop")
	return err
}

// failQueued answers every queued bid request and install command with FAIL
// and returns how many jobs needed no answer.
func (c *Coordinator) failQueued(jobs []job) int {
	dropped := 0
	for _, j := range jobs {
		var id string
		switch p := j.env.Payload.(type) {
		case envelope.BidRequest:
			id = p.RequestIdentity
		case envelope.InstallCommand:
			id = p.RequestIdentity
		default:
			dropped++
			continue
		}
		c.reply(j.env, envelope.BidResponse{
			RequestIdentity: id,
			Code:            envelope.BidFail,
			Message:         ErrStopped.Error(),
		})
	}
	return dropped
}

// Reconfigure replaces the indexes used for candidates, bids, and installs.
func (c *Coordinator) Reconfigure(indexes []string) {
	c.cfgMu.Lock()
	c.indexes = append([]string(nil), indexes...)
	c.cfgMu.Unlock()
	log.Info().Strs("indexes", indexes).Msg("coordinator.Coordinator.Reconfigure")
}

func (c *Coordinator) currentIndexes() []string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return append([]string(nil), c.indexes...)
}

// HandleEnvelope is the bus entry point. Bid and install requests go to the
// worker; bid responses are applied on the calling goroutine.
func (c *Coordinator) HandleEnvelope(env envelope.Envelope) {
	if !env.For(c.cfg.NodeID) {
		return
	}
	switch p := env.Payload.(type) {
	case envelope.BidRequest, envelope.InstallCommand:
		c.enqueue(job{env: env})
	case envelope.BidResponse:
		c.handleBidResponse(env, p)
	case envelope.Alert:
		if env.SourceNode == c.cfg.NodeID {
			return
		}
		log.Warn().
			Str("from", env.SourceNode).
			Str("type", string(p.Type)).
			Str("identity", p.RequestIdentity).
			Str("message", p.Message).
			Msg("coordinator.Coordinator alert")
	}
}

func (c *Coordinator) enqueue(j job) {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		log.Debug().Msg("coordinator.Coordinator.enqueue dropped after stop")
		return
	}
	c.queue = append(c.queue, j)
	c.mu.Unlock()
	c.signal()
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.stopping {
			c.mu.Unlock()
			<-c.wake
			c.mu.Lock()
		}
		if c.stopping {
			c.mu.Unlock()
			return
		}
		j := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.process(ctx, j)
	}
}

func (c *Coordinator) process(ctx context.Context, j job) {
	if j.trigger != "" {
		c.openRound(ctx, j.trigger)
		return
	}
	switch p := j.env.Payload.(type) {
	case envelope.BidRequest:
		c.handleBidRequest(ctx, j.env, p)
	case envelope.InstallCommand:
		c.handleInstallCommand(ctx, j.env, p)
	}
}

func (c *Coordinator) ticker(ctx context.Context) {
	t := time.NewTicker(c.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick()
		}
	}
}

func (c *Coordinator) send(target string, p envelope.Payload) {
	env := envelope.New(c.cfg.NodeID, target, p)
	if err := c.bus.Publish(context.Background(), env); err != nil {
		log.Warn().Err(err).Str("envelope", env.String()).Msg("coordinator.Coordinator.send failed")
	}
}

func (c *Coordinator) reply(to envelope.Envelope, p envelope.Payload) {
	env := to.Reply(c.cfg.NodeID, p)
	if err := c.bus.Publish(context.Background(), env); err != nil {
		log.Warn().Err(err).Str("envelope", env.String()).Msg("coordinator.Coordinator.reply failed")
	}
}

func (c *Coordinator) alert(t envelope.AlertType, identity, message string) {
	log.Warn().Str("type", string(t)).Str("identity", identity).Str("message", message).Msg("coordinator.Coordinator.alert")
	c.send("", envelope.Alert{Type: t, RequestIdentity: identity, Message: message})
}

func (c *Coordinator) outcome(identity string, o Outcome) {
	if c.cfg.OnRound != nil {
		c.cfg.OnRound(identity, o)
	}
}

// Uninstalled forgets blacklist entries for rounds whose sponsor was
// removed, so the next unconsumed event starts a fresh round.
func (c *Coordinator) Uninstalled(sponsors []sponsor.Sponsor) {
	for _, id := range c.state.forgetSponsors(sponsors) {
		log.Info().Str("identity", id).Msg("coordinator.Coordinator.Uninstalled blacklist entry removed")
	}
}
