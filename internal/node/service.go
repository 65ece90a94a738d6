package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/edgeinstall/internal/admin"
	"github.com/danmuck/edgeinstall/internal/bus"
	"github.com/danmuck/edgeinstall/internal/content"
	"github.com/danmuck/edgeinstall/internal/coordinator"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/observability"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/rs/zerolog/log"
)

var ErrNotStarted = errors.New("node: not started")

// ContentSource serves both index documents and artifact content.
type ContentSource interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	ReadAll(ctx context.Context, location string) ([]byte, error)
}

type Option func(*Service)

// WithBus attaches the node to a bus the caller owns. Stop leaves it open.
func WithBus(b bus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithHost replaces the module host chosen from Config.DataDir.
func WithHost(h modhost.Host) Option {
	return func(s *Service) { s.host = h }
}

// WithContent replaces the content fetcher built from Config.
func WithContent(c ContentSource) Option {
	return func(s *Service) { s.content = c }
}

// Service runs one node.
type Service struct {
	// lifecycle serializes Start, Stop, and Reconfigure. mu guards fields;
	// Stop releases it before waiting on workers that read them.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	cfg       Config

	host     modhost.Host
	content  ContentSource
	fetcher  *content.Fetcher
	resolver *resolver.Resolver
	registry *sponsor.Registry
	orch     *installer.Orchestrator
	bus      bus.Bus
	// coord is read by installer and bus callbacks without the lock.
	coord atomic.Pointer[coordinator.Coordinator]

	// owned lists what Start created and Stop must forget.
	owned       []func()
	closers     []func() error
	unsubscribe func()
	cancel      context.CancelFunc
	adminErr    chan error
	ready       atomic.Bool
}

func NewService(opts ...Option) *Service {
	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start brings the node up in dependency order: host, registry
// reconciliation, content and resolver, installer, coordinator, bus
// subscription, eager installs, then the admin API.
func (s *Service) Start(ctx context.Context, cfg Config) error {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orch != nil {
		return fmt.Errorf("node: %s already started", s.cfg.NodeID)
	}
	s.cfg = cfg
	observability.RegisterMetrics()

	if err := s.startHost(ctx); err != nil {
		s.abort()
		return err
	}
	if s.content == nil {
		f, err := content.NewFetcher(cfg.CacheDir, cfg.HTTP)
		if err != nil {
			s.abort()
			return err
		}
		s.fetcher = f
		s.content = f
		s.owned = append(s.owned, func() { s.fetcher, s.content = nil, nil })
	}
	s.registry = sponsor.NewRegistry(s.host, s.content)
	foreign, err := s.registry.Reconcile(ctx)
	if err != nil {
		s.abort()
		return fmt.Errorf("node: reconcile: %w", err)
	}
	s.resolver = resolver.New(s.content)

	id := cfg.NodeID
	s.orch = installer.New(s.host, s.registry, s.resolver, installer.Config{
		OnFatal: func(err error) {
			log.Error().Err(err).Str("node", id).Msg("node.Service installer degraded")
		},
		OnUninstalled: func(sponsors []sponsor.Sponsor) {
			if c := s.coord.Load(); c != nil {
				c.Uninstalled(sponsors)
			}
		},
		OnResponse: func(req installer.Request, resp installer.Response, took time.Duration) {
			observability.RecordInstallRequest(id, string(req.Action), string(resp.Code), took)
		},
		OnRollback: func(err error) {
			observability.RecordRollback(id, err)
		},
	})

	if err := s.startBus(ctx); err != nil {
		s.orch = nil
		s.abort()
		return err
	}
	var coord *coordinator.Coordinator
	coord = coordinator.New(s.bus, s.host, s.resolver, s.orch, coordinator.Config{
		NodeID:       id,
		Indexes:      cfg.Indexes,
		BidWindow:    cfg.BidWindow,
		NoBidTimeout: cfg.NoBidTimeout,
		Replay:       s.replay,
		OnRound: func(_ string, o coordinator.Outcome) {
			observability.RecordBidRound(id, string(o))
			observability.SetBlacklistEntries(id, coord.BlacklistLen())
		},
	})
	s.coord.Store(coord)
	s.orch.Start()
	coord.Start()
	s.unsubscribe = s.bus.Subscribe(id, s.handle)

	eagerInstall(ctx, s.host, s.orch, cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if cfg.AdminListen != "" {
		srv := admin.New(admin.Config{Listen: cfg.AdminListen, CORSOrigins: cfg.CORSOrigins}, admin.Deps{
			Node:        s,
			Installer:   s.orch,
			Coordinator: coord,
		})
		s.adminErr = make(chan error, 1)
		go func() {
			err := srv.ListenAndServe(runCtx)
			if err != nil {
				log.Error().Err(err).Str("listen", cfg.AdminListen).Msg("node.Service admin server")
			}
			s.adminErr <- err
		}()
	}
	s.ready.Store(true)
	log.Info().
		Str("node", id).
		Int("foreign_units", foreign).
		Strs("indexes", cfg.Indexes).
		Str("admin", cfg.AdminListen).
		Msg("node.Service.Start ready")
	return nil
}

func (s *Service) startHost(ctx context.Context) error {
	if s.host != nil {
		return nil
	}
	s.owned = append(s.owned, func() { s.host = nil })
	if s.cfg.DataDir == "" {
		s.host = modhost.NewMemoryHost()
		return nil
	}
	h, err := modhost.OpenSQLiteHost(s.cfg.DataDir)
	if err != nil {
		s.host = nil
		return err
	}
	s.host = h
	s.closers = append(s.closers, h.Close)
	return nil
}

// startBus uses the injected bus, a TCP mesh when listen or peer addresses
// are configured, or a private in-memory bus.
func (s *Service) startBus(ctx context.Context) error {
	if s.bus != nil {
		return nil
	}
	if s.cfg.BusListen == "" && len(s.cfg.BusPeers) == 0 {
		b := bus.NewMemoryBus()
		s.bus = b
		s.closers = append(s.closers, b.Close)
		s.owned = append(s.owned, func() { s.bus = nil })
		return nil
	}
	b, err := bus.NewTCPBus(bus.TCPConfig{
		NodeID: s.cfg.NodeID,
		Listen: s.cfg.BusListen,
		Peers:  s.cfg.BusPeers,
	})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	s.bus = b
	s.closers = append(s.closers, b.Close)
	s.owned = append(s.owned, func() { s.bus = nil })
	return nil
}

// Stop reverses Start. Requests still queued on the installer are answered
// with FAIL.
func (s *Service) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.orch == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.ready.Store(false)
	orch, coord := s.orch, s.coord.Load()
	cancel, adminErr, unsubscribe := s.cancel, s.adminErr, s.unsubscribe
	id := s.cfg.NodeID
	s.cancel, s.adminErr, s.unsubscribe = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if adminErr != nil {
		if err := <-adminErr; err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if err := coord.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := orch.Stop(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	s.orch = nil
	s.coord.Store(nil)
	s.mu.Unlock()
	log.Info().Str("node", id).Msg("node.Service.Stop")
	return errors.Join(errs...)
}

// abort undoes a partial Start.
func (s *Service) abort() {
	if err := s.closeAll(); err != nil {
		log.Warn().Err(err).Msg("node.Service.Start cleanup")
	}
}

// closeAll closes what Start opened, newest first, and forgets the
// components Start created so the next Start builds fresh ones.
func (s *Service) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	for _, forget := range s.owned {
		forget()
	}
	s.closers, s.owned = nil, nil
	return errors.Join(errs...)
}

// Reconfigure applies indexes, HTTP settings, and new eager installs
// without a restart. Identity and listen addresses need one.
func (s *Service) Reconfigure(cfg Config) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	if s.orch == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	cfg.NodeID = s.cfg.NodeID
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	if cfg.AdminListen != s.cfg.AdminListen || cfg.BusListen != s.cfg.BusListen ||
		!slices.Equal(cfg.BusPeers, s.cfg.BusPeers) || cfg.DataDir != s.cfg.DataDir {
		log.Warn().Msg("node.Service.Reconfigure listen and data changes apply on restart")
	}
	cfg.AdminListen, cfg.BusListen, cfg.BusPeers, cfg.DataDir = s.cfg.AdminListen, s.cfg.BusListen, s.cfg.BusPeers, s.cfg.DataDir
	s.resolver.Invalidate()
	s.coord.Load().Reconfigure(cfg.Indexes)
	if s.fetcher != nil {
		s.fetcher.Reconfigure(cfg.HTTP)
	}
	s.cfg = cfg
	h, orch := s.host, s.orch
	s.mu.Unlock()

	eagerInstall(context.Background(), h, orch, cfg)
	log.Info().Strs("indexes", cfg.Indexes).Int("eager", len(cfg.EagerInstall)).Msg("node.Service.Reconfigure")
	return nil
}

// Run starts the node, logs a heartbeat every interval, and stops on
// SIGINT, SIGTERM, or when ctx ends.
func (s *Service) Run(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx, cfg); err != nil {
		return err
	}
	ticker := time.NewTicker(s.Config().HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("node.Service.Run shutdown")
			return s.Stop()
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Service) heartbeat(ctx context.Context) {
	units, err := s.Units(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("node.Service.heartbeat units")
	}
	coord := s.coord.Load()
	orch := s.installer()
	if coord == nil || orch == nil {
		return
	}
	observability.SetBlacklistEntries(s.NodeID(), coord.BlacklistLen())
	st := orch.Status()
	log.Info().
		Str("node", s.NodeID()).
		Int("units", len(units)).
		Int("functions", len(orch.ListInstalledFunctions())).
		Int("queued", st.Queued).
		Bool("degraded", st.Degraded).
		Int("rounds", len(coord.Rounds())).
		Int("blacklist", coord.BlacklistLen()).
		Msg("node.Service.heartbeat")
}

func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) NodeID() string {
	return s.Config().NodeID
}

func (s *Service) Indexes() []string {
	return append([]string(nil), s.Config().Indexes...)
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) Units(ctx context.Context) ([]modhost.Unit, error) {
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h == nil {
		return nil, ErrNotStarted
	}
	return h.Units(ctx)
}

func (s *Service) Records(ctx context.Context) ([]sponsor.Record, error) {
	s.mu.RLock()
	reg := s.registry
	s.mu.RUnlock()
	if reg == nil {
		return nil, ErrNotStarted
	}
	return reg.Records(ctx)
}

func (s *Service) Installer() *installer.Orchestrator {
	return s.installer()
}

func (s *Service) Coordinator() *coordinator.Coordinator {
	return s.coord.Load()
}

func (s *Service) installer() *installer.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orch
}
