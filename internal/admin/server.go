// Package admin serves a node's HTTP admin API.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/edgeinstall/internal/coordinator"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/observability"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Installer is the install surface the API drives.
type Installer interface {
	InstallFunction(s sponsor.Sponsor, indexes, requirements []string) *installer.Pending
	UpdateFunction(old, s sponsor.Sponsor, indexes, requirements []string) *installer.Pending
	UninstallFunction(s sponsor.Sponsor) *installer.Pending
	ResetNode() *installer.Pending
	ListInstalledFunctions() map[string]string
	Status() installer.Status
	Degraded() bool
}

// Coordinator is the behaviour management surface the API drives.
type Coordinator interface {
	FindBehaviours(ctx context.Context, filter string) ([]resolver.Behaviour, error)
	InstallBehaviour(ctx context.Context, b resolver.Behaviour, target string) (string, error)
	UninstallBehaviour(ctx context.Context, b resolver.Behaviour, target string) (string, error)
	ResetNode(ctx context.Context, target string) (string, error)
	Blacklist() map[string]int64
	ClearBlacklist() int
	Rounds() []coordinator.Round
}

// Node is what the API needs from the running node itself.
type Node interface {
	NodeID() string
	Ready() bool
	Indexes() []string
	Units(ctx context.Context) ([]modhost.Unit, error)
	Records(ctx context.Context) ([]sponsor.Record, error)
	Publish(ctx context.Context, eventType string, props map[string]any) error
}

type Deps struct {
	Node        Node
	Installer   Installer
	Coordinator Coordinator
}

type Config struct {
	Listen      string
	CORSOrigins []string
	// WaitTimeout bounds how long install-style endpoints wait for an answer.
	WaitTimeout time.Duration
}

type Server struct {
	cfg     Config
	deps    Deps
	router  *gin.Engine
	started time.Time
}

func New(cfg Config, deps Deps) *Server {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	observability.RegisterMetrics()
	id := deps.Node.NodeID()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, id))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, deps: deps, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Listen until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin.Server.Serve listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("admin.Server.Serve shutdown")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
