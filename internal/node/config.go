package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgeinstall/internal/content"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/google/uuid"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("node: invalid heartbeat interval")
	ErrInvalidEagerInstall      = errors.New("node: invalid eager install entry")
)

// Config is everything a node needs to start. DataDir selects the sqlite
// module host; without it units live in memory.
type Config struct {
	NodeID            string
	Indexes           []string
	CacheDir          string
	DataDir           string
	AdminListen       string
	BusListen         string
	BusPeers          []string
	EagerInstall      []string
	HeartbeatInterval time.Duration
	BidWindow         time.Duration
	NoBidTimeout      time.Duration
	HTTP              content.HTTPConfig
	CORSOrigins       []string
}

func DefaultConfig() Config {
	return Config{
		CacheDir:          "local/cache",
		AdminListen:       "127.0.0.1:7400",
		HeartbeatInterval: 30 * time.Second,
		BidWindow:         time.Second,
		NoBidTimeout:      10 * time.Second,
		HTTP:              content.DefaultHTTPConfig(),
	}
}

// normalize fills a node id and trims list entries.
func (c Config) normalize() Config {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	c.Indexes = trimAll(c.Indexes)
	c.BusPeers = trimAll(c.BusPeers)
	c.EagerInstall = trimAll(c.EagerInstall)
	return c
}

func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	_, err := c.eagerSponsors()
	return err
}

func (c Config) eagerSponsors() ([]sponsor.Sponsor, error) {
	out := make([]sponsor.Sponsor, 0, len(c.EagerInstall))
	for _, raw := range c.EagerInstall {
		s, err := sponsor.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEagerInstall, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
