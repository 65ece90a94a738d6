package node

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgeinstall/internal/bus"
	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/danmuck/edgeinstall/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIndexURL = "mem://repo/index.yaml"

const testIndex = `
resources:
  - identity: lib.api
    version: 1.0.0
    content: ["mem://repo/lib.api.bin"]
  - identity: com.example.sensor
    version: 1.0.0
    content: ["mem://repo/sensor.bin"]
    capabilities:
      - namespace: edge.behaviour
        attributes:
          name: Sensor Reader
          consumed: [SensorReading]
    requirements:
      - 'edge.identity; filter:="(edge.identity=lib.api)"'
`

// memContent serves the test index and echoes every other location.
type memContent struct{}

func (memContent) ReadAll(_ context.Context, location string) ([]byte, error) {
	if location == testIndexURL {
		return []byte(testIndex), nil
	}
	return []byte(location), nil
}

func (c memContent) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	raw, _ := c.ReadAll(ctx, location)
	return io.NopCloser(strings.NewReader(string(raw))), nil
}

func testConfig(id string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.Indexes = []string{testIndexURL}
	cfg.AdminListen = ""
	cfg.BidWindow = 50 * time.Millisecond
	cfg.NoBidTimeout = 5 * time.Second
	return cfg
}

func newBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type testNode struct {
	svc  *Service
	host *modhost.MemoryHost
}

func startNode(t *testing.T, b bus.Bus, cfg Config) testNode {
	t.Helper()
	host := modhost.NewMemoryHost()
	svc := NewService(WithBus(b), WithHost(host), WithContent(memContent{}))
	require.NoError(t, svc.Start(context.Background(), cfg))
	t.Cleanup(func() { _ = svc.Stop() })
	return testNode{svc: svc, host: host}
}

func (n testNode) unit(t *testing.T, name string) (modhost.Unit, bool) {
	t.Helper()
	units, err := n.host.Units(context.Background())
	require.NoError(t, err)
	for _, u := range units {
		if u.SymbolicName == name {
			return u, true
		}
	}
	return modhost.Unit{}, false
}

func (n testNode) deliveries(t *testing.T, name string) int {
	t.Helper()
	u, ok := n.unit(t, name)
	if !ok {
		return 0
	}
	return len(n.host.Deliveries(u.ID))
}

func TestEagerInstallAtStart(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	cfg := testConfig("node-a")
	cfg.EagerInstall = []string{"com.example.sensor:1.0.0"}
	n := startNode(t, b, cfg)

	require.Eventually(t, func() bool {
		u, ok := n.unit(t, "com.example.sensor")
		return ok && u.State == modhost.StateActive
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := n.unit(t, "lib.api")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"com.example.sensor": "1.0.0"}, n.svc.Installer().ListInstalledFunctions())
	assert.True(t, n.svc.Ready())
	assert.Equal(t, "node-a", n.svc.NodeID())
}

func TestEagerInstallSkipsPresentSponsors(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	n := startNode(t, b, testConfig("node-a"))

	cfg := testConfig("node-a")
	cfg.EagerInstall = []string{"lib.api:1.0.0"}
	require.NoError(t, n.svc.Reconfigure(cfg))
	require.Eventually(t, func() bool {
		_, ok := n.unit(t, "lib.api")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	queued := eagerInstall(context.Background(), n.host, n.svc.Installer(), cfg)
	assert.Empty(t, queued)
}

func TestEventReachesLocalConsumer(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	cfg := testConfig("node-a")
	cfg.EagerInstall = []string{"com.example.sensor:1.0.0"}
	n := startNode(t, b, cfg)
	require.Eventually(t, func() bool {
		u, ok := n.unit(t, "com.example.sensor")
		return ok && u.State == modhost.StateActive
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n.svc.Publish(context.Background(), "SensorReading", map[string]any{"value": 3}))
	require.Eventually(t, func() bool {
		return n.deliveries(t, "com.example.sensor") == 1
	}, 2*time.Second, 5*time.Millisecond)

	u, _ := n.unit(t, "com.example.sensor")
	ev := n.host.Deliveries(u.ID)[0]
	assert.Equal(t, "SensorReading", ev.Type)
	assert.Equal(t, "node-a", ev.SourceNode)
	assert.Equal(t, 3, ev.Properties["value"])
	assert.Empty(t, n.svc.Coordinator().Blacklist())
}

func TestUnconsumedEventInstallsConsumerSomewhere(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	a := startNode(t, b, testConfig("node-a"))
	other := startNode(t, b, testConfig("node-b"))

	require.NoError(t, a.svc.Publish(context.Background(), "SensorReading", map[string]any{"value": 7}))

	require.Eventually(t, func() bool {
		ts, ok := a.svc.Coordinator().Blacklist()["SensorReading"]
		return ok && ts == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.deliveries(t, "com.example.sensor")+other.deliveries(t, "com.example.sensor") == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.svc.Coordinator().Rounds())
	assert.Empty(t, other.svc.Coordinator().Blacklist())
}

func TestRemoteInstallRequestIsAnswered(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	n := startNode(t, b, testConfig("node-a"))

	var mu sync.Mutex
	var got []envelope.Envelope
	cancel := b.Subscribe("ops", func(env envelope.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
	})
	defer cancel()

	req := envelope.New("ops", "node-a", envelope.InstallRequest{
		Action:       envelope.ActionInstall,
		Sponsor:      sponsor.New("lib.api", "1.0.0"),
		Indexes:      []string{testIndexURL},
		Requirements: []string{resolver.IdentityRequirement("lib.api", "1.0.0")},
	})
	require.NoError(t, b.Publish(context.Background(), req))

	var resp envelope.InstallResponse
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, env := range got {
			if r, ok := env.Payload.(envelope.InstallResponse); ok {
				assert.Equal(t, req.CorrelationID, env.CorrelationID)
				assert.Equal(t, "node-a", env.SourceNode)
				resp = r
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, envelope.CodeSuccess, resp.Code)
	_, ok := n.unit(t, "lib.api")
	assert.True(t, ok)
}

func TestStopIsNotRepeatable(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	svc := NewService(WithBus(b), WithContent(memContent{}))
	require.NoError(t, svc.Start(context.Background(), testConfig("node-a")))
	require.Error(t, svc.Start(context.Background(), testConfig("node-a")))

	require.NoError(t, svc.Stop())
	assert.False(t, svc.Ready())
	assert.ErrorIs(t, svc.Stop(), ErrNotStarted)
	assert.ErrorIs(t, svc.Publish(context.Background(), "SensorReading", nil), ErrNotStarted)
	assert.ErrorIs(t, svc.Reconfigure(testConfig("node-a")), ErrNotStarted)
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().normalize()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.NodeID)

	bad := cfg
	bad.HeartbeatInterval = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidHeartbeatInterval)

	bad = cfg
	bad.EagerInstall = []string{":1.0.0"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidEagerInstall)

	trimmed := Config{Indexes: []string{" a ", "", "b"}, HeartbeatInterval: time.Second}.normalize()
	assert.Equal(t, []string{"a", "b"}, trimmed.Indexes)
}

func TestReconfigureKeepsRestartOnlyFields(t *testing.T) {
	testlog.Start(t)
	b := newBus(t)
	n := startNode(t, b, testConfig("node-a"))

	cfg := testConfig("node-z")
	cfg.BusPeers = []string{"10.0.0.9:7401"}
	cfg.DataDir = t.TempDir()
	cfg.Indexes = []string{testIndexURL, "mem://repo/extra.yaml"}
	require.NoError(t, n.svc.Reconfigure(cfg))

	got := n.svc.Config()
	assert.Equal(t, "node-a", got.NodeID)
	assert.Empty(t, got.BusPeers)
	assert.Empty(t, got.DataDir)
	assert.Equal(t, cfg.Indexes, n.svc.Indexes())
}
