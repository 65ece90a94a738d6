package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgeinstall/internal/bus"
	"github.com/danmuck/edgeinstall/internal/coordinator"
	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/danmuck/edgeinstall/internal/testutil/hosttest"
	"github.com/danmuck/edgeinstall/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexURL = "mem://repo/index.yaml"

const index = `
resources:
  - identity: lib.api
    version: 1.0.0
    content: ["mem://repo/lib.api.bin"]
  - identity: app
    version: 1.0.0
    content: ["mem://repo/app.bin"]
    requirements:
      - 'edge.identity; filter:="(edge.identity=lib.api)"'
  - identity: com.example.sensor
    version: 1.0.0
    content: ["mem://repo/sensor.bin"]
    capabilities:
      - namespace: edge.behaviour
        attributes: {name: Sensor Reader, consumed: [SensorReading]}
`

type mapFetcher map[string][]byte

func (m mapFetcher) ReadAll(_ context.Context, location string) ([]byte, error) {
	raw, ok := m[location]
	if !ok {
		return nil, fmt.Errorf("not found: %s", location)
	}
	return raw, nil
}

type fakeNode struct {
	host *hosttest.FaultyHost
	reg  *sponsor.Registry

	mu        sync.Mutex
	published []envelope.Event
}

func (n *fakeNode) NodeID() string    { return "node-a" }
func (n *fakeNode) Ready() bool       { return true }
func (n *fakeNode) Indexes() []string { return []string{indexURL} }

func (n *fakeNode) Records(ctx context.Context) ([]sponsor.Record, error) {
	return n.reg.Records(ctx)
}

func (n *fakeNode) Units(ctx context.Context) ([]modhost.Unit, error) {
	return n.host.Units(ctx)
}

func (n *fakeNode) Publish(_ context.Context, eventType string, props map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, envelope.Event{Type: eventType, Properties: props})
	return nil
}

type fixture struct {
	node  *fakeNode
	bus   *bus.MemoryBus
	orch  *installer.Orchestrator
	coord *coordinator.Coordinator
	srv   *Server

	mu       sync.Mutex
	commands []envelope.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	host := hosttest.New()
	reg := sponsor.NewRegistry(host, hosttest.Content{})
	r := resolver.New(mapFetcher{indexURL: []byte(index)})
	f := &fixture{node: &fakeNode{host: host, reg: reg}, bus: bus.NewMemoryBus()}
	f.orch = installer.New(host, reg, r, installer.DefaultConfig())
	f.coord = coordinator.New(f.bus, host, r, f.orch, coordinator.Config{
		NodeID:  "node-a",
		Indexes: []string{indexURL},
	})
	f.bus.Subscribe("edge-1", func(env envelope.Envelope) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.commands = append(f.commands, env)
	})
	f.orch.Start()
	f.coord.Start()
	t.Cleanup(func() {
		_ = f.coord.Stop()
		_ = f.orch.Stop()
		_ = f.bus.Close()
	})
	f.srv = New(Config{WaitTimeout: 5 * time.Second}, Deps{Node: f.node, Installer: f.orch, Coordinator: f.coord})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-a", body["node"])

	rr = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFunctionLifecycle(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/functions/install", FunctionRequest{Sponsor: sponsor.New("app", "1.0.0")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[InstallResponse](t, rr)
	assert.Equal(t, envelope.CodeSuccess, resp.Code)
	assert.Len(t, resp.Messages, 2)

	rr = f.do(t, http.MethodGet, "/functions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	fns := decode[FunctionsResponse](t, rr)
	assert.Equal(t, map[string]string{"app": "1.0.0"}, fns.Functions)
	assert.True(t, fns.Status.Running)

	rr = f.do(t, http.MethodGet, "/units", nil)
	units := decode[UnitsResponse](t, rr)
	assert.Len(t, units.Units, 2)
	require.Len(t, units.Records, 2)
	for _, rec := range units.Records {
		assert.Equal(t, modhost.StateActive, rec.Unit.State, rec.Unit.String())
	}

	rr = f.do(t, http.MethodDelete, "/functions/app", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Empty(t, f.orch.ListInstalledFunctions())

	rr = f.do(t, http.MethodPost, "/reset", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFunctionErrorsMapToStatus(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/functions/install", FunctionRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, envelope.CodeBadRequest, decode[InstallResponse](t, rr).Code)

	rr = f.do(t, http.MethodPost, "/functions/install", FunctionRequest{
		Sponsor: sponsor.New("missing.fn", "1.0.0"),
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, envelope.CodeFail, decode[InstallResponse](t, rr).Code)

	rr = f.do(t, http.MethodPost, "/functions/update", FunctionRequest{Sponsor: sponsor.New("app", "2.0.0")})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodDelete, "/functions/app", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/functions/install", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadGateway, statusFor(envelope.CodeFail, true))
}

func TestBehaviourRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/behaviours?filter=(consumed=SensorReading)", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	found := decode[BehavioursResponse](t, rr)
	require.Len(t, found.Behaviours, 1)
	assert.Equal(t, "com.example.sensor", found.Behaviours[0].SymbolicName)

	rr = f.do(t, http.MethodGet, "/behaviours?filter=(consumed", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := BehaviourRequest{SymbolicName: "com.example.sensor", Version: "1.0.0", Name: "Sensor Reader"}
	rr = f.do(t, http.MethodPost, "/behaviours/install", req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req.Node = "edge-1"
	rr = f.do(t, http.MethodPost, "/behaviours/install", req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	cmd := decode[CommandResponse](t, rr)
	assert.Equal(t, "edge-1", cmd.Node)

	rr = f.do(t, http.MethodPost, "/behaviours/uninstall", req)
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = f.do(t, http.MethodPost, "/nodes/edge-1/reset", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.commands) == 3
	}, 2*time.Second, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, cmd.CorrelationID, f.commands[0].CorrelationID)
	actions := make([]envelope.Action, 0, 3)
	for _, env := range f.commands {
		actions = append(actions, env.Payload.(envelope.InstallCommand).Action)
	}
	assert.Equal(t, []envelope.Action{envelope.ActionInstall, envelope.ActionUninstall, envelope.ActionReset}, actions)
}

func TestBlacklistAndEvents(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.coord.NotifyLastResort("Orphan", nil)
	require.Eventually(t, func() bool { return len(f.coord.Blacklist()) == 1 }, 2*time.Second, 5*time.Millisecond)

	rr := f.do(t, http.MethodGet, "/blacklist", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	bl := decode[BlacklistResponse](t, rr)
	assert.Contains(t, bl.Blacklist, "Orphan")

	rr = f.do(t, http.MethodPost, "/blacklist/clear", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1.0, decode[map[string]any](t, rr)["cleared"])
	assert.Empty(t, f.coord.Blacklist())

	rr = f.do(t, http.MethodPost, "/events/SensorReading", map[string]any{"value": 3})
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = f.do(t, http.MethodPost, "/events/Ping", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	require.Len(t, f.node.published, 2)
	assert.Equal(t, "SensorReading", f.node.published[0].Type)
	assert.Equal(t, 3.0, f.node.published[0].Properties["value"])
}
