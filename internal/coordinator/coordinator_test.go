package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgeinstall/internal/bus"
	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/danmuck/edgeinstall/internal/testutil/hosttest"
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
  - identity: com.example.dup.first
    version: 1.0.0
    content: ["mem://repo/dup1.bin"]
    capabilities:
      - namespace: edge.behaviour
        attributes: {name: First, consumed: [Dup]}
  - identity: com.example.dup.second
    version: 1.0.0
    content: ["mem://repo/dup2.bin"]
    capabilities:
      - namespace: edge.behaviour
        attributes: {name: Second, consumed: [Dup]}
  - identity: com.example.broken
    version: 1.0.0
    content: ["mem://repo/broken.bin"]
    capabilities:
      - namespace: edge.behaviour
        attributes: {name: Broken, consumed: [Broken]}
`

type mapFetcher map[string][]byte

func (m mapFetcher) ReadAll(_ context.Context, location string) ([]byte, error) {
	raw, ok := m[location]
	if !ok {
		return nil, fmt.Errorf("not found: %s", location)
	}
	return raw, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a Publisher that keeps every envelope instead of routing it.
type recorder struct {
	mu   sync.Mutex
	sent []envelope.Envelope
}

func (r *recorder) Publish(_ context.Context, env envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) kind(k envelope.Kind) []envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range r.sent {
		if env.Payload.Kind() == k {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) alerts(t envelope.AlertType) []envelope.Alert {
	var out []envelope.Alert
	for _, env := range r.kind(envelope.KindAlert) {
		if a := env.Payload.(envelope.Alert); a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type testNode struct {
	id    string
	host  *hosttest.FaultyHost
	orch  *installer.Orchestrator
	coord *Coordinator
	clock *clock

	mu       sync.Mutex
	replayed []envelope.Event
	outcomes []Outcome
}

func newTestNode(t *testing.T, id string, pub Publisher, clk *clock) *testNode {
	t.Helper()
	n := &testNode{id: id, host: hosttest.New(), clock: clk}
	r := resolver.New(mapFetcher{testIndexURL: []byte(testIndex)})
	reg := sponsor.NewRegistry(n.host, hosttest.Content{})
	n.orch = installer.New(n.host, reg, r, installer.DefaultConfig())
	n.coord = New(pub, n.host, r, n.orch, Config{
		NodeID:  id,
		Indexes: []string{testIndexURL},
		Tick:    time.Hour,
		Now:     clk.Now,
		Replay: func(ev envelope.Event) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.replayed = append(n.replayed, ev)
		},
		OnRound: func(_ string, o Outcome) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.outcomes = append(n.outcomes, o)
		},
	})
	n.orch.Start()
	n.coord.Start()
	t.Cleanup(func() {
		_ = n.coord.Stop()
		_ = n.orch.Stop()
	})
	return n
}

func (n *testNode) replays() []envelope.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]envelope.Event(nil), n.replayed...)
}

func (n *testNode) seen() []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Outcome(nil), n.outcomes...)
}

func (n *testNode) round(id string) (Round, bool) {
	for _, r := range n.coord.Rounds() {
		if r.Identity == id {
			return r, true
		}
	}
	return Round{}, false
}

func (n *testNode) waitState(t *testing.T, id string, st RoundState) Round {
	t.Helper()
	var out Round
	require.Eventually(t, func() bool {
		r, ok := n.round(id)
		out = r
		return ok && r.State == st
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func (n *testNode) bid(from, id string, value int64) {
	n.coord.HandleEnvelope(envelope.New(from, n.id, envelope.BidResponse{
		RequestIdentity: id,
		Code:            envelope.BidPlaced,
		Bid:             value,
	}))
}

func (n *testNode) answer(from, id string, code envelope.BidCode) {
	n.coord.HandleEnvelope(envelope.New(from, n.id, envelope.BidResponse{
		RequestIdentity: id,
		Code:            code,
	}))
}

func waitKind(t *testing.T, r *recorder, k envelope.Kind, n int) []envelope.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.kind(k)) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.kind(k)
}

func TestRoundAcrossTwoNodesInstallsAndReplays(t *testing.T) {
	testlog.Start(t)
	b := bus.NewMemoryBus()
	defer b.Close()
	clk := newClock()
	a := newTestNode(t, "node-a", b, clk)
	other := newTestNode(t, "node-b", b, clk)
	b.Subscribe(a.id, a.coord.HandleEnvelope)
	b.Subscribe(other.id, other.coord.HandleEnvelope)

	a.coord.NotifyLastResort("SensorReading", map[string]any{"value": 1})
	require.Eventually(t, func() bool {
		r, ok := a.round("SensorReading")
		return ok && r.State == StateBidding && len(r.Bids) == 2
	}, 2*time.Second, 5*time.Millisecond)
	a.coord.NotifyLastResort("SensorReading", map[string]any{"value": 2})

	a.coord.tick()
	r := a.waitState(t, "SensorReading", StateBidding)
	assert.Equal(t, 2, r.Deferred)
	assert.Equal(t, "com.example.sensor", r.SymbolicName)
	winner := r.Bids[0].Node

	clk.Advance(time.Second)
	a.coord.tick()

	require.Eventually(t, func() bool {
		bl := a.coord.Blacklist()
		ts, ok := bl["SensorReading"]
		return ok && ts == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(a.replays()) == 2 }, 2*time.Second, 5*time.Millisecond)
	replays := a.replays()
	assert.Equal(t, 1, replays[0].Properties["value"])
	assert.Equal(t, 2, replays[1].Properties["value"])
	assert.Empty(t, a.coord.Rounds())

	host := a.host
	if winner == other.id {
		host = other.host
	}
	consumers, err := modhost.Consumers(context.Background(), host, "SensorReading")
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, "com.example.sensor", consumers[0].SymbolicName)
	assert.Equal(t, []Outcome{OutcomeSelected, OutcomeInstalled}, a.seen())
}

func TestPositiveBidWinsWithoutWaiting(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	clk := newClock()
	n := newTestNode(t, "req", rec, clk)

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 0)
	clk.Advance(200 * time.Millisecond)
	n.bid("node-b", "SensorReading", 5)

	n.coord.tick()
	cmds := waitKind(t, rec, envelope.KindInstallCommand, 1)
	assert.Equal(t, "node-b", cmds[0].TargetNode)
	cmd := cmds[0].Payload.(envelope.InstallCommand)
	assert.Equal(t, envelope.ActionInstall, cmd.Action)
	assert.Equal(t, "com.example.sensor", cmd.SymbolicName)
	assert.Equal(t, []string{resolver.BehaviourRequirement("SensorReading")}, cmd.Requirements)

	r, ok := n.round("SensorReading")
	require.True(t, ok)
	assert.Equal(t, StateInstalling, r.State)
	assert.Equal(t, "node-b", r.Winner)
}

func TestZeroBidsSelectFirstAfterWindow(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	clk := newClock()
	n := newTestNode(t, "req", rec, clk)

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 0)
	n.bid("node-b", "SensorReading", 0)

	clk.Advance(999 * time.Millisecond)
	n.coord.tick()
	assert.Empty(t, rec.kind(envelope.KindInstallCommand))

	clk.Advance(time.Millisecond)
	n.coord.tick()
	cmds := waitKind(t, rec, envelope.KindInstallCommand, 1)
	assert.Equal(t, "node-a", cmds[0].TargetNode)

	n.coord.tick()
	assert.Len(t, rec.kind(envelope.KindInstallCommand), 1)
}

func TestNoBidsRaisesNoHosts(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	clk := newClock()
	n := newTestNode(t, "req", rec, clk)

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	clk.Advance(9 * time.Second)
	n.coord.tick()
	assert.Empty(t, rec.alerts(envelope.AlertNoHosts))

	clk.Advance(time.Second)
	n.coord.tick()
	require.Len(t, rec.alerts(envelope.AlertNoHosts), 1)
	assert.Empty(t, n.coord.Rounds())
	assert.NotZero(t, n.coord.Blacklist()["SensorReading"])

	n.coord.NotifyLastResort("SensorReading", nil)
	assert.Empty(t, n.coord.Rounds())
	assert.Len(t, rec.kind(envelope.KindBidRequest), 1)
}

func TestMissingCandidateRaisesConsumerNotFound(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "req", rec, newClock())

	n.coord.NotifyLastResort("Orphan", nil)
	require.Eventually(t, func() bool {
		return len(rec.alerts(envelope.AlertConsumerNotFound)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.alerts(envelope.AlertConsumerNotFound)[0].Message, "no resource found")
	assert.Empty(t, n.coord.Rounds())
	assert.Empty(t, rec.kind(envelope.KindBidRequest))
	assert.Equal(t, []Outcome{OutcomeNotFound}, n.seen())
}

func TestSeveralCandidatesUseFirst(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "req", rec, newClock())

	n.coord.NotifyLastResort("Dup", nil)
	reqs := waitKind(t, rec, envelope.KindBidRequest, 1)
	br := reqs[0].Payload.(envelope.BidRequest)
	assert.Equal(t, "com.example.dup.first", br.SymbolicName)
	assert.True(t, reqs[0].Broadcast())
}

func TestAlreadyInstalledEndsRound(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "req", rec, newClock())

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 0)
	n.answer("node-b", "SensorReading", envelope.BidAlreadyInstalled)

	assert.Empty(t, n.coord.Rounds())
	n.coord.tick()
	assert.Empty(t, rec.kind(envelope.KindInstallCommand))
	assert.Equal(t, []Outcome{OutcomeAlreadySatisfied}, n.seen())
}

func TestInstallFailureKeepsBlacklist(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	clk := newClock()
	n := newTestNode(t, "req", rec, clk)

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 3)
	n.coord.tick()
	n.waitState(t, "SensorReading", StateInstalling)

	n.answer("node-b", "SensorReading", envelope.BidFail)
	n.waitState(t, "SensorReading", StateInstalling)

	n.answer("node-a", "SensorReading", envelope.BidFail)
	assert.Empty(t, n.coord.Rounds())
	require.Len(t, rec.alerts(envelope.AlertInstallFailed), 1)
	assert.NotZero(t, n.coord.Blacklist()["SensorReading"])
	assert.Empty(t, n.replays())

	n.coord.NotifyLastResort("SensorReading", nil)
	assert.Empty(t, n.coord.Rounds())
	assert.Len(t, rec.kind(envelope.KindBidRequest), 1)

	assert.Equal(t, 1, n.coord.ClearBlacklist())
	n.coord.NotifyLastResort("SensorReading", nil)
	waitKind(t, rec, envelope.KindBidRequest, 2)
}

func TestInstalledIdentityIsNotRetriggered(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "req", rec, newClock())

	n.coord.NotifyLastResort("SensorReading", map[string]any{"n": 1})
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("req", "SensorReading", 1)
	n.coord.tick()
	n.waitState(t, "SensorReading", StateInstalling)
	n.answer("req", "SensorReading", envelope.BidInstallOK)

	assert.Equal(t, map[string]int64{"SensorReading": 0}, n.coord.Blacklist())
	require.Len(t, n.replays(), 1)

	n.coord.NotifyLastResort("SensorReading", nil)
	n.coord.NotifyLastResort("SensorReading", nil)
	assert.Len(t, rec.alerts(envelope.AlertConsumerNotConfigured), 1)
	assert.NotZero(t, n.coord.Blacklist()["SensorReading"])
	assert.Len(t, rec.kind(envelope.KindBidRequest), 1)
	assert.Empty(t, n.coord.Rounds())
}

func TestRemotelyHostedIdentityStaysQuiet(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "req", rec, newClock())

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 1)
	n.coord.tick()
	n.waitState(t, "SensorReading", StateInstalling)
	n.answer("node-a", "SensorReading", envelope.BidInstallOK)

	n.coord.NotifyLastResort("SensorReading", nil)
	assert.Empty(t, rec.alerts(envelope.AlertConsumerNotConfigured))
	assert.Equal(t, map[string]int64{"SensorReading": 0}, n.coord.Blacklist())
	assert.Len(t, rec.kind(envelope.KindBidRequest), 1)
}

func TestBidRequestAnswers(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "bidder", rec, newClock())

	ask := envelope.New("req", "", envelope.BidRequest{
		RequestIdentity: "SensorReading",
		SymbolicName:    "com.example.sensor",
		Version:         "1.0.0",
		Requirement:     resolver.BehaviourRequirement("SensorReading"),
	})
	n.coord.HandleEnvelope(ask)
	replies := waitKind(t, rec, envelope.KindBidResponse, 1)
	assert.Equal(t, "req", replies[0].TargetNode)
	assert.Equal(t, ask.CorrelationID, replies[0].CorrelationID)
	assert.Equal(t, envelope.BidPlaced, replies[0].Payload.(envelope.BidResponse).Code)

	resp, err := n.orch.InstallFunction(sponsor.New("com.example.sensor", "1.0.0"), []string{testIndexURL}, nil).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, envelope.CodeSuccess, resp.Code)

	n.coord.HandleEnvelope(ask)
	replies = waitKind(t, rec, envelope.KindBidResponse, 2)
	assert.Equal(t, envelope.BidAlreadyInstalled, replies[1].Payload.(envelope.BidResponse).Code)

	bad := ask
	bad.Payload = envelope.BidRequest{RequestIdentity: "x", Requirement: "edge.behaviour;filter:=\"(consumed=\""}
	n.coord.HandleEnvelope(bad)
	replies = waitKind(t, rec, envelope.KindBidResponse, 3)
	assert.Equal(t, envelope.BidFail, replies[2].Payload.(envelope.BidResponse).Code)
}

func TestInstallCommandReportsOutcome(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "winner", rec, newClock())
	n.host.FailInstall("com.example.broken", true)

	send := func(id, name string) envelope.Envelope {
		env := envelope.New("req", n.id, envelope.InstallCommand{
			RequestIdentity: id,
			Action:          envelope.ActionInstall,
			SymbolicName:    name,
			Version:         "1.0.0",
			Name:            roundName(id),
			Requirements:    []string{resolver.BehaviourRequirement(id)},
		})
		n.coord.HandleEnvelope(env)
		return env
	}

	send("SensorReading", "com.example.sensor")
	replies := waitKind(t, rec, envelope.KindBidResponse, 1)
	assert.Equal(t, envelope.BidInstallOK, replies[0].Payload.(envelope.BidResponse).Code)
	assert.Equal(t, "req", replies[0].TargetNode)
	assert.Equal(t, map[string]string{"com.example.sensor": "1.0.0"}, n.orch.ListInstalledFunctions())

	before := hosttest.Snapshot(context.Background(), n.host)
	send("Broken", "com.example.broken")
	replies = waitKind(t, rec, envelope.KindBidResponse, 2)
	assert.Equal(t, envelope.BidFail, replies[1].Payload.(envelope.BidResponse).Code)
	assert.Equal(t, before, hosttest.Snapshot(context.Background(), n.host))
}

func TestUninstallForgetsRoundBlacklist(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "node", rec, newClock())
	s := sponsor.New("com.example.sensor", "1.0.0")

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.coord.state.installedFor(s, "SensorReading")
	n.bid("node", "SensorReading", 1)
	n.coord.tick()
	n.answer("node", "SensorReading", envelope.BidInstallOK)
	require.Contains(t, n.coord.Blacklist(), "SensorReading")

	n.coord.Uninstalled([]sponsor.Sponsor{sponsor.New("other", "1")})
	require.Contains(t, n.coord.Blacklist(), "SensorReading")
	n.coord.Uninstalled([]sponsor.Sponsor{s})
	assert.NotContains(t, n.coord.Blacklist(), "SensorReading")
}

func TestManagementCommands(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "ops", rec, newClock())
	ctx := context.Background()

	found, err := n.coord.FindBehaviours(ctx, "(consumed=SensorReading)")
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = n.coord.InstallBehaviour(ctx, found[0], "")
	assert.ErrorIs(t, err, ErrMissingTarget)

	cid, err := n.coord.InstallBehaviour(ctx, found[0], "edge-1")
	require.NoError(t, err)
	cmds := rec.kind(envelope.KindInstallCommand)
	require.Len(t, cmds, 1)
	assert.Equal(t, cid, cmds[0].CorrelationID)
	cmd := cmds[0].Payload.(envelope.InstallCommand)
	assert.Equal(t, "edge-1", cmds[0].TargetNode)
	assert.Equal(t, "ManualInstall: Sensor Reader", cmd.Name)
	assert.Equal(t, []string{resolver.IdentityRequirement("com.example.sensor", "1.0.0")}, cmd.Requirements)

	_, err = n.coord.UninstallBehaviour(ctx, found[0], "edge-1")
	require.NoError(t, err)
	_, err = n.coord.ResetNode(ctx, "edge-1")
	require.NoError(t, err)
	cmds = rec.kind(envelope.KindInstallCommand)
	require.Len(t, cmds, 3)
	assert.Equal(t, envelope.ActionUninstall, cmds[1].Payload.(envelope.InstallCommand).Action)
	assert.Equal(t, envelope.ActionReset, cmds[2].Payload.(envelope.InstallCommand).Action)
}

func TestResetCommandClearsBlacklist(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "node", rec, newClock())

	n.coord.NotifyLastResort("Orphan", nil)
	require.Eventually(t, func() bool {
		return len(rec.alerts(envelope.AlertConsumerNotFound)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, n.coord.Blacklist(), 1)

	n.coord.HandleEnvelope(envelope.New("ops", n.id, envelope.InstallCommand{
		RequestIdentity: "reset:node",
		Action:          envelope.ActionReset,
	}))
	replies := waitKind(t, rec, envelope.KindBidResponse, 1)
	assert.Equal(t, envelope.BidInstallOK, replies[0].Payload.(envelope.BidResponse).Code)
	assert.Empty(t, n.coord.Blacklist())
}

func TestStopDropsLaterRequests(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "node", rec, newClock())
	require.NoError(t, n.coord.Stop())

	n.coord.HandleEnvelope(envelope.New("req", "", envelope.BidRequest{
		RequestIdentity: "SensorReading",
		Requirement:     resolver.BehaviourRequirement("SensorReading"),
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.kind(envelope.KindBidResponse))
}

func TestSameIdentityFromTwoRequestersIsAnsweredTwice(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	host := hosttest.New()
	r := resolver.New(mapFetcher{testIndexURL: []byte(testIndex)})
	orch := installer.New(host, sponsor.NewRegistry(host, hosttest.Content{}), r, installer.DefaultConfig())
	c := New(rec, host, r, orch, Config{NodeID: "winner", Indexes: []string{testIndexURL}, Tick: time.Hour})

	cmd := envelope.InstallCommand{
		RequestIdentity: "SensorReading",
		Action:          envelope.ActionInstall,
		SymbolicName:    "com.example.sensor",
		Version:         "1.0.0",
		Name:            roundName("SensorReading"),
		Requirements:    []string{resolver.BehaviourRequirement("SensorReading")},
	}
	ctx := context.Background()
	c.handleInstallCommand(ctx, envelope.New("node-a", "winner", cmd), cmd)
	c.handleInstallCommand(ctx, envelope.New("node-b", "winner", cmd), cmd)
	orch.Start()
	t.Cleanup(func() { _ = orch.Stop() })

	replies := waitKind(t, rec, envelope.KindBidResponse, 2)
	targets := map[string]envelope.BidCode{}
	for _, env := range replies {
		targets[env.TargetNode] = env.Payload.(envelope.BidResponse).Code
	}
	assert.Equal(t, map[string]envelope.BidCode{
		"node-a": envelope.BidInstallOK,
		"node-b": envelope.BidInstallOK,
	}, targets)
}

func TestSilentWinnerTimesOut(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	clk := newClock()
	n := newTestNode(t, "req", rec, clk)

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 2)
	n.coord.tick()
	r := n.waitState(t, "SensorReading", StateInstalling)
	assert.Equal(t, clk.Now(), r.SelectedAt)

	clk.Advance(DefaultConfig().InstallTimeout - time.Second)
	n.coord.tick()
	n.waitState(t, "SensorReading", StateInstalling)

	clk.Advance(time.Second)
	n.coord.tick()
	assert.Empty(t, n.coord.Rounds())
	alerts := rec.alerts(envelope.AlertInstallFailed)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "node-a did not answer")
	assert.Equal(t, []Outcome{OutcomeSelected, OutcomeFailed}, n.seen())
	assert.NotZero(t, n.coord.Blacklist()["SensorReading"])

	n.answer("node-a", "SensorReading", envelope.BidInstallOK)
	assert.NotZero(t, n.coord.Blacklist()["SensorReading"], "late answer to an abandoned round")
}

func TestClearBlacklistDropsOpenRounds(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	n := newTestNode(t, "req", rec, newClock())

	n.coord.NotifyLastResort("SensorReading", nil)
	n.waitState(t, "SensorReading", StateBidding)
	n.bid("node-a", "SensorReading", 2)
	n.coord.tick()
	n.waitState(t, "SensorReading", StateInstalling)
	n.coord.NotifyLastResort("SensorReading", nil)

	assert.Equal(t, 1, n.coord.ClearBlacklist())
	assert.Empty(t, n.coord.Rounds())
	assert.Empty(t, n.coord.Blacklist())

	n.coord.NotifyLastResort("SensorReading", nil)
	waitKind(t, rec, envelope.KindBidRequest, 2)
	r := n.waitState(t, "SensorReading", StateBidding)
	assert.Equal(t, 1, r.Deferred)
}

func TestStopAnswersQueuedRequests(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	host := hosttest.New()
	r := resolver.New(mapFetcher{testIndexURL: []byte(testIndex)})
	orch := installer.New(host, sponsor.NewRegistry(host, hosttest.Content{}), r, installer.DefaultConfig())
	c := New(rec, host, r, orch, Config{NodeID: "node", Indexes: []string{testIndexURL}, Tick: time.Hour})

	ask := envelope.New("req", "", envelope.BidRequest{
		RequestIdentity: "SensorReading",
		Requirement:     resolver.BehaviourRequirement("SensorReading"),
	})
	cmd := envelope.New("ops", "node", envelope.InstallCommand{
		RequestIdentity: "reset:node",
		Action:          envelope.ActionReset,
	})
	c.HandleEnvelope(ask)
	c.HandleEnvelope(cmd)
	c.NotifyLastResort("Orphan", nil)
	require.NoError(t, c.Stop())

	replies := rec.kind(envelope.KindBidResponse)
	require.Len(t, replies, 2)
	assert.Equal(t, "req", replies[0].TargetNode)
	assert.Equal(t, ask.CorrelationID, replies[0].CorrelationID)
	assert.Equal(t, "ops", replies[1].TargetNode)
	for _, env := range replies {
		resp := env.Payload.(envelope.BidResponse)
		assert.Equal(t, envelope.BidFail, resp.Code)
		assert.Equal(t, ErrStopped.Error(), resp.Message)
	}
	assert.Empty(t, host.Calls())
}
