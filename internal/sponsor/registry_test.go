package sponsor

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/testutil/hosttest"
	"github.com/danmuck/edgeinstall/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func artifact(name string) Artifact {
	return Artifact{Location: "file:///repo/" + name + ".bin", SymbolicName: name, Version: "1.0.0"}
}

func TestSponsorParseAndString(t *testing.T) {
	testlog.Start(t)
	s, err := Parse("app:1.2")
	require.NoError(t, err)
	assert.Equal(t, Sponsor{Name: "app", Version: "1.2"}, s)
	assert.Equal(t, "app:1.2", s.String())

	s, err = Parse("app")
	require.NoError(t, err)
	assert.Equal(t, "app:0", s.String())

	_, err = Parse(":1")
	assert.True(t, errors.Is(err, ErrInvalidSponsor))
}

func TestSharedUnitSurvivesUntilLastSponsor(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	reg := NewRegistry(host, hosttest.Content{})
	s1, s2 := New("S1", "1"), New("S2", "1")

	installed, err := reg.AddUnits(ctx, s1, []Artifact{artifact("A"), artifact("B")})
	require.NoError(t, err)
	require.Len(t, installed, 2)

	installed, err = reg.AddUnits(ctx, s2, []Artifact{artifact("B"), artifact("C")})
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "C", installed[0].SymbolicName)

	removed, err := reg.RemoveSponsor(ctx, s1)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "A", removed[0].SymbolicName)
	assert.Equal(t, []string{"B@1.0.0:installed", "C@1.0.0:installed"}, hosttest.Snapshot(ctx, host))

	removed, err = reg.RemoveSponsor(ctx, s2)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "C", removed[0].SymbolicName, "newest unit goes first")
	assert.Equal(t, "B", removed[1].SymbolicName)
	assert.Empty(t, hosttest.Snapshot(ctx, host))
	assert.Empty(t, reg.AllSponsors())
	recs, err := reg.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAddUnitsSkipsDuplicateIdentity(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	reg := NewRegistry(host, hosttest.Content{})

	_, err := reg.AddUnits(ctx, New("S1", "1"), []Artifact{artifact("A")})
	require.NoError(t, err)
	mirror := Artifact{Location: "https://mirror/A.bin", SymbolicName: "A", Version: "1.0.0"}
	installed, err := reg.AddUnits(ctx, New("S2", "1"), []Artifact{mirror, artifact("B")})
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "B", installed[0].SymbolicName)
	assert.Equal(t, []string{"file:///repo/B.bin"}, reg.LocationsFor(New("S2", "1")))
}

func TestAddUnitsErrorKeepsProcessedUnits(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	host.FailInstall("C", true)
	reg := NewRegistry(host, hosttest.Content{})
	s := New("S", "1")

	installed, err := reg.AddUnits(ctx, s, []Artifact{artifact("A"), artifact("B"), artifact("C"), artifact("D")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hosttest.ErrInjected))
	require.Len(t, installed, 2)
	assert.Equal(t, []string{"file:///repo/A.bin", "file:///repo/B.bin"}, reg.LocationsFor(s))

	removed, err := reg.RemoveSponsor(ctx, s)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, hosttest.Snapshot(ctx, host))
}

func TestRemoveSponsorIsBestEffort(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	reg := NewRegistry(host, hosttest.Content{})
	s := New("S", "1")
	_, err := reg.AddUnits(ctx, s, []Artifact{artifact("A"), artifact("B"), artifact("C")})
	require.NoError(t, err)

	host.FailUninstall("B", true)
	removed, err := reg.RemoveSponsor(ctx, s)
	require.Error(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, []string{"B@1.0.0:installed"}, hosttest.Snapshot(ctx, host))
	assert.Equal(t, []string{"uninstall:C", "uninstall:B", "uninstall:A"}, host.Calls()[3:])
	assert.Empty(t, reg.AllSponsors())
}

func TestForeignUnitsAreNeverAdopted(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	_, err := host.Install(ctx, modhost.InstallSpec{Location: "file:///repo/A.bin", SymbolicName: "A", Version: "1.0.0"}, nil)
	require.NoError(t, err)

	reg := NewRegistry(host, hosttest.Content{})
	foreign, err := reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, foreign)

	s := New("S", "1")
	installed, err := reg.AddUnits(ctx, s, []Artifact{artifact("A")})
	require.NoError(t, err)
	assert.Empty(t, installed)
	assert.Empty(t, reg.LocationsFor(s))

	_, err = reg.RemoveSponsor(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"A@1.0.0:installed"}, hosttest.Snapshot(ctx, host))
}

func TestReconcileDropsVanishedRecords(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	reg := NewRegistry(host, hosttest.Content{})
	s := New("S", "1")
	installed, err := reg.AddUnits(ctx, s, []Artifact{artifact("A"), artifact("B")})
	require.NoError(t, err)

	require.NoError(t, host.MemoryHost.Uninstall(ctx, installed[0].ID))
	foreign, err := reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, foreign)
	assert.Equal(t, []string{"file:///repo/B.bin"}, reg.LocationsFor(s))
	assert.Equal(t, []Sponsor{s}, reg.Owners(installed[1].ID))
	assert.Nil(t, reg.Owners(installed[0].ID))
}

func TestRecordsReportHostState(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	host := hosttest.New()
	reg := NewRegistry(host, hosttest.Content{})
	s := New("S", "1")
	installed, err := reg.AddUnits(ctx, s, []Artifact{artifact("A"), artifact("B")})
	require.NoError(t, err)
	require.NoError(t, host.Start(ctx, installed[0].ID))

	units, err := reg.UnitsFor(ctx, s)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, modhost.StateActive, units[0].State)
	assert.Equal(t, modhost.StateInstalled, units[1].State)

	require.NoError(t, host.Stop(ctx, installed[0].ID))
	recs, err := reg.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, modhost.StateResolved, recs[0].Unit.State)
	assert.Equal(t, []Sponsor{s}, recs[0].Sponsors)
	assert.Equal(t, []Artifact{artifact("A"), artifact("B")}, reg.ArtifactsFor(s))
}
