package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/runner"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/testutil"
)

type launch struct {
	name string
	at   time.Time
	seed string
}

// recordingLauncher records launches and fails those listed in fail.
type recordingLauncher struct {
	mu       sync.Mutex
	launches []launch
	fail     map[string]error
}

func (l *recordingLauncher) Launch(ctx context.Context, spec lib.NodeSpec) (*runner.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, launch{name: spec.Name, at: time.Now(), seed: spec.SeedAddr})
	if err := l.fail[spec.Name]; err != nil {
		return nil, err
	}
	return &runner.Handle{Spec: spec}, nil
}

func (l *recordingLauncher) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for _, launch := range l.launches {
		names = append(names, launch.name)
	}
	return names
}

func TestBootstrapLaunchesInitThenJoinAfterSettle(t *testing.T) {
	launcher := &recordingLauncher{}
	b := NewBootstrapper(launcher, DefaultTopology(t.TempDir()), Options{SettleDelay: 150 * time.Millisecond})

	res, err := b.Bootstrap(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Init)
	require.NotNil(t, res.Join)

	require.Len(t, launcher.launches, 2)
	assert.Equal(t, "n1", launcher.launches[0].name)
	assert.Equal(t, "n2", launcher.launches[1].name)
	assert.Equal(t, "127.0.0.1:16379", launcher.launches[1].seed)
	assert.GreaterOrEqual(t, launcher.launches[1].at.Sub(launcher.launches[0].at), 150*time.Millisecond)
}

func TestBootstrapSkipSettle(t *testing.T) {
	launcher := &recordingLauncher{}
	b := NewBootstrapper(launcher, DefaultTopology(t.TempDir()), Options{SettleDelay: time.Hour, SkipSettle: true})

	start := time.Now()
	_, err := b.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"n1", "n2"}, launcher.names())
}

func TestBootstrapInitFailureSkipsJoin(t *testing.T) {
	initErr := &lib.SpawnError{Node: "n1", Err: os.ErrNotExist}
	launcher := &recordingLauncher{fail: map[string]error{"n1": initErr}}
	b := NewBootstrapper(launcher, DefaultTopology(t.TempDir()), Options{SettleDelay: 10 * time.Millisecond})

	res, err := b.Bootstrap(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, lib.ErrSpawnFailure)
	assert.NotErrorIs(t, err, lib.ErrJoinFailed)
	assert.Equal(t, []string{"n1"}, launcher.names())
}

func TestBootstrapJoinFailureKeepsInit(t *testing.T) {
	launcher := &recordingLauncher{fail: map[string]error{"n2": &lib.SpawnError{Node: "n2", Err: errors.New("exec failed")}}}
	b := NewBootstrapper(launcher, DefaultTopology(t.TempDir()), Options{SkipSettle: true})

	res, err := b.Bootstrap(context.Background())
	assert.ErrorIs(t, err, lib.ErrJoinFailed)
	assert.ErrorIs(t, err, lib.ErrSpawnFailure)
	require.NotNil(t, res)
	assert.NotNil(t, res.Init)
	assert.Nil(t, res.Join)
}

func TestBootstrapCancelledDuringSettle(t *testing.T) {
	launcher := &recordingLauncher{}
	b := NewBootstrapper(launcher, DefaultTopology(t.TempDir()), Options{SettleDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := b.Bootstrap(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.NotNil(t, res.Init)
	assert.Equal(t, []string{"n1"}, launcher.names())
}

func TestBootstrapRejectsInvalidTopology(t *testing.T) {
	topo := DefaultTopology(t.TempDir())
	topo.Join.ListenAddr = topo.Init.ListenAddr

	launcher := &recordingLauncher{}
	_, err := NewBootstrapper(launcher, topo, Options{}).Bootstrap(context.Background())
	assert.ErrorIs(t, err, lib.ErrInvalidSpec)
	assert.Empty(t, launcher.names())
}

func TestBootstrapResetsData(t *testing.T) {
	topo := DefaultTopology(t.TempDir())
	stale := filepath.Join(topo.Init.DataDir, "segment-0")
	require.NoError(t, os.MkdirAll(topo.Init.DataDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err := NewBootstrapper(&recordingLauncher{}, topo, Options{SkipSettle: true, ResetData: true}).
		Bootstrap(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestBootstrapWithRunner(t *testing.T) {
	script := testutil.WriteScript(t, "node.sh", testutil.FakeNode)
	r, err := runner.NewRunner(runner.Options{Executable: script, GracePeriod: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Terminate(context.Background()) })

	topo := DefaultTopology(t.TempDir())
	topo.Init.DataDir = ""
	topo.Join.DataDir = ""

	res, err := NewBootstrapper(r, topo, Options{SettleDelay: 100 * time.Millisecond}).Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Init.Pgid(), res.Join.Pgid())

	initLog := testutil.WaitForFile(t, topo.Init.LogPath, "ready", 3*time.Second)
	joinLog := testutil.WaitForFile(t, topo.Join.LogPath, "ready", 3*time.Second)
	assert.Contains(t, initLog, "started args=-n n1 -l 127.0.0.1:6379 -f 127.0.0.1:16379 init")
	assert.Contains(t, joinLog, "started args=-n n2 -l 127.0.0.1:6378 -f 127.0.0.1:16378 -s 127.0.0.1:16379")
}

func runSeedCheckingCluster(t *testing.T, opts Options) Topology {
	t.Helper()
	dir := t.TempDir()
	script := testutil.WriteScript(t, "node.sh", testutil.SeedCheckingNode)
	r, err := runner.NewRunner(runner.Options{
		Executable:  script,
		Env:         map[string]string{"READY_MARKER": filepath.Join(dir, "init.ready")},
		GracePeriod: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Terminate(context.Background()) })

	topo := DefaultTopology(dir)
	topo.Init.DataDir = ""
	topo.Join.DataDir = ""
	_, err = NewBootstrapper(r, topo, opts).Bootstrap(context.Background())
	require.NoError(t, err)
	return topo
}

func TestJoinAfterSettleFindsInitReady(t *testing.T) {
	topo := runSeedCheckingCluster(t, Options{SettleDelay: time.Second})

	joinLog := testutil.WaitForFile(t, topo.Join.LogPath, "join", 3*time.Second)
	assert.Contains(t, joinLog, "joined")
	assert.NotContains(t, joinLog, "join failed")
	testutil.WaitForFile(t, topo.Init.LogPath, "init ready", 3*time.Second)
}

func TestJoinWithoutSettleFindsInitUnready(t *testing.T) {
	topo := runSeedCheckingCluster(t, Options{SettleDelay: time.Second, SkipSettle: true})

	joinLog := testutil.WaitForFile(t, topo.Join.LogPath, "join", 3*time.Second)
	assert.Contains(t, joinLog, "join failed: seed not ready")
	// The init node still comes up; only the join raced it.
	testutil.WaitForFile(t, topo.Init.LogPath, "init ready", 3*time.Second)
}
