package registry

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

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/internal/store"
	"github.com/betbot/botfleet/internal/supervisor"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	alive    map[string]bool
	handles  map[string]bool
	starts   map[string]int
	pids     map[string]int
	startErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{alive: map[string]bool{}, handles: map[string]bool{}, starts: map[string]int{}, pids: map[string]int{}}
}

func (f *fakeSupervisor) Start(ctx context.Context, spec supervisor.StartSpec) (supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive[spec.BotID] {
		return supervisor.ProcessInfo{BotID: spec.BotID, AlreadyRunning: true}, nil
	}
	if f.startErr != nil {
		return supervisor.ProcessInfo{}, f.startErr
	}
	f.alive[spec.BotID] = true
	f.handles[spec.BotID] = true
	f.starts[spec.BotID]++
	f.pids[spec.BotID] = 100 + f.starts[spec.BotID]
	return supervisor.ProcessInfo{BotID: spec.BotID, PID: f.pids[spec.BotID], StartedAt: time.Now()}, nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.handles[botID] {
		return domain.NotRunning(botID)
	}
	f.alive[botID] = false
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context, spec supervisor.StartSpec) (supervisor.ProcessInfo, error) {
	if err := f.Stop(ctx, spec.BotID); err != nil && !domain.IsKind(err, domain.KindNotRunning) {
		return supervisor.ProcessInfo{}, err
	}
	return f.Start(ctx, spec)
}

func (f *fakeSupervisor) IsAlive(botID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[botID]
}

func (f *fakeSupervisor) Info(botID string) (supervisor.ProcessInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[botID] {
		return supervisor.ProcessInfo{}, false
	}
	return supervisor.ProcessInfo{BotID: botID, PID: f.pids[botID]}, true
}

func (f *fakeSupervisor) Forget(botID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive[botID] {
		return false
	}
	delete(f.handles, botID)
	return true
}

// flakyGateway fails writes while failing is set.
type flakyGateway struct {
	store.Gateway
	mu      sync.Mutex
	failing bool
}

func (g *flakyGateway) setFailing(v bool) {
	g.mu.Lock()
	g.failing = v
	g.mu.Unlock()
}

func (g *flakyGateway) Save(ctx context.Context, id string, rec domain.DeploymentRecord) error {
	g.mu.Lock()
	failing := g.failing
	g.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return g.Gateway.Save(ctx, id, rec)
}

func newRecord(t *testing.T, root, id string) domain.DeploymentRecord {
	t.Helper()
	dir := filepath.Join(root, "bots", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return domain.DeploymentRecord{
		ID:        id,
		BotToken:  "111:AAA" + id,
		RepoURL:   "https://github.com/acme/" + id,
		BotDir:    dir,
		LogFile:   filepath.Join(root, "logs", id+".log"),
		StartedAt: time.Now(),
	}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSupervisor, *store.JSONGateway, string) {
	t.Helper()
	root := t.TempDir()
	gw := store.NewJSON(filepath.Join(root, "bots_data.json"))
	sup := newFakeSupervisor()
	return New(Config{}, sup, gw), sup, gw, root
}

func TestRegisterAndList(t *testing.T) {
	ctx := context.Background()
	r, sup, gw, root := newTestRegistry(t)

	for _, id := range []string{"ccc", "aaa", "bbb"} {
		rec := newRecord(t, root, id)
		_, err := sup.Start(ctx, StartSpec(rec))
		require.NoError(t, err)
		require.NoError(t, r.Register(ctx, rec))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "ccc", list[0].ID)
	assert.Equal(t, "aaa", list[1].ID)
	assert.Equal(t, "bbb", list[2].ID)
	for _, rec := range list {
		assert.Equal(t, domain.StatusRunning, rec.Status)
	}

	persisted, err := gw.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	running, total := r.Counts()
	assert.Equal(t, 3, running)
	assert.Equal(t, 3, total)
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	r, _, _, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")

	require.NoError(t, r.Register(ctx, rec))
	err := r.Register(ctx, rec)
	assert.True(t, domain.IsKind(err, domain.KindDuplicateID))
	assert.Len(t, r.List(), 1)
}

func TestUnknownBot(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newTestRegistry(t)

	_, err := r.Get("nope")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	_, err = r.Stop(ctx, "nope")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	_, err = r.Restart(ctx, "nope")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	_, err = r.Logs("nope")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	assert.True(t, domain.IsKind(r.Unregister(ctx, "nope", false), domain.KindNotFound))
}

func TestStopAndRestart(t *testing.T) {
	ctx := context.Background()
	r, sup, _, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")
	_, err := sup.Start(ctx, StartSpec(rec))
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, rec))

	got, err := r.Stop(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)

	// stopping again is fine once a handle exists
	_, err = r.Stop(ctx, "aaa")
	require.NoError(t, err)

	got, err = r.Restart(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 2, sup.starts["aaa"])
}

func TestRestartFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	r, sup, _, root := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, newRecord(t, root, "aaa")))

	sup.startErr = domain.Errorf(domain.KindSpawn, "no entry point")
	_, err := r.Restart(ctx, "aaa")
	require.True(t, domain.IsKind(err, domain.KindSpawn))

	got, err := r.Get("aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no entry point")
}

func TestHandleExit(t *testing.T) {
	ctx := context.Background()
	r, _, _, root := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, newRecord(t, root, "aaa")))
	require.NoError(t, r.Register(ctx, newRecord(t, root, "bbb")))

	r.HandleExit(supervisor.ExitEvent{BotID: "aaa", ExitCode: 2})
	r.HandleExit(supervisor.ExitEvent{BotID: "bbb", ExitCode: -1, Requested: true})
	r.HandleExit(supervisor.ExitEvent{BotID: "unknown", ExitCode: 1})

	a, _ := r.Get("aaa")
	assert.Equal(t, domain.StatusFailed, a.Status)
	require.NotNil(t, a.LastExitCode)
	assert.Equal(t, 2, *a.LastExitCode)

	b, _ := r.Get("bbb")
	assert.Equal(t, domain.StatusStopped, b.Status)
}

func TestUnregisterPurge(t *testing.T) {
	ctx := context.Background()
	r, sup, gw, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")
	require.NoError(t, os.MkdirAll(filepath.Dir(rec.LogFile), 0o755))
	require.NoError(t, os.WriteFile(rec.LogFile, []byte("hi\n"), 0o644))
	_, err := sup.Start(ctx, StartSpec(rec))
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, rec))

	require.NoError(t, r.Unregister(ctx, "aaa", true))
	assert.False(t, sup.IsAlive("aaa"))
	assert.False(t, r.Exists("aaa"))
	assert.NoDirExists(t, rec.BotDir)
	assert.NoFileExists(t, rec.LogFile)

	persisted, err := gw.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestUnregisterKeepsFilesWithoutPurge(t *testing.T) {
	ctx := context.Background()
	r, _, _, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")
	require.NoError(t, r.Register(ctx, rec))

	require.NoError(t, r.Unregister(ctx, "aaa", false))
	assert.DirExists(t, rec.BotDir)
	assert.Empty(t, r.List())
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	r, _, _, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")
	require.NoError(t, r.Register(ctx, rec))

	logs, err := r.Logs("aaa")
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, os.MkdirAll(filepath.Dir(rec.LogFile), 0o755))
	require.NoError(t, os.WriteFile(rec.LogFile, []byte("line 1\nline 2\n"), 0o644))
	logs, err = r.Logs("aaa")
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(logs))
}

func TestRehydrateForcesStopped(t *testing.T) {
	ctx := context.Background()
	r, sup, gw, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")
	_, err := sup.Start(ctx, StartSpec(rec))
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, rec))

	// a new manager over the same store
	fresh := New(Config{}, newFakeSupervisor(), store.NewJSON(gw.Path()))
	assert.Equal(t, 1, fresh.Rehydrate(ctx))

	got, err := fresh.Get("aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.Equal(t, rec.RepoURL, got.RepoURL)
	assert.Equal(t, rec.BotDir, got.BotDir)

	// no handle after a reboot
	_, err = fresh.Stop(ctx, "aaa")
	assert.True(t, domain.IsKind(err, domain.KindNotRunning))

	// restart works from the stored directory
	got, err = fresh.Restart(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestRehydrateAutoRestart(t *testing.T) {
	ctx := context.Background()
	r, _, gw, root := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, newRecord(t, root, "aaa")))

	sup := newFakeSupervisor()
	fresh := New(Config{AutoRestartOnBoot: true}, sup, store.NewJSON(gw.Path()))
	fresh.Rehydrate(ctx)
	assert.True(t, sup.IsAlive("aaa"))
}

func TestRehydrateCorruptStoreIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots_data.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o600))

	r := New(Config{}, newFakeSupervisor(), store.NewJSON(path))
	assert.Equal(t, 0, r.Rehydrate(context.Background()))
	assert.Empty(t, r.List())
}

func TestFailedWritesAreRetried(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	gw := &flakyGateway{Gateway: store.NewJSON(filepath.Join(root, "bots_data.json")), failing: true}
	r := New(Config{FlushInterval: 20 * time.Millisecond}, newFakeSupervisor(), gw)

	require.NoError(t, r.Register(ctx, newRecord(t, root, "aaa")))
	assert.Equal(t, 1, r.Flush(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		r.Run(runCtx)
		close(done)
	}()
	gw.setFailing(false)

	require.Eventually(t, func() bool {
		m, err := gw.Load(ctx)
		return err == nil && len(m) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestViewCarriesLivePID(t *testing.T) {
	ctx := context.Background()
	r, sup, gw, root := newTestRegistry(t)
	rec := newRecord(t, root, "aaa")
	_, err := sup.Start(ctx, StartSpec(rec))
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, rec))

	got, err := r.Get("aaa")
	require.NoError(t, err)
	assert.Equal(t, 101, got.PID)

	got, err = r.Restart(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, 102, got.PID)

	got, err = r.Stop(ctx, "aaa")
	require.NoError(t, err)
	assert.Zero(t, got.PID)

	persisted, err := gw.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, persisted["aaa"].PID)
}

func TestRehydrateRestartsOnlyLoadedRecords(t *testing.T) {
	ctx := context.Background()
	r, _, gw, root := newTestRegistry(t)
	aaa := newRecord(t, root, "aaa")
	require.NoError(t, r.Register(ctx, aaa))
	require.NoError(t, r.Register(ctx, newRecord(t, root, "bbb")))

	sup := newFakeSupervisor()
	fresh := New(Config{AutoRestartOnBoot: true}, sup, store.NewJSON(gw.Path()))
	require.NoError(t, fresh.Register(ctx, aaa))

	assert.Equal(t, 1, fresh.Rehydrate(ctx))
	assert.Equal(t, 1, sup.starts["bbb"])
	assert.Zero(t, sup.starts["aaa"], "records already in memory are left alone")
}

func TestPendingTracksUnsavedRecords(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	gw := &flakyGateway{Gateway: store.NewJSON(filepath.Join(root, "bots_data.json")), failing: true}
	r := New(Config{}, newFakeSupervisor(), gw)

	require.NoError(t, r.Register(ctx, newRecord(t, root, "aaa")))
	assert.True(t, r.Pending("aaa"))

	gw.setFailing(false)
	assert.Equal(t, 0, r.Flush(ctx))
	assert.False(t, r.Pending("aaa"))
}
