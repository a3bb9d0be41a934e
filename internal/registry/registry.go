package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/store"
	"github.com/betbot/botfleet/internal/supervisor"
	"github.com/betbot/botfleet/pkg/logger"
	"github.com/betbot/botfleet/pkg/sigchan"
)

// Supervisor is the process side the registry delegates to.
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.StartSpec) (supervisor.ProcessInfo, error)
	Stop(ctx context.Context, botID string) error
	Restart(ctx context.Context, spec supervisor.StartSpec) (supervisor.ProcessInfo, error)
	IsAlive(botID string) bool
	Info(botID string) (supervisor.ProcessInfo, bool)
	Forget(botID string) bool
}

type Config struct {
	AutoRestartOnBoot bool
	// FlushInterval is how often failed writes are retried.
	FlushInterval time.Duration
}

type entry struct {
	rec    domain.DeploymentRecord
	failed bool
}

// Registry is the in-memory source of truth for deployed bots. Records are
// written through to the gateway; failed writes are retried by Run.
type Registry struct {
	cfg Config
	sup Supervisor
	gw  store.Gateway
	log *logrus.Entry

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	dirty   map[string]struct{}

	locks keyedMutex
	wake  *sigchan.Chan
}

func New(cfg Config, sup Supervisor, gw store.Gateway) *Registry {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		sup:     sup,
		gw:      gw,
		log:     logger.Component("registry"),
		entries: make(map[string]*entry),
		dirty:   make(map[string]struct{}),
		locks:   keyedMutex{m: make(map[string]*sync.Mutex)},
		wake:    sigchan.New(),
	}
}

// StartSpec builds the supervisor request for a record.
func StartSpec(rec domain.DeploymentRecord) supervisor.StartSpec {
	return supervisor.StartSpec{
		BotID:   rec.ID,
		BotDir:  rec.BotDir,
		LogFile: rec.LogFile,
		Env:     []string{"BOT_TOKEN=" + rec.BotToken},
	}
}

// Register adds a new record. The id must not be registered yet.
func (r *Registry) Register(ctx context.Context, rec domain.DeploymentRecord) error {
	if rec.ID == "" {
		return domain.Errorf(domain.KindValidation, "record has no id")
	}
	r.mu.Lock()
	if _, ok := r.entries[rec.ID]; ok {
		r.mu.Unlock()
		return domain.DuplicateID(rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r.entries[rec.ID] = &entry{rec: rec, failed: rec.Status == domain.StatusFailed}
	r.order = append(r.order, rec.ID)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"bot": rec.ID, "token": domain.MaskToken(rec.BotToken), "repo": rec.RepoURL}).Info("bot registered")
	r.persist(ctx, rec.ID, true)
	r.refreshGauge()
	return nil
}

func (r *Registry) Exists(botID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[botID]
	return ok
}

// Unregister stops the bot if needed and forgets it. With purge the checkout
// and log file are deleted too.
func (r *Registry) Unregister(ctx context.Context, botID string, purge bool) error {
	unlock := r.locks.lock(botID)
	defer unlock()

	rec, err := r.Get(botID)
	if err != nil {
		return err
	}
	if r.sup.IsAlive(botID) {
		if err := r.sup.Stop(ctx, botID); err != nil && !domain.IsKind(err, domain.KindNotRunning) {
			return err
		}
		metrics.Stops.Add(1)
	}
	r.sup.Forget(botID)

	r.mu.Lock()
	delete(r.entries, botID)
	for i, id := range r.order {
		if id == botID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.persist(ctx, botID, true)

	if purge {
		if err := os.RemoveAll(rec.BotDir); err != nil {
			r.log.WithError(err).WithField("bot", botID).Warn("failed to remove bot directory")
		}
		if err := os.Remove(rec.LogFile); err != nil && !os.IsNotExist(err) {
			r.log.WithError(err).WithField("bot", botID).Warn("failed to remove log file")
		}
	}
	r.log.WithFields(logrus.Fields{"bot": botID, "purge": purge}).Info("bot unregistered")
	r.refreshGauge()
	return nil
}

// Get returns a snapshot with the status observed now.
func (r *Registry) Get(botID string) (domain.DeploymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[botID]
	if !ok {
		return domain.DeploymentRecord{}, domain.NotFound(botID)
	}
	return r.view(e), nil
}

// List returns snapshots in registration order.
func (r *Registry) List() []domain.DeploymentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeploymentRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.view(r.entries[id]))
	}
	return out
}

// Counts returns the running and total number of bots.
func (r *Registry) Counts() (running, total int) {
	for _, rec := range r.List() {
		if rec.Running() {
			running++
		}
		total++
	}
	return running, total
}

func (r *Registry) view(e *entry) domain.DeploymentRecord {
	rec := e.rec
	info, alive := r.sup.Info(rec.ID)
	switch {
	case alive:
		rec.Status = domain.StatusRunning
		rec.PID = info.PID
	case e.failed:
		rec.Status = domain.StatusFailed
	default:
		rec.Status = domain.StatusStopped
	}
	return rec
}

// Stop terminates the bot's process.
func (r *Registry) Stop(ctx context.Context, botID string) (domain.DeploymentRecord, error) {
	unlock := r.locks.lock(botID)
	defer unlock()

	if _, err := r.Get(botID); err != nil {
		return domain.DeploymentRecord{}, err
	}
	if err := r.sup.Stop(ctx, botID); err != nil {
		return domain.DeploymentRecord{}, err
	}
	metrics.Stops.Add(1)
	r.refreshGauge()
	return r.Get(botID)
}

// Restart stops the bot if it runs and starts it again from its stored directory.
func (r *Registry) Restart(ctx context.Context, botID string) (domain.DeploymentRecord, error) {
	unlock := r.locks.lock(botID)
	defer unlock()
	return r.restartLocked(ctx, botID)
}

func (r *Registry) restartLocked(ctx context.Context, botID string) (domain.DeploymentRecord, error) {
	rec, err := r.Get(botID)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	info, err := r.sup.Restart(ctx, StartSpec(rec))
	r.mu.Lock()
	if e, ok := r.entries[botID]; ok {
		if err != nil {
			e.failed = true
			e.rec.LastError = err.Error()
		} else {
			e.failed = false
			e.rec.StartedAt = info.StartedAt
			e.rec.LastError = ""
		}
	}
	r.mu.Unlock()
	r.persist(ctx, botID, true)
	r.refreshGauge()
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	metrics.Restarts.Add(1)
	return r.Get(botID)
}

// Logs returns the whole log file. A bot that never wrote output has empty logs.
func (r *Registry) Logs(botID string) ([]byte, error) {
	rec, err := r.Get(botID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(rec.LogFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.Wrap(domain.KindNotFound, err, "read log file")
	}
	return b, nil
}

// LogFile returns the log path for botID.
func (r *Registry) LogFile(botID string) (string, error) {
	rec, err := r.Get(botID)
	if err != nil {
		return "", err
	}
	return rec.LogFile, nil
}

// HandleExit records a process exit reported by the supervisor. It only
// touches memory; the write happens on the flusher.
func (r *Registry) HandleExit(ev supervisor.ExitEvent) {
	r.mu.Lock()
	e, ok := r.entries[ev.BotID]
	if !ok {
		r.mu.Unlock()
		return
	}
	code := ev.ExitCode
	e.rec.LastExitCode = &code
	switch {
	case ev.Requested:
		e.failed = false
	case code != 0:
		e.failed = true
		e.rec.LastError = fmt.Sprintf("exited with code %d", code)
	}
	r.dirty[ev.BotID] = struct{}{}
	r.mu.Unlock()

	if !ev.Requested {
		r.log.WithFields(logrus.Fields{"bot": ev.BotID, "code": code}).Warn("bot exited on its own")
	}
	r.wake.Emit()
}

// Rehydrate loads persisted records as stopped. An unreadable store is
// treated as empty. Returns the number of records loaded.
func (r *Registry) Rehydrate(ctx context.Context) int {
	recs, err := r.gw.LoadAll(ctx)
	if err != nil {
		r.log.WithError(err).Warn("could not load persisted bots, starting empty")
		recs = nil
	}

	var loaded []string
	r.mu.Lock()
	for _, rec := range recs {
		if _, ok := r.entries[rec.ID]; ok {
			continue
		}
		rec.Status = domain.StatusStopped
		r.entries[rec.ID] = &entry{rec: rec}
		r.order = append(r.order, rec.ID)
		loaded = append(loaded, rec.ID)
	}
	r.mu.Unlock()
	r.log.Infof("rehydrated %d bots", len(loaded))

	if r.cfg.AutoRestartOnBoot {
		for _, id := range loaded {
			if _, err := r.Restart(ctx, id); err != nil {
				r.log.WithError(err).WithField("bot", id).Warn("restart on boot failed")
			}
		}
	}
	return len(loaded)
}

// Run retries failed writes until ctx is done, then makes a last attempt.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(fctx)
			cancel()
			return
		case <-r.wake.C():
			r.Flush(ctx)
		case <-t.C:
			r.Flush(ctx)
			r.refreshGauge()
		}
	}
}

// Flush writes every dirty record now. It reports how many remain dirty.
func (r *Registry) Flush(ctx context.Context) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	r.dirty = make(map[string]struct{})
	r.mu.Unlock()

	for _, id := range ids {
		r.persist(ctx, id, false)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dirty)
}

// Pending reports whether botID has changes the store has not accepted yet.
func (r *Registry) Pending(botID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dirty[botID]
	return ok
}

// persist writes the current state of id, or removes it when unregistered.
func (r *Registry) persist(ctx context.Context, botID string, wake bool) {
	r.mu.RLock()
	e, ok := r.entries[botID]
	var rec domain.DeploymentRecord
	if ok {
		rec = e.rec
	}
	r.mu.RUnlock()

	var err error
	if ok {
		err = r.gw.Save(ctx, botID, rec)
	} else {
		err = r.gw.Remove(ctx, botID)
	}
	if err == nil {
		return
	}

	metrics.PersistErrors.Add(1)
	r.log.WithError(err).WithField("bot", botID).Warn("persist failed, will retry")
	r.mu.Lock()
	r.dirty[botID] = struct{}{}
	r.mu.Unlock()
	if wake {
		r.wake.Emit()
	}
}

func (r *Registry) refreshGauge() {
	running, _ := r.Counts()
	metrics.BotsRunning.Set(int64(running))
}

// keyedMutex serializes operations per bot id.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
