package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/logger"
	"github.com/betbot/botfleet/pkg/syncgroup"
)

// DefaultEntrypoints are tried in order inside the bot directory.
var DefaultEntrypoints = []string{"bot.py", "main.py", "app.py"}

type StartSpec struct {
	BotID   string
	BotDir  string
	LogFile string
	// Env is appended to the manager's environment.
	Env []string
}

type ProcessInfo struct {
	BotID          string
	PID            int
	Entrypoint     string
	StartedAt      time.Time
	AlreadyRunning bool
}

// ExitEvent is published once per process, before IsAlive turns false.
type ExitEvent struct {
	BotID    string
	PID      int
	ExitCode int
	Err      error
	// Requested is true when the exit followed Stop, Restart or StopAll.
	Requested bool
	At        time.Time
}

// CommandBuilder creates the command for a resolved entry point. The
// supervisor sets Dir, output, process group and, when left nil, Env.
type CommandBuilder func(spec StartSpec, entry string) *exec.Cmd

type Config struct {
	Entrypoints []string
	// Interpreter maps a bot directory to the python that runs it.
	Interpreter  func(botDir string) string
	SpawnTimeout time.Duration
	StopGrace    time.Duration
}

type Option func(*Supervisor)

func WithCommandBuilder(b CommandBuilder) Option {
	return func(s *Supervisor) { s.build = b }
}

// OnExit registers the exit observer. It must not call back into the supervisor
// for the same bot.
func OnExit(fn func(ExitEvent)) Option {
	return func(s *Supervisor) { s.onExit = fn }
}

type handle struct {
	cmd       *exec.Cmd
	pid       int
	entry     string
	startedAt time.Time
	done      chan struct{}
	stopping  atomic.Bool
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the bot child processes. At most one handle exists per bot id.
type Supervisor struct {
	cfg    Config
	build  CommandBuilder
	onExit func(ExitEvent)
	log    *logrus.Entry

	mu      sync.Mutex
	handles map[string]*handle
	locks   map[string]*sync.Mutex
}

func New(cfg Config, opts ...Option) *Supervisor {
	if len(cfg.Entrypoints) == 0 {
		cfg.Entrypoints = DefaultEntrypoints
	}
	if cfg.Interpreter == nil {
		cfg.Interpreter = func(botDir string) string { return filepath.Join(botDir, ".venv", "bin", "python") }
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 15 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	s := &Supervisor{
		cfg:     cfg,
		log:     logger.Component("supervisor"),
		handles: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
	}
	s.build = s.defaultCommand
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) defaultCommand(spec StartSpec, entry string) *exec.Cmd {
	return exec.Command(s.cfg.Interpreter(spec.BotDir), "-u", entry)
}

func (s *Supervisor) lockFor(botID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[botID] = l
	}
	return l
}

func (s *Supervisor) get(botID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[botID]
}

// Start launches the bot. If a live process already exists it is kept and
// reported with AlreadyRunning set.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (ProcessInfo, error) {
	l := s.lockFor(spec.BotID)
	l.Lock()
	defer l.Unlock()

	if h := s.get(spec.BotID); h != nil && h.alive() {
		return ProcessInfo{BotID: spec.BotID, PID: h.pid, Entrypoint: h.entry, StartedAt: h.startedAt, AlreadyRunning: true}, nil
	}
	return s.startLocked(ctx, spec)
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace
// period. Stopping an exited process succeeds.
func (s *Supervisor) Stop(ctx context.Context, botID string) error {
	l := s.lockFor(botID)
	l.Lock()
	defer l.Unlock()
	return s.stopLocked(ctx, botID)
}

// Restart stops the current process if any and starts a new one.
func (s *Supervisor) Restart(ctx context.Context, spec StartSpec) (ProcessInfo, error) {
	l := s.lockFor(spec.BotID)
	l.Lock()
	defer l.Unlock()

	if err := s.stopLocked(ctx, spec.BotID); err != nil && !domain.IsKind(err, domain.KindNotRunning) {
		return ProcessInfo{}, err
	}
	return s.startLocked(ctx, spec)
}

func (s *Supervisor) IsAlive(botID string) bool {
	h := s.get(botID)
	return h != nil && h.alive()
}

// Info returns the live process for botID.
func (s *Supervisor) Info(botID string) (ProcessInfo, bool) {
	h := s.get(botID)
	if h == nil || !h.alive() {
		return ProcessInfo{}, false
	}
	return ProcessInfo{BotID: botID, PID: h.pid, Entrypoint: h.entry, StartedAt: h.startedAt}, true
}

// Running lists the ids with a live process, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id, h := range s.handles {
		if h.alive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget drops the handle of an exited process. It reports false if the
// process is still alive.
func (s *Supervisor) Forget(botID string) bool {
	l := s.lockFor(botID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[botID]; ok && h.alive() {
		return false
	}
	delete(s.handles, botID)
	return true
}

// StopAll stops every live process concurrently.
func (s *Supervisor) StopAll(ctx context.Context) {
	g := syncgroup.New()
	for _, id := range s.Running() {
		id := id
		g.Go(func() {
			if err := s.Stop(ctx, id); err != nil && !domain.IsKind(err, domain.KindNotRunning) {
				s.log.WithError(err).WithField("bot", id).Warn("stop failed during shutdown")
			}
		})
	}
	g.Close()
	g.Wait()
}

func (s *Supervisor) resolveEntry(botDir string) (string, *domain.Error) {
	for _, name := range s.cfg.Entrypoints {
		st, err := os.Stat(filepath.Join(botDir, name))
		if err == nil && st.Mode().IsRegular() {
			return name, nil
		}
	}
	return "", domain.Errorf(domain.KindSpawn, "no entry point found (tried %v)", s.cfg.Entrypoints)
}

func (s *Supervisor) startLocked(ctx context.Context, spec StartSpec) (ProcessInfo, error) {
	fail := func(err *domain.Error) (ProcessInfo, error) {
		err.BotID = spec.BotID
		return ProcessInfo{}, err
	}

	entry, derr := s.resolveEntry(spec.BotDir)
	if derr != nil {
		return fail(derr)
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
		return fail(domain.Wrap(domain.KindSpawn, err, "create log directory"))
	}
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fail(domain.Wrap(domain.KindSpawn, err, "open log file"))
	}
	now := time.Now()
	fmt.Fprintf(logFile, "=== %s starting %s ===\n", now.Format(time.RFC3339), entry)

	cmd := s.build(spec, entry)
	cmd.Dir = spec.BotDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if cmd.Env == nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// own process group so the whole tree can be signalled
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	timer := time.NewTimer(s.cfg.SpawnTimeout)
	defer timer.Stop()
	var startErr error
	select {
	case startErr = <-started:
	case <-timer.C:
		go reapLate(cmd, started, logFile)
		return fail(domain.Errorf(domain.KindSpawn, "process did not start within %s", s.cfg.SpawnTimeout).AsTimeout())
	case <-ctx.Done():
		go reapLate(cmd, started, logFile)
		return fail(domain.Wrap(domain.KindSpawn, ctx.Err(), "start cancelled"))
	}
	if startErr != nil {
		_ = logFile.Close()
		return fail(domain.Wrap(domain.KindSpawn, startErr, "start process"))
	}

	h := &handle{cmd: cmd, pid: cmd.Process.Pid, entry: entry, startedAt: now, done: make(chan struct{})}
	s.mu.Lock()
	s.handles[spec.BotID] = h
	s.mu.Unlock()

	go s.wait(spec.BotID, h, logFile)

	s.log.WithFields(logrus.Fields{"bot": spec.BotID, "pid": h.pid, "entry": entry}).Info("bot started")
	return ProcessInfo{BotID: spec.BotID, PID: h.pid, Entrypoint: entry, StartedAt: now}, nil
}

func (s *Supervisor) wait(botID string, h *handle, logFile *os.File) {
	waitErr := h.cmd.Wait()
	_ = logFile.Close()

	code := 0
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			code = ee.ExitCode()
		} else {
			code = 1
		}
	}

	ev := ExitEvent{BotID: botID, PID: h.pid, ExitCode: code, Err: waitErr, Requested: h.stopping.Load(), At: time.Now()}
	s.log.WithFields(logrus.Fields{"bot": botID, "pid": h.pid, "code": code, "requested": ev.Requested}).Info("bot exited")
	if s.onExit != nil {
		s.onExit(ev)
	}
	close(h.done)
}

func (s *Supervisor) stopLocked(ctx context.Context, botID string) error {
	h := s.get(botID)
	if h == nil {
		return domain.NotRunning(botID)
	}
	if !h.alive() {
		return nil
	}
	h.stopping.Store(true)

	signalGroup(h.pid, unix.SIGTERM)
	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.log.WithFields(logrus.Fields{"bot": botID, "pid": h.pid}).Warn("grace period expired, killing")
	signalGroup(h.pid, unix.SIGKILL)
	select {
	case <-h.done:
		return nil
	case <-time.After(s.cfg.StopGrace):
		return pkgerrors.Errorf("bot %s: process %d survived SIGKILL", botID, h.pid)
	}
}

func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		// group may be gone, fall back to the leader
		_ = unix.Kill(pid, sig)
	}
}

// reapLate kills a process whose start outlived the spawn timeout.
func reapLate(cmd *exec.Cmd, started <-chan error, logFile *os.File) {
	if err := <-started; err == nil {
		signalGroup(cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
	}
	_ = logFile.Close()
}
