package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/internal/supervisor"
	"github.com/betbot/botfleet/pkg/logger"
)

type Fetcher interface {
	Fetch(ctx context.Context, repoURL, credential, dest string) error
}

type Provisioner interface {
	Provision(ctx context.Context, botDir string) error
}

type Supervisor interface {
	Start(ctx context.Context, spec supervisor.StartSpec) (supervisor.ProcessInfo, error)
	Stop(ctx context.Context, botID string) error
	Forget(botID string) bool
}

type Registry interface {
	Register(ctx context.Context, rec domain.DeploymentRecord) error
	Exists(botID string) bool
}

type Stage string

const (
	StageFetching     Stage = "fetching"
	StageProvisioning Stage = "provisioning"
	StageStarting     Stage = "starting"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

// ProgressFunc receives stage transitions. It must not block for long.
type ProgressFunc func(stage Stage, detail string)

type Request struct {
	Token      string
	RepoURL    string
	Credential string
}

type Config struct {
	DataDir string
	LogsDir string
}

// Pipeline turns a request into a running, registered bot: fetch, provision,
// start, register. A failed run leaves no checkout behind.
type Pipeline struct {
	cfg   Config
	fetch Fetcher
	prov  Provisioner
	sup   Supervisor
	reg   Registry
	log   *logrus.Entry

	newID func() string
}

func New(cfg Config, f Fetcher, p Provisioner, s Supervisor, r Registry) *Pipeline {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = "logs"
	}
	return &Pipeline{cfg: cfg, fetch: f, prov: p, sup: s, reg: r, log: logger.Component("deploy"), newID: NewID}
}

// NewID returns 12 hex characters from a random UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (p *Pipeline) BotDir(id string) string  { return filepath.Join(p.cfg.DataDir, "bots", id) }
func (p *Pipeline) LogFile(id string) string { return filepath.Join(p.cfg.LogsDir, id+".log") }

func (p *Pipeline) Run(ctx context.Context, req Request, progress ProgressFunc) (rec domain.DeploymentRecord, err error) {
	if progress == nil {
		progress = func(Stage, string) {}
	}
	if err := validate(req); err != nil {
		metrics.DeploysFailed.Add(1)
		progress(StageFailed, err.Error())
		return domain.DeploymentRecord{}, err
	}

	id, err := p.allocateID()
	if err != nil {
		metrics.DeploysFailed.Add(1)
		progress(StageFailed, err.Error())
		return domain.DeploymentRecord{}, err
	}
	log := p.log.WithFields(logrus.Fields{"bot": id, "repo": req.RepoURL, "token": domain.MaskToken(req.Token)})
	rec = domain.DeploymentRecord{
		ID:        id,
		BotToken:  strings.TrimSpace(req.Token),
		RepoURL:   strings.TrimSpace(req.RepoURL),
		BotDir:    p.BotDir(id),
		LogFile:   p.LogFile(id),
		CreatedAt: time.Now(),
	}

	// the log file only exists once the supervisor was asked to start
	spawning, started := false, false
	defer func() {
		if err == nil {
			return
		}
		if started {
			_ = p.sup.Stop(context.Background(), id)
			p.sup.Forget(id)
		}
		if errors.Is(err, domain.ErrTargetExists) {
			log.Warn("bot directory was not created by this deployment, leaving it in place")
		} else if rmErr := os.RemoveAll(rec.BotDir); rmErr != nil {
			log.WithError(rmErr).Warn("cleanup of bot directory failed")
		}
		if spawning {
			_ = os.Remove(rec.LogFile)
		}
		metrics.DeploysFailed.Add(1)
		log.WithError(err).Warn("deployment failed")
		progress(StageFailed, err.Error())
	}()

	log.Info("deployment started")
	progress(StageFetching, req.RepoURL)
	if err = p.fetch.Fetch(ctx, rec.RepoURL, strings.TrimSpace(req.Credential), rec.BotDir); err != nil {
		return domain.DeploymentRecord{}, err
	}

	progress(StageProvisioning, "")
	if err = p.prov.Provision(ctx, rec.BotDir); err != nil {
		return domain.DeploymentRecord{}, err
	}

	progress(StageStarting, "")
	spawning = true
	info, err := p.sup.Start(ctx, registry.StartSpec(rec))
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	started = true
	rec.StartedAt = info.StartedAt
	rec.Status = domain.StatusRunning

	if err = p.reg.Register(ctx, rec); err != nil {
		return domain.DeploymentRecord{}, err
	}

	metrics.DeploysOK.Add(1)
	log.WithField("pid", info.PID).Info("deployment finished")
	progress(StageDone, id)
	return rec, nil
}

func validate(req Request) error {
	if tok := strings.TrimSpace(req.Token); tok == "" || !strings.Contains(tok, ":") {
		return domain.Errorf(domain.KindValidation, "invalid bot token")
	}
	u := strings.TrimSpace(req.RepoURL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return domain.Errorf(domain.KindValidation, "repository url must start with http:// or https://")
	}
	return nil
}

// allocateID picks an id that is neither registered nor on disk.
func (p *Pipeline) allocateID() (string, error) {
	for i := 0; i < 8; i++ {
		id := p.newID()
		if p.reg.Exists(id) {
			continue
		}
		if _, err := os.Stat(p.BotDir(id)); err == nil {
			continue
		}
		return id, nil
	}
	return "", domain.Errorf(domain.KindDuplicateID, "could not allocate a free bot id")
}
