package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/deploy"
	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/internal/hoststat"
	"github.com/betbot/botfleet/pkg/logger"
)

type Registry interface {
	List() []domain.DeploymentRecord
	Get(botID string) (domain.DeploymentRecord, error)
	Stop(ctx context.Context, botID string) (domain.DeploymentRecord, error)
	Restart(ctx context.Context, botID string) (domain.DeploymentRecord, error)
	Logs(botID string) ([]byte, error)
	Unregister(ctx context.Context, botID string, purge bool) error
	Counts() (running, total int)
	Pending(botID string) bool
}

type Deployer interface {
	Run(ctx context.Context, req deploy.Request, progress deploy.ProgressFunc) (domain.DeploymentRecord, error)
}

type HostSampler interface {
	Sample(ctx context.Context) (hoststat.Snapshot, error)
}

// Result is what every command returns. Transports render it; they never
// see raw errors.
type Result struct {
	OK      bool                      `json:"ok"`
	Message string                    `json:"message"`
	BotID   string                    `json:"bot_id,omitempty"`
	Bots    []domain.DeploymentRecord `json:"bots,omitempty"`
	Logs    []byte                    `json:"-"`
	Host    *hoststat.Snapshot        `json:"host,omitempty"`
	Running int                       `json:"running"`
	Total   int                       `json:"total"`
	// Kind is set on failures.
	Kind domain.Kind `json:"kind,omitempty"`
	// Detail is the diagnostic output of the failing tool (git, pip).
	Detail string `json:"detail,omitempty"`
	// TimedOut marks failures where a bounded wait expired.
	TimedOut bool `json:"timed_out,omitempty"`
	// Warning is set on success when the change is not yet persisted.
	Warning string `json:"warning,omitempty"`
}

// MsgPersistPending is the warning attached while the store rejects writes.
const MsgPersistPending = "Saved in memory only; writing to storage failed and will be retried"

// Service is the operator command surface shared by the chat and HTTP transports.
type Service struct {
	reg    Registry
	deploy Deployer
	host   HostSampler
	log    *logrus.Entry
}

func NewService(reg Registry, d Deployer, host HostSampler) *Service {
	return &Service{reg: reg, deploy: d, host: host, log: logger.Component("commands")}
}

func (s *Service) guard(op string, res *Result) {
	if r := recover(); r != nil {
		s.log.WithField("op", op).Errorf("command panicked: %v", r)
		*res = Result{Message: fmt.Sprintf("Internal error while running %s", op)}
	}
}

func (s *Service) fail(op, botID string, err error) Result {
	kind := domain.KindOf(err)
	res := failure(err)
	res.BotID = botID
	switch kind {
	case domain.KindNotFound:
		res.Message = fmt.Sprintf("Bot %s not found", botID)
	case domain.KindNotRunning:
		res.Message = fmt.Sprintf("Bot %s is not running", botID)
	default:
		res.Message = fmt.Sprintf("Failed to %s bot %s: %v", op, botID, err)
	}
	if kind != domain.KindNotFound && kind != domain.KindNotRunning {
		s.log.WithError(err).WithField("bot", botID).Warnf("%s failed", op)
	}
	return res
}

// failure carries the kind, timeout flag and tool output of err.
func failure(err error) Result {
	res := Result{Message: err.Error(), Kind: domain.KindOf(err), TimedOut: domain.IsTimeout(err)}
	var derr *domain.Error
	if errors.As(err, &derr) {
		res.Detail = derr.Output
	}
	return res
}

func (s *Service) warnIfPending(res *Result) {
	if res.OK && res.BotID != "" && s.reg.Pending(res.BotID) {
		res.Warning = MsgPersistPending
	}
}

func normalizeID(botID string) (string, *Result) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return "", &Result{Message: "A bot id is required", Kind: domain.KindValidation}
	}
	return botID, nil
}

// Deploy runs the deployment pipeline to completion.
func (s *Service) Deploy(ctx context.Context, req deploy.Request, progress deploy.ProgressFunc) (res Result) {
	defer s.guard("deploy", &res)
	rec, err := s.deploy.Run(ctx, req, progress)
	if err != nil {
		return failure(err)
	}
	res = Result{OK: true, Message: "Deployment successful", BotID: rec.ID, Bots: []domain.DeploymentRecord{rec}}
	s.warnIfPending(&res)
	return res
}

func (s *Service) List(ctx context.Context) (res Result) {
	defer s.guard("list", &res)
	bots := s.reg.List()
	res = Result{OK: true, Bots: bots, Total: len(bots)}
	for _, b := range bots {
		if b.Running() {
			res.Running++
		}
	}
	if len(bots) == 0 {
		res.Message = "No bots are deployed"
	} else {
		res.Message = fmt.Sprintf("%d bots, %d running", res.Total, res.Running)
	}
	return res
}

func (s *Service) Get(ctx context.Context, botID string) (res Result) {
	defer s.guard("get", &res)
	id, bad := normalizeID(botID)
	if bad != nil {
		return *bad
	}
	rec, err := s.reg.Get(id)
	if err != nil {
		return s.fail("get", id, err)
	}
	return Result{OK: true, BotID: id, Bots: []domain.DeploymentRecord{rec}, Message: string(rec.Status)}
}

func (s *Service) Stop(ctx context.Context, botID string) (res Result) {
	defer s.guard("stop", &res)
	id, bad := normalizeID(botID)
	if bad != nil {
		return *bad
	}
	rec, err := s.reg.Stop(ctx, id)
	if err != nil {
		return s.fail("stop", id, err)
	}
	return Result{OK: true, BotID: id, Bots: []domain.DeploymentRecord{rec}, Message: fmt.Sprintf("Bot %s stopped", id)}
}

func (s *Service) Restart(ctx context.Context, botID string) (res Result) {
	defer s.guard("restart", &res)
	id, bad := normalizeID(botID)
	if bad != nil {
		return *bad
	}
	rec, err := s.reg.Restart(ctx, id)
	if err != nil {
		return s.fail("restart", id, err)
	}
	res = Result{OK: true, BotID: id, Bots: []domain.DeploymentRecord{rec}, Message: fmt.Sprintf("Bot %s restarted", id)}
	s.warnIfPending(&res)
	return res
}

// Logs returns the full log. An empty log is reported as a failure so the
// transports can say there is nothing to show.
func (s *Service) Logs(ctx context.Context, botID string) (res Result) {
	defer s.guard("logs", &res)
	id, bad := normalizeID(botID)
	if bad != nil {
		return *bad
	}
	b, err := s.reg.Logs(id)
	if err != nil {
		return s.fail("read logs of", id, err)
	}
	if len(b) == 0 {
		return Result{BotID: id, Message: fmt.Sprintf("No logs found for bot %s", id)}
	}
	return Result{OK: true, BotID: id, Logs: b}
}

// Remove stops and forgets the bot and deletes its files.
func (s *Service) Remove(ctx context.Context, botID string) (res Result) {
	defer s.guard("remove", &res)
	id, bad := normalizeID(botID)
	if bad != nil {
		return *bad
	}
	if err := s.reg.Unregister(ctx, id, true); err != nil {
		return s.fail("remove", id, err)
	}
	return Result{OK: true, BotID: id, Message: fmt.Sprintf("Bot %s removed", id)}
}

// Status reports host usage and bot counts. Host sampling failures still
// return the counts.
func (s *Service) Status(ctx context.Context) (res Result) {
	defer s.guard("status", &res)
	running, total := s.reg.Counts()
	res = Result{OK: true, Running: running, Total: total, Message: fmt.Sprintf("%d/%d bots running", running, total)}
	if s.host == nil {
		return res
	}
	snap, err := s.host.Sample(ctx)
	if err != nil {
		s.log.WithError(err).Warn("host sampling failed")
		return res
	}
	res.Host = &snap
	return res
}
