package provisioner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/logger"
)

const (
	DefaultManifest = "requirements.txt"
	venvDir         = ".venv"
	// maxOutput bounds the installer diagnostics kept on failure.
	maxOutput = 3000
)

type Config struct {
	PythonBin string
	Timeout   time.Duration
	Manifest  string
}

// Provisioner installs a bot's Python dependencies into a per-bot virtualenv.
type Provisioner struct {
	cfg Config
	log *logrus.Entry
}

func New(cfg Config) *Provisioner {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Manifest == "" {
		cfg.Manifest = DefaultManifest
	}
	return &Provisioner{cfg: cfg, log: logger.Component("provisioner")}
}

// Interpreter returns the python binary that runs code in botDir.
func (p *Provisioner) Interpreter(botDir string) string {
	return filepath.Join(botDir, venvDir, "bin", "python")
}

// Provision creates the virtualenv (once) and installs the manifest into it.
func (p *Provisioner) Provision(ctx context.Context, botDir string) error {
	manifest := filepath.Join(botDir, p.cfg.Manifest)
	data, err := os.ReadFile(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Errorf(domain.KindProvision, "%s not found in repository", p.cfg.Manifest)
		}
		return domain.Wrap(domain.KindProvision, err, "read "+p.cfg.Manifest)
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return domain.Errorf(domain.KindProvision, "%s is not a text file", p.cfg.Manifest)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	interp := p.Interpreter(botDir)
	if _, err := os.Stat(interp); err != nil {
		p.log.WithField("dir", botDir).Info("creating virtualenv")
		if err := p.run(ctx, botDir, "create virtualenv", p.cfg.PythonBin, "-m", "venv", venvDir); err != nil {
			return err
		}
	}

	p.log.WithField("dir", botDir).Info("installing dependencies")
	return p.run(ctx, botDir, "dependency install failed",
		interp, "-m", "pip", "install", "--disable-pip-version-check", "-r", p.cfg.Manifest)
}

func (p *Provisioner) run(ctx context.Context, dir, what, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PIP_NO_INPUT=1")
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Wrap(domain.KindProvision, ctx.Err(), what+": timed out after "+p.cfg.Timeout.String()).
			AsTimeout().WithOutput(tail(out))
	}
	return domain.Wrap(domain.KindProvision, err, what).WithOutput(tail(out))
}

func tail(out []byte) string {
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return string(out)
}
