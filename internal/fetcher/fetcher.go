package fetcher

import (
	"context"
	"errors"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/logger"
)

type Config struct {
	GitBin  string
	Timeout time.Duration
}

// Fetcher clones repositories with the git CLI.
type Fetcher struct {
	cfg Config
	log *logrus.Entry
}

func New(cfg Config) *Fetcher {
	if cfg.GitBin == "" {
		cfg.GitBin = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Fetcher{cfg: cfg, log: logger.Component("fetcher")}
}

// Fetch clones repoURL into dest. dest must not exist or be an empty directory;
// it is never overwritten. On failure nothing is left at dest.
func (f *Fetcher) Fetch(ctx context.Context, repoURL, credential, dest string) error {
	u, err := parseRepoURL(repoURL)
	if err != nil {
		return err
	}
	if err := prepareDest(dest); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.cfg.GitBin, "clone", "--depth", "1", "--", withCredential(u, credential), dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=")
	cmd.WaitDelay = 2 * time.Second

	f.log.WithField("repo", u.Redacted()).Info("cloning repository")
	out, runErr := cmd.CombinedOutput()
	if runErr == nil {
		if _, err := os.Stat(dest); err != nil {
			return domain.Wrap(domain.KindFetch, err, "clone reported success but checkout is missing")
		}
		return nil
	}

	// never leave a partial checkout behind
	if rmErr := os.RemoveAll(dest); rmErr != nil {
		f.log.WithError(rmErr).Warnf("failed to clean up %s", dest)
	}

	diag := redact(string(out), credential)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Wrap(domain.KindFetch, ctx.Err(), "clone timed out after "+f.cfg.Timeout.String()).
			AsTimeout().WithOutput(diag)
	}
	return domain.Wrap(domain.KindFetch, errors.New(redact(runErr.Error(), credential)), classify(diag)).
		WithOutput(diag)
}

func parseRepoURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, domain.Wrap(domain.KindFetch, err, "invalid repository url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.Errorf(domain.KindFetch, "unsupported repository url scheme %q", u.Scheme)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return nil, domain.Errorf(domain.KindFetch, "repository url %q has no host or path", raw)
	}
	return u, nil
}

func prepareDest(dest string) error {
	entries, err := os.ReadDir(dest)
	switch {
	case err == nil && len(entries) > 0:
		return domain.Wrap(domain.KindFetch, domain.ErrTargetExists, "refusing to clone into "+dest)
	case err == nil:
		return nil
	case !os.IsNotExist(err):
		return domain.Wrap(domain.KindFetch, err, "inspect target directory")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return domain.Wrap(domain.KindFetch, err, "create parent directory")
	}
	return nil
}

// withCredential injects a personal access token as URL userinfo.
func withCredential(u *url.URL, credential string) string {
	c := *u
	if credential = strings.TrimSpace(credential); credential != "" {
		c.User = url.UserPassword("x-access-token", credential)
	}
	return c.String()
}

func redact(s, credential string) string {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return s
	}
	return strings.ReplaceAll(s, credential, "****")
}

func classify(out string) string {
	low := strings.ToLower(out)
	switch {
	case strings.Contains(low, "authentication failed"),
		strings.Contains(low, "could not read username"),
		strings.Contains(low, "could not read password"),
		strings.Contains(low, "403"):
		return "authentication rejected"
	case strings.Contains(low, "could not resolve host"),
		strings.Contains(low, "failed to connect"),
		strings.Contains(low, "connection refused"),
		strings.Contains(low, "not found"):
		return "repository unreachable"
	default:
		return "git clone failed"
	}
}
