package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/secretstore"
)

// Gateway persists deployment records. Status and process handles are never
// stored; everything loaded comes back as stopped.
type Gateway interface {
	Load(ctx context.Context) (map[string]domain.DeploymentRecord, error)
	// LoadAll returns the records sorted by id.
	LoadAll(ctx context.Context) ([]domain.DeploymentRecord, error)
	Save(ctx context.Context, id string, rec domain.DeploymentRecord) error
	Remove(ctx context.Context, id string) error
	Close() error
}

const (
	BackendJSON   = "json"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

type Options struct {
	Backend string
	Path    string
	// Key is the badger encryption key, hex or base64 of 32 bytes.
	Key string
}

// Open creates the gateway for opts.Backend.
func Open(opts Options) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendJSON:
		return NewJSON(opts.Path), nil
	case BackendBadger:
		key, err := secretstore.ParseKey(opts.Key)
		if err != nil {
			return nil, errors.Wrap(err, "store key")
		}
		kv, err := secretstore.Open(secretstore.OpenOptions{Path: opts.Path, EncryptionKey: key})
		if err != nil {
			return nil, errors.Wrapf(err, "open badger store %s", opts.Path)
		}
		return NewBadger(kv, true), nil
	case BackendSQLite:
		return OpenSQLite(opts.Path)
	default:
		return nil, errors.Errorf("unknown store backend %q", opts.Backend)
	}
}

// storedRecord is the on-disk shape. The id is the map or table key.
type storedRecord struct {
	BotToken     string    `json:"bot_token"`
	RepoURL      string    `json:"repo_url"`
	BotDir       string    `json:"bot_dir"`
	StartedAt    time.Time `json:"started_at"`
	LogFile      string    `json:"log_file"`
	CreatedAt    time.Time `json:"created_at"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func fromRecord(rec domain.DeploymentRecord) storedRecord {
	return storedRecord{
		BotToken:     rec.BotToken,
		RepoURL:      rec.RepoURL,
		BotDir:       rec.BotDir,
		StartedAt:    rec.StartedAt,
		LogFile:      rec.LogFile,
		CreatedAt:    rec.CreatedAt,
		LastExitCode: rec.LastExitCode,
		LastError:    rec.LastError,
	}
}

func (s storedRecord) toRecord(id string) domain.DeploymentRecord {
	return domain.DeploymentRecord{
		ID:           id,
		BotToken:     s.BotToken,
		RepoURL:      s.RepoURL,
		BotDir:       s.BotDir,
		LogFile:      s.LogFile,
		StartedAt:    s.StartedAt,
		CreatedAt:    s.CreatedAt,
		Status:       domain.StatusStopped,
		LastExitCode: s.LastExitCode,
		LastError:    s.LastError,
	}
}

func sortedValues(m map[string]domain.DeploymentRecord) []domain.DeploymentRecord {
	out := make([]domain.DeploymentRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.Errorf(domain.KindValidation, "empty bot id")
	}
	return nil
}
