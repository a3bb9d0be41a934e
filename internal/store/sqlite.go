package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/botfleet/internal/domain"
)

// SQLiteGateway keeps one row per bot in the bots table.
type SQLiteGateway struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteGateway, error) {
	if path == "" {
		path = "data/bots.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	g := &SQLiteGateway{db: db}
	if err := g.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func (g *SQLiteGateway) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS bots (
  id TEXT PRIMARY KEY,
  bot_token TEXT NOT NULL,
  repo_url TEXT NOT NULL,
  bot_dir TEXT NOT NULL,
  log_file TEXT NOT NULL,
  started_at TEXT NOT NULL,
  created_at TEXT NOT NULL,
  last_exit_code INTEGER,
  last_error TEXT
);`,
	}
	for _, s := range stmts {
		if _, err := g.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

func (g *SQLiteGateway) Load(ctx context.Context) (map[string]domain.DeploymentRecord, error) {
	all, err := g.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.DeploymentRecord, len(all))
	for _, r := range all {
		out[r.ID] = r
	}
	return out, nil
}

func (g *SQLiteGateway) LoadAll(ctx context.Context) ([]domain.DeploymentRecord, error) {
	rows, err := g.db.QueryContext(ctx, `
SELECT id,bot_token,repo_url,bot_dir,log_file,started_at,created_at,last_exit_code,last_error
FROM bots ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "query bots")
	}
	defer rows.Close()

	var out []domain.DeploymentRecord
	for rows.Next() {
		var (
			id                   string
			r                    storedRecord
			startedAt, createdAt string
			exitCode             sql.NullInt64
			lastErr              sql.NullString
		)
		if err := rows.Scan(&id, &r.BotToken, &r.RepoURL, &r.BotDir, &r.LogFile, &startedAt, &createdAt, &exitCode, &lastErr); err != nil {
			return nil, errors.Wrap(err, "scan bot")
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if exitCode.Valid {
			v := int(exitCode.Int64)
			r.LastExitCode = &v
		}
		r.LastError = lastErr.String
		out = append(out, r.toRecord(id))
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) Save(ctx context.Context, id string, rec domain.DeploymentRecord) error {
	if err := checkID(id); err != nil {
		return err
	}
	var exitCode any
	if rec.LastExitCode != nil {
		exitCode = *rec.LastExitCode
	}
	_, err := g.db.ExecContext(ctx, `
INSERT INTO bots (id,bot_token,repo_url,bot_dir,log_file,started_at,created_at,last_exit_code,last_error)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  bot_token=excluded.bot_token,
  repo_url=excluded.repo_url,
  bot_dir=excluded.bot_dir,
  log_file=excluded.log_file,
  started_at=excluded.started_at,
  last_exit_code=excluded.last_exit_code,
  last_error=excluded.last_error
`, id, rec.BotToken, rec.RepoURL, rec.BotDir, rec.LogFile,
		rec.StartedAt.Format(time.RFC3339Nano), rec.CreatedAt.Format(time.RFC3339Nano), exitCode, rec.LastError)
	if err != nil {
		return domain.Wrap(domain.KindPersistence, err, "upsert bot")
	}
	return nil
}

func (g *SQLiteGateway) Remove(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM bots WHERE id=?`, id); err != nil {
		return domain.Wrap(domain.KindPersistence, err, "delete bot")
	}
	return nil
}

func (g *SQLiteGateway) Close() error { return g.db.Close() }
