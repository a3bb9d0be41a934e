package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// DeploymentRecord describes one managed bot. Status is derived from the
// supervisor at read time and is never persisted as truth.
type DeploymentRecord struct {
	ID        string    `json:"bot_id"`
	BotToken  string    `json:"bot_token"`
	RepoURL   string    `json:"repo_url"`
	BotDir    string    `json:"bot_dir"`
	LogFile   string    `json:"log_file"`
	StartedAt time.Time `json:"started_at"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	// PID is the live process id, zero when not running. Never persisted.
	PID int `json:"pid,omitempty"`

	LastExitCode *int   `json:"last_exit_code,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Running reports whether the record was observed running.
func (r DeploymentRecord) Running() bool { return r.Status == StatusRunning }

// MaskToken hides most of a bot token: "123456:AAH...wxyz" -> "123456:****wxyz".
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	head, tail, ok := strings.Cut(token, ":")
	if !ok {
		if len(token) <= 4 {
			return "****"
		}
		return "****" + token[len(token)-4:]
	}
	if len(tail) <= 4 {
		return head + ":****"
	}
	return head + ":****" + tail[len(tail)-4:]
}
