package server

import (
	"net/http"
	"time"

	"github.com/betbot/botfleet/internal/commands"
	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/internal/hoststat"
)

// Bot is the API view of a deployment. The token is always masked.
type Bot struct {
	ID           string        `json:"bot_id"`
	Token        string        `json:"bot_token"`
	RepoURL      string        `json:"repo_url"`
	Status       domain.Status `json:"status"`
	PID          int           `json:"pid,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CreatedAt    time.Time     `json:"created_at"`
	LastExitCode *int          `json:"last_exit_code,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

type response struct {
	OK      bool               `json:"ok"`
	Message string             `json:"message,omitempty"`
	Kind    domain.Kind        `json:"kind,omitempty"`
	BotID   string             `json:"bot_id,omitempty"`
	Bots    []Bot              `json:"bots,omitempty"`
	Running *int               `json:"running,omitempty"`
	Total   *int               `json:"total,omitempty"`
	Host    *hoststat.Snapshot `json:"host,omitempty"`

	Detail   string `json:"detail,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

func toBot(r domain.DeploymentRecord) Bot {
	return Bot{
		ID:           r.ID,
		Token:        domain.MaskToken(r.BotToken),
		RepoURL:      r.RepoURL,
		Status:       r.Status,
		PID:          r.PID,
		StartedAt:    r.StartedAt,
		CreatedAt:    r.CreatedAt,
		LastExitCode: r.LastExitCode,
		LastError:    r.LastError,
	}
}

func fromResult(res commands.Result) response {
	out := response{
		OK: res.OK, Message: res.Message, Kind: res.Kind, BotID: res.BotID, Host: res.Host,
		Detail: res.Detail, TimedOut: res.TimedOut, Warning: res.Warning,
	}
	for _, b := range res.Bots {
		out.Bots = append(out.Bots, toBot(b))
	}
	return out
}

func statusFor(res commands.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.Kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindNotRunning:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
