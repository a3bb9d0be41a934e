package telegram

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/betbot/botfleet/internal/commands"
	"github.com/betbot/botfleet/internal/conversation"
	"github.com/betbot/botfleet/internal/deploy"
	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/internal/hoststat"
)

// LogInlineLimit is the largest log, in characters, sent as a text message.
const LogInlineLimit = 4000

type LogDelivery struct {
	Attachment bool
	Filename   string
	Content    string
}

// RenderLogs decides how a log is delivered: inline up to LogInlineLimit
// characters, as a "<id>_logs.txt" document above it.
func RenderLogs(botID string, logs []byte) LogDelivery {
	content := string(logs)
	if utf8.RuneCountInString(content) > LogInlineLimit {
		return LogDelivery{Attachment: true, Filename: botID + "_logs.txt", Content: content}
	}
	return LogDelivery{Content: content}
}

const welcomeText = `🤖 <b>Bot Manager - Multi-Bot Hosting</b>

Run multiple Telegram bots straight from GitHub repositories.

<b>Available Commands:</b>
• /deploy - Deploy a new bot
• /list - Show all bots
• /stop &lt;bot_id&gt; - Stop a bot
• /restart &lt;bot_id&gt; - Restart a bot
• /logs &lt;bot_id&gt; - View bot logs
• /remove &lt;bot_id&gt; - Stop a bot and delete its files
• /status - System status
• /cancel - Abort a deployment in progress

<b>How to deploy:</b>
1. Use /deploy
2. Send the bot token
3. Send the GitHub repo URL
4. Send a GitHub token for private repos, or <code>skip</code>
5. Wait for the deployment to finish`

const separator = "──────────────────────────────"

func code(s string) string { return "<code>" + html.EscapeString(s) + "</code>" }

func renderStatus(s domain.Status) string {
	switch s {
	case domain.StatusRunning:
		return "🟢 Running"
	case domain.StatusFailed:
		return "🟠 Failed"
	default:
		return "🔴 Stopped"
	}
}

func renderList(res commands.Result) string {
	if len(res.Bots) == 0 {
		return "📭 No bots are deployed."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 <b>Bots</b> (%d/%d running)\n\n", res.Running, res.Total)
	for _, bot := range res.Bots {
		fmt.Fprintf(&b, "<b>Bot ID:</b> %s\n", code(bot.ID))
		fmt.Fprintf(&b, "<b>Status:</b> %s\n", renderStatus(bot.Status))
		fmt.Fprintf(&b, "<b>Repo:</b> %s\n", html.EscapeString(bot.RepoURL))
		if !bot.StartedAt.IsZero() {
			fmt.Fprintf(&b, "<b>Started:</b> %s\n", bot.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if bot.Status == domain.StatusFailed && bot.LastError != "" {
			fmt.Fprintf(&b, "<b>Last error:</b> %s\n", html.EscapeString(bot.LastError))
		}
		b.WriteString(separator + "\n\n")
	}
	return b.String()
}

func renderHostStatus(res commands.Result) string {
	var b strings.Builder
	b.WriteString("📊 <b>System Status</b>\n\n")
	fmt.Fprintf(&b, "🤖 <b>Bots:</b>\n• Running: %d/%d\n", res.Running, res.Total)
	if h := res.Host; h != nil {
		b.WriteString("\n💻 <b>Resources:</b>\n")
		fmt.Fprintf(&b, "• CPU: %.1f%%\n", h.CPUPercent)
		fmt.Fprintf(&b, "• RAM: %.1f%% (%.2fGB / %.2fGB)\n", h.MemPercent, hoststat.GiB(h.MemUsed), hoststat.GiB(h.MemTotal))
		fmt.Fprintf(&b, "• Disk: %.1f%% (%.2fGB / %.2fGB)\n", h.DiskPercent, hoststat.GiB(h.DiskUsed), hoststat.GiB(h.DiskTotal))
	}
	b.WriteString("\n✅ Manager Bot: Online")
	return b.String()
}

// detailLimit bounds the tool output quoted in a reply, in characters.
const detailLimit = 2500

func renderResult(res commands.Result) string {
	if res.OK {
		return "✅ " + html.EscapeString(res.Message) + renderWarning(res)
	}
	if res.TimedOut {
		return "⏱ " + html.EscapeString(res.Message)
	}
	return "❌ " + html.EscapeString(res.Message)
}

func renderWarning(res commands.Result) string {
	if res.Warning == "" {
		return ""
	}
	return "\n\n⚠️ " + html.EscapeString(res.Warning)
}

// tailRunes keeps the last n characters of s.
func tailRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return "…" + string(r[len(r)-n:])
}

func renderStage(stage deploy.Stage) string {
	switch stage {
	case deploy.StageFetching:
		return conversation.MsgDeploying + "\n\n📥 Cloning repository..."
	case deploy.StageProvisioning:
		return conversation.MsgDeploying + "\n\n📦 Installing dependencies..."
	case deploy.StageStarting:
		return conversation.MsgDeploying + "\n\n▶️ Starting bot..."
	default:
		return ""
	}
}

func renderDeployResult(res commands.Result, repoURL string) string {
	if !res.OK {
		var b strings.Builder
		if res.TimedOut {
			b.WriteString("⏱ <b>Deployment Timed Out!</b>")
		} else {
			b.WriteString("❌ <b>Deployment Failed!</b>")
		}
		fmt.Fprintf(&b, "\n\n<b>Error:</b> %s", html.EscapeString(res.Message))
		if detail := strings.TrimSpace(res.Detail); detail != "" {
			fmt.Fprintf(&b, "\n\n<b>Output:</b>\n<pre>%s</pre>", html.EscapeString(tailRunes(detail, detailLimit)))
		}
		b.WriteString("\n\nPlease check the error and try again with /deploy")
		return b.String()
	}
	id := res.BotID
	return fmt.Sprintf("✅ <b>Deployment Successful!</b>\n\n<b>Bot ID:</b> %s\n<b>Status:</b> Running\n<b>Repository:</b> %s\n\n"+
		"You can manage this bot using:\n• /stop %s\n• /restart %s\n• /logs %s",
		code(id), html.EscapeString(repoURL), id, id, id) + renderWarning(res)
}

func renderInlineLogs(botID, content string) string {
	return fmt.Sprintf("📄 <b>Logs for bot %s:</b>\n\n<pre>%s</pre>", code(botID), html.EscapeString(content))
}
