package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/commands"
	"github.com/betbot/botfleet/internal/conversation"
	"github.com/betbot/botfleet/internal/deploy"
	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/logger"
	"github.com/betbot/botfleet/pkg/syncgroup"
)

type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) (Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error
}

type Commands interface {
	Deploy(ctx context.Context, req deploy.Request, progress deploy.ProgressFunc) commands.Result
	List(ctx context.Context) commands.Result
	Stop(ctx context.Context, botID string) commands.Result
	Restart(ctx context.Context, botID string) commands.Result
	Logs(ctx context.Context, botID string) commands.Result
	Remove(ctx context.Context, botID string) commands.Result
	Status(ctx context.Context) commands.Result
}

const (
	msgUnauthorized = "❌ You are not authorized to use this bot."
	msgShuttingDown = "❌ The manager is shutting down, deployment not started."
	msgSuperseded   = "⚠️ The unfinished deployment was discarded, starting over."
)

// Dispatcher routes chat updates to commands and deployment conversations.
// Updates are handled one at a time; deployments run in the background.
type Dispatcher struct {
	api         API
	cmds        Commands
	isAdmin     func(int64) bool
	conv        *conversation.Machine
	bg          *syncgroup.Group
	pollTimeout time.Duration
	log         *logrus.Entry
}

func NewDispatcher(api API, cmds Commands, isAdmin func(int64) bool, pollTimeout time.Duration) *Dispatcher {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		api:         api,
		cmds:        cmds,
		isAdmin:     isAdmin,
		bg:          syncgroup.New(),
		pollTimeout: pollTimeout,
		log:         logger.Component("telegram"),
	}
	d.conv = conversation.New(d.launch)
	return d
}

// Run long-polls until ctx is done. It does not wait for background deployments; see Wait.
func (d *Dispatcher) Run(ctx context.Context) error {
	var offset int64
	backoff := time.Second
	d.log.Info("polling for updates")
	for {
		updates, err := d.api.GetUpdates(ctx, offset, d.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.WithError(err).Warnf("getUpdates failed, retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			d.HandleUpdate(ctx, u)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Wait blocks new deployments and waits for running ones.
func (d *Dispatcher) Wait() {
	d.bg.Close()
	d.bg.Wait()
}

// HandleUpdate processes a single update. Panics are answered with an error
// reply and discard the sender's conversation.
func (d *Dispatcher) HandleUpdate(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("user", msg.From.ID).Errorf("update handler panicked: %v", r)
			d.conv.Cancel(msg.From.ID)
			d.send(ctx, msg.Chat.ID, "❌ Error: "+html.EscapeString(fmt.Sprint(r)))
		}
	}()

	if !d.isAdmin(msg.From.ID) {
		d.send(ctx, msg.Chat.ID, msgUnauthorized)
		return
	}

	name, arg, isCmd := parseCommand(msg.Text)
	if !isCmd {
		if msg.Private() {
			d.handleText(ctx, msg)
		}
		return
	}

	chat := msg.Chat.ID
	switch name {
	case "start", "help":
		d.send(ctx, chat, welcomeText)
	case "deploy":
		d.beginDeploy(ctx, msg)
	case "cancel":
		if d.conv.Cancel(msg.From.ID) {
			d.send(ctx, chat, conversation.MsgCancelled)
		} else {
			d.send(ctx, chat, conversation.MsgNothingActive)
		}
	case "list":
		d.send(ctx, chat, renderList(d.cmds.List(ctx)))
	case "status":
		d.send(ctx, chat, renderHostStatus(d.cmds.Status(ctx)))
	case "stop":
		d.withBotID(ctx, chat, name, arg, "🔄 Stopping bot %s...", d.cmds.Stop)
	case "restart":
		d.withBotID(ctx, chat, name, arg, "🔄 Restarting bot %s...", d.cmds.Restart)
	case "remove":
		d.withBotID(ctx, chat, name, arg, "🗑 Removing bot %s...", d.cmds.Remove)
	case "logs":
		d.sendLogs(ctx, chat, arg)
	default:
		d.send(ctx, chat, "❓ Unknown command. Send /start for help.")
	}
}

// parseCommand splits "/cmd@bot arg" into ("cmd", "arg").
func parseCommand(text string) (name, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head[1:], "@")
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func (d *Dispatcher) beginDeploy(ctx context.Context, msg *Message) {
	op := msg.From.ID
	if d.conv.Active(op) {
		d.send(ctx, msg.Chat.ID, msgSuperseded)
	}
	prompt := d.conv.Begin(op, domain.Anchor{ChatID: msg.Chat.ID})
	sent, err := d.api.SendMessage(ctx, msg.Chat.ID, prompt)
	if err != nil {
		d.log.WithError(err).Warn("could not send deploy prompt")
		d.conv.Cancel(op)
		return
	}
	d.conv.SetAnchor(op, domain.Anchor{ChatID: msg.Chat.ID, MessageID: sent.MessageID})
}

func (d *Dispatcher) handleText(ctx context.Context, msg *Message) {
	reply := d.conv.Handle(ctx, msg.From.ID, msg.Text)
	if reply.Text == "" {
		return
	}
	if reply.Edit && reply.Anchor.MessageID != 0 {
		d.edit(ctx, reply.Anchor, reply.Text)
		return
	}
	d.send(ctx, msg.Chat.ID, reply.Text)
}

// launch is the conversation's terminal step. The pipeline gets a context
// that outlives the update that triggered it.
func (d *Dispatcher) launch(ctx context.Context, operator int64, anchor domain.Anchor, req deploy.Request) {
	pctx := context.WithoutCancel(ctx)
	ok := d.bg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.WithField("user", operator).Errorf("deployment panicked: %v", r)
				d.edit(pctx, anchor, "❌ <b>Deployment Failed!</b>\n\nInternal error.")
			}
		}()
		d.edit(pctx, anchor, conversation.MsgDeploying)
		res := d.cmds.Deploy(pctx, req, func(stage deploy.Stage, _ string) {
			if text := renderStage(stage); text != "" {
				d.edit(pctx, anchor, text)
			}
		})
		d.edit(pctx, anchor, renderDeployResult(res, req.RepoURL))
	})
	if !ok {
		d.edit(ctx, anchor, msgShuttingDown)
	}
}

func (d *Dispatcher) withBotID(ctx context.Context, chat int64, name, botID, pending string, run func(context.Context, string) commands.Result) {
	if botID == "" {
		d.send(ctx, chat, fmt.Sprintf("❌ Usage: /%s &lt;bot_id&gt;", name))
		return
	}
	status, err := d.api.SendMessage(ctx, chat, fmt.Sprintf(pending, code(botID)))
	text := renderResult(run(ctx, botID))
	if err != nil {
		d.send(ctx, chat, text)
		return
	}
	d.edit(ctx, domain.Anchor{ChatID: chat, MessageID: status.MessageID}, text)
}

func (d *Dispatcher) sendLogs(ctx context.Context, chat int64, botID string) {
	if botID == "" {
		d.send(ctx, chat, "❌ Usage: /logs &lt;bot_id&gt;")
		return
	}
	res := d.cmds.Logs(ctx, botID)
	if !res.OK {
		d.send(ctx, chat, renderResult(res))
		return
	}
	out := RenderLogs(botID, res.Logs)
	if !out.Attachment {
		d.send(ctx, chat, renderInlineLogs(botID, out.Content))
		return
	}
	caption := "📄 Logs for bot " + code(botID)
	if err := d.api.SendDocument(ctx, chat, out.Filename, []byte(out.Content), caption); err != nil {
		d.log.WithError(err).WithField("bot", botID).Warn("sending log document failed")
		d.send(ctx, chat, "❌ Error sending logs: "+html.EscapeString(err.Error()))
	}
}

func (d *Dispatcher) send(ctx context.Context, chat int64, text string) {
	if _, err := d.api.SendMessage(ctx, chat, text); err != nil {
		d.log.WithError(err).WithField("chat", chat).Warn("sendMessage failed")
	}
}

func (d *Dispatcher) edit(ctx context.Context, anchor domain.Anchor, text string) {
	if err := d.api.EditMessageText(ctx, anchor.ChatID, anchor.MessageID, text); err != nil {
		d.log.WithError(err).WithField("chat", anchor.ChatID).Warn("editMessageText failed")
	}
}
