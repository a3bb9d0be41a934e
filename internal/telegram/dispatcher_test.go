package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botfleet/internal/commands"
	"github.com/betbot/botfleet/internal/conversation"
	"github.com/betbot/botfleet/internal/deploy"
)

type sent struct {
	chat int64
	text string
}

type edited struct {
	chat, msg int64
	text      string
}

type fakeAPI struct {
	mu      sync.Mutex
	nextID  int64
	sent    []sent
	edits   []edited
	docs    []string
	updates [][]Update
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	f.mu.Lock()
	if len(f.updates) > 0 {
		u := f.updates[0]
		f.updates = f.updates[1:]
		f.mu.Unlock()
		return u, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID int64, text string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{chatID, text})
	return Message{MessageID: f.nextID, Chat: Chat{ID: chatID}}, nil
}

func (f *fakeAPI) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{chatID, messageID, text})
	return nil
}

func (f *fakeAPI) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, filename)
	return nil
}

func (f *fakeAPI) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

type fakeCommands struct {
	mu       sync.Mutex
	deploys  []deploy.Request
	logs     []byte
	stopped  []string
	panicOn  string
	deployOK bool
}

func (c *fakeCommands) Deploy(ctx context.Context, req deploy.Request, progress deploy.ProgressFunc) commands.Result {
	c.mu.Lock()
	c.deploys = append(c.deploys, req)
	c.mu.Unlock()
	progress(deploy.StageFetching, "")
	progress(deploy.StageProvisioning, "")
	if !c.deployOK {
		return commands.Result{Message: "fetch: clone failed"}
	}
	return commands.Result{OK: true, BotID: "abc123abc123"}
}

func (c *fakeCommands) List(ctx context.Context) commands.Result {
	if c.panicOn == "list" {
		panic("list broke")
	}
	return commands.Result{OK: true}
}

func (c *fakeCommands) Stop(ctx context.Context, id string) commands.Result {
	c.stopped = append(c.stopped, id)
	return commands.Result{OK: true, BotID: id, Message: "Bot " + id + " stopped"}
}

func (c *fakeCommands) Restart(ctx context.Context, id string) commands.Result {
	return commands.Result{Message: "Bot " + id + " not found"}
}

func (c *fakeCommands) Logs(ctx context.Context, id string) commands.Result {
	return commands.Result{OK: true, BotID: id, Logs: c.logs}
}

func (c *fakeCommands) Remove(ctx context.Context, id string) commands.Result {
	return commands.Result{OK: true, BotID: id, Message: "Bot " + id + " removed"}
}

func (c *fakeCommands) Status(ctx context.Context) commands.Result {
	return commands.Result{OK: true, Running: 2, Total: 3}
}

const admin = int64(42)

func newTestDispatcher() (*Dispatcher, *fakeAPI, *fakeCommands) {
	api := &fakeAPI{}
	cmds := &fakeCommands{deployOK: true}
	d := NewDispatcher(api, cmds, func(id int64) bool { return id == admin }, time.Second)
	return d, api, cmds
}

func textFrom(user int64, text string) Update {
	return Update{Message: &Message{From: &User{ID: user}, Chat: Chat{ID: user, Type: "private"}, Text: text}}
}

func TestParseCommand(t *testing.T) {
	name, arg, ok := parseCommand("/stop@manager_bot  abc ")
	assert.True(t, ok)
	assert.Equal(t, "stop", name)
	assert.Equal(t, "abc", arg)

	_, _, ok = parseCommand("hello")
	assert.False(t, ok)
}

func TestRejectsNonAdmins(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	d.HandleUpdate(context.Background(), textFrom(7, "/stop abc"))
	assert.Equal(t, msgUnauthorized, api.lastSent())
	assert.Empty(t, cmds.stopped)
}

func TestDeployConversation(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	ctx := context.Background()

	d.HandleUpdate(ctx, textFrom(admin, "/deploy"))
	assert.Equal(t, conversation.PromptToken, api.lastSent())
	anchor := api.nextID

	d.HandleUpdate(ctx, textFrom(admin, "123:ABC"))
	d.HandleUpdate(ctx, textFrom(admin, "https://github.com/x/y"))
	d.HandleUpdate(ctx, textFrom(admin, "skip"))
	d.Wait()

	require.Len(t, cmds.deploys, 1)
	assert.Equal(t, deploy.Request{Token: "123:ABC", RepoURL: "https://github.com/x/y"}, cmds.deploys[0])

	require.NotEmpty(t, api.edits)
	for _, e := range api.edits {
		assert.Equal(t, anchor, e.msg, "every update edits the anchored message")
	}
	assert.Equal(t, conversation.PromptRepo, api.edits[0].text)
	assert.Equal(t, conversation.PromptCredential, api.edits[1].text)
	last := api.edits[len(api.edits)-1].text
	assert.Contains(t, last, "Deployment Successful")
	assert.Contains(t, last, "abc123abc123")
}

func TestDeployFailureIsReported(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	cmds.deployOK = false
	ctx := context.Background()

	for _, txt := range []string{"/deploy", "1:A", "https://x/y", "tok"} {
		d.HandleUpdate(ctx, textFrom(admin, txt))
	}
	d.Wait()
	assert.Equal(t, "tok", cmds.deploys[0].Credential)
	assert.Contains(t, api.edits[len(api.edits)-1].text, "Deployment Failed")
}

func TestInvalidTokenReply(t *testing.T) {
	d, api, _ := newTestDispatcher()
	ctx := context.Background()
	d.HandleUpdate(ctx, textFrom(admin, "/deploy"))
	d.HandleUpdate(ctx, textFrom(admin, "nonsense"))
	assert.Equal(t, conversation.MsgBadToken, api.lastSent())
}

func TestTextOutsideConversationIsIgnored(t *testing.T) {
	d, api, _ := newTestDispatcher()
	d.HandleUpdate(context.Background(), textFrom(admin, "hello"))
	assert.Empty(t, api.sent)
}

func TestCancel(t *testing.T) {
	d, api, _ := newTestDispatcher()
	ctx := context.Background()
	d.HandleUpdate(ctx, textFrom(admin, "/cancel"))
	assert.Equal(t, conversation.MsgNothingActive, api.lastSent())
	d.HandleUpdate(ctx, textFrom(admin, "/deploy"))
	d.HandleUpdate(ctx, textFrom(admin, "/cancel"))
	assert.Equal(t, conversation.MsgCancelled, api.lastSent())
}

func TestSecondDeploySupersedesFirst(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	ctx := context.Background()

	d.HandleUpdate(ctx, textFrom(admin, "/deploy"))
	d.HandleUpdate(ctx, textFrom(admin, "123:ABC"))
	d.HandleUpdate(ctx, textFrom(admin, "/deploy"))

	api.mu.Lock()
	n := len(api.sent)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, msgSuperseded, api.sent[n-2].text)
	assert.Equal(t, conversation.PromptToken, api.sent[n-1].text)
	api.mu.Unlock()

	// the new conversation starts from the token step
	d.HandleUpdate(ctx, textFrom(admin, "nonsense"))
	assert.Equal(t, conversation.MsgBadToken, api.lastSent())
	assert.Empty(t, cmds.deploys)
}

func TestStopEditsStatusMessage(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	d.HandleUpdate(context.Background(), textFrom(admin, "/stop abc"))

	assert.Equal(t, []string{"abc"}, cmds.stopped)
	assert.Contains(t, api.lastSent(), "Stopping bot <code>abc</code>")
	require.Len(t, api.edits, 1)
	assert.Equal(t, "✅ Bot abc stopped", api.edits[0].text)
}

func TestUsageWithoutID(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	d.HandleUpdate(context.Background(), textFrom(admin, "/restart"))
	assert.Contains(t, api.lastSent(), "Usage: /restart")
	assert.Empty(t, cmds.stopped)
}

func TestLogsInlineAndDocument(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	ctx := context.Background()

	cmds.logs = []byte("short & sweet")
	d.HandleUpdate(ctx, textFrom(admin, "/logs abc"))
	assert.Contains(t, api.lastSent(), "<pre>short &amp; sweet</pre>")

	cmds.logs = []byte(strings.Repeat("x", 5000))
	d.HandleUpdate(ctx, textFrom(admin, "/logs abc"))
	assert.Equal(t, []string{"abc_logs.txt"}, api.docs)
}

func TestStatusAndList(t *testing.T) {
	d, api, _ := newTestDispatcher()
	ctx := context.Background()
	d.HandleUpdate(ctx, textFrom(admin, "/status"))
	assert.Contains(t, api.lastSent(), "Running: 2/3")
	d.HandleUpdate(ctx, textFrom(admin, "/list"))
	assert.Contains(t, api.lastSent(), "No bots")
}

func TestPanicIsRecovered(t *testing.T) {
	d, api, cmds := newTestDispatcher()
	cmds.panicOn = "list"
	ctx := context.Background()
	d.HandleUpdate(ctx, textFrom(admin, "/deploy"))
	d.HandleUpdate(ctx, textFrom(admin, "/list"))

	assert.Contains(t, api.lastSent(), "list broke")
	assert.False(t, d.conv.Active(admin))
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	d, api, _ := newTestDispatcher()
	api.updates = [][]Update{{
		{UpdateID: 10, Message: textFrom(admin, "/status").Message},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return strings.Contains(api.lastSent(), "System Status") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
