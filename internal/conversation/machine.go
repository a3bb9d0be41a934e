package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/deploy"
	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/logger"
)

// Texts are Telegram HTML.
const (
	PromptToken      = "🔄 Starting deployment process...\n\nPlease send the <b>Bot Token</b> for the bot you want to deploy."
	PromptRepo       = "✅ Token received!\n\n🔄 Now send the <b>GitHub Repository URL</b> (e.g., https://github.com/user/repo)"
	PromptCredential = "✅ Repository URL received!\n\n🔄 If this is a <b>private repository</b>, send your GitHub Personal Access Token.\n\nIf it's public, send: <code>skip</code>"
	MsgDeploying     = "🚀 Starting deployment...\n\nThis may take a few minutes. Please wait..."
	MsgBadToken      = "❌ Invalid token format. Please send a valid bot token."
	MsgBadRepo       = "❌ Invalid GitHub URL. Please send a valid repository URL."
	MsgCancelled     = "🛑 Deployment cancelled."
	MsgNothingActive = "Nothing to cancel."

	skipWord = "skip"
)

// Launcher receives a completed conversation. It is called at most once per
// conversation, after the state has been discarded.
type Launcher func(ctx context.Context, operator int64, anchor domain.Anchor, req deploy.Request)

// Reply tells the transport what to show. Empty Text means stay silent.
type Reply struct {
	Text string
	// Edit means Text replaces the anchored status message.
	Edit   bool
	Anchor domain.Anchor
	// Launched is set on the terminal transition.
	Launched bool
}

// Machine holds one deployment conversation per operator.
type Machine struct {
	launch Launcher
	log    *logrus.Entry

	mu     sync.Mutex
	states map[int64]*domain.ConversationState
}

func New(launch Launcher) *Machine {
	return &Machine{
		launch: launch,
		log:    logger.Component("conversation"),
		states: make(map[int64]*domain.ConversationState),
	}
}

// Begin starts a conversation for operator, replacing any unfinished one,
// and returns the first prompt.
func (m *Machine) Begin(operator int64, anchor domain.Anchor) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[operator]; ok {
		m.log.WithField("operator", operator).Info("previous deployment conversation superseded")
	}
	m.states[operator] = &domain.ConversationState{Operator: operator, Step: domain.StepAwaitingToken, Anchor: anchor}
	return PromptToken
}

// SetAnchor records the status message that later steps edit.
func (m *Machine) SetAnchor(operator int64, anchor domain.Anchor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[operator]; ok {
		st.Anchor = anchor
	}
}

func (m *Machine) Cancel(operator int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[operator]; !ok {
		return false
	}
	delete(m.states, operator)
	return true
}

func (m *Machine) Active(operator int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[operator]
	return ok
}

// state returns a copy of the operator's conversation.
func (m *Machine) state(operator int64) (domain.ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[operator]
	if !ok {
		return domain.ConversationState{}, false
	}
	return *st, true
}

// Handle feeds one text message into the operator's conversation. Input while
// no conversation is active is ignored.
func (m *Machine) Handle(ctx context.Context, operator int64, text string) (reply Reply) {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	st, ok := m.states[operator]
	if !ok {
		m.mu.Unlock()
		return Reply{}
	}

	switch st.Step {
	case domain.StepAwaitingToken:
		defer m.mu.Unlock()
		if text == "" || !strings.Contains(text, ":") {
			return Reply{Text: MsgBadToken}
		}
		st.Token = text
		st.Step = domain.StepAwaitingRepo
		return Reply{Text: PromptRepo, Edit: true, Anchor: st.Anchor}

	case domain.StepAwaitingRepo:
		defer m.mu.Unlock()
		if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
			return Reply{Text: MsgBadRepo}
		}
		st.RepoURL = text
		st.Step = domain.StepAwaitingCredential
		return Reply{Text: PromptCredential, Edit: true, Anchor: st.Anchor}

	case domain.StepAwaitingCredential:
		if !strings.EqualFold(text, skipWord) {
			st.Credential = text
		}
		done := *st
		delete(m.states, operator)
		m.mu.Unlock()
		return m.fire(ctx, done)
	}

	// unknown step
	delete(m.states, operator)
	m.mu.Unlock()
	return Reply{}
}

func (m *Machine) fire(ctx context.Context, st domain.ConversationState) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("operator", st.Operator).Errorf("deployment launch panicked: %v", r)
			reply = Reply{Text: fmt.Sprintf("❌ Error processing input: %v", r)}
		}
	}()
	if m.launch != nil {
		m.launch(ctx, st.Operator, st.Anchor, deploy.Request{Token: st.Token, RepoURL: st.RepoURL, Credential: st.Credential})
	}
	// the launcher reports progress on the anchor itself
	return Reply{Anchor: st.Anchor, Launched: true}
}
