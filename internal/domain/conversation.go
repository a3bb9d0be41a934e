package domain

// Step is the input a deployment conversation is waiting for.
type Step string

const (
	StepAwaitingToken      Step = "awaiting_token"
	StepAwaitingRepo       Step = "awaiting_repo"
	StepAwaitingCredential Step = "awaiting_credential"
)

// Anchor points at the outbound status message that progress updates edit.
type Anchor struct {
	ChatID    int64
	MessageID int64
}

// ConversationState is the per-operator state of an in-flight deployment.
// An empty Credential means "no credential".
type ConversationState struct {
	Operator   int64
	Step       Step
	Token      string
	RepoURL    string
	Credential string
	Anchor     Anchor
}
