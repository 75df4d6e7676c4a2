package core

import (
	"time"

	"cosmos/core/provider"
)

// Role identifies the author of a Message within a session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Participant is a configured model acting as a group-chat member.
type Participant struct {
	ID          string // stable id: "claude", "gpt", "gemini", "grok", ...
	DisplayName string
	Color       string
	Enabled     bool
	MaxTokens   int     // per-model token budget
	Temperature float64
	Client      provider.Provider
	Model       string // provider-specific model id
	SystemMsg   string // identity + group-chat rules + tool list, slot 0 of the context window
}

// ToolInvocation is a model requesting a tool call mid-generation.
type ToolInvocation struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolOutcome is the result of executing a ToolInvocation.
type ToolOutcome struct {
	InvocationID string
	Content      string
	IsError      bool
}

// Usage holds token/cost accounting for one Message.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Message is an immutable, append-only record within a Session.
// Pinned is the only attribute mutable after creation (set_pin).
type Message struct {
	ID            string
	SessionID     string
	Role          Role
	AuthorModel   string // participant id, for assistant/tool messages
	Content       string
	ToolCalls     []ToolInvocation
	ToolResults   []ToolOutcome
	Usage         Usage
	Pinned        bool
	Superseded    bool // covered by a summary for context-assembly purposes
	CreatedAt     time.Time
}

// SummaryKind distinguishes incremental compressions from full ones.
type SummaryKind string

const (
	SummaryIncremental SummaryKind = "incremental"
	SummaryFull        SummaryKind = "full"
)

// Summary is a derived, model-generated compression of a contiguous
// message range.
type Summary struct {
	ID             string
	SessionID      string
	Kind           SummaryKind
	Content        string
	FirstMessageID string
	LastMessageID  string
	TokenCount     int
	CreatedAt      time.Time
}

// SpeakerDecision is the outcome of one participant's should-speak evaluation.
type SpeakerDecision struct {
	ParticipantID string
	ShouldSpeak   bool
	Confidence    float64 // [0,1]
	Reason        string
	Forced        bool
	Mentioned     bool
}

// SessionRecord is a logical conversation's durable metadata, as stored
// by the Persistence Layer. The live, in-process turn orchestrator is
// GroupSession (groupsession.go), wrapping a TurnExecutor (turn.go);
// SessionRecord is its persisted counterpart.
type SessionRecord struct {
	ID          string
	Name        string
	ProjectRoot string
	Metadata    map[string]string
	CreatedAt   time.Time
	ModifiedAt  time.Time
}
