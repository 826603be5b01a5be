package approval

import (
	"context"
	"errors"
	"time"

	"github.com/MEKXH/ccapproval/internal/notify"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusTimeout
}

// SystemActor is recorded as DecidedBy for decisions the process makes itself.
const SystemActor = "system"

const (
	ReasonTimedOut           = "Approval request timed out"
	ReasonCancelled          = "Approval request cancelled"
	ReasonNotMember          = "bot is not a member of the channel"
	ReasonNotificationFailed = "notification failed"
)

var (
	ErrInvalidInput   = errors.New("invalid approval input")
	ErrNotFound       = errors.New("approval not found")
	ErrAlreadyDecided = errors.New("approval already decided")
)

// Request is an in-memory approval record. Values returned by the registry
// are copies.
type Request struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
	Status     Status         `json:"status"`
	DecidedBy  string         `json:"decidedBy,omitempty"`
	DecidedVia string         `json:"decidedVia,omitempty"`
	DecidedAt  time.Time      `json:"decidedAt,omitzero"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	RequestID  string         `json:"requestId,omitempty"`
	Location   Location       `json:"location,omitzero"`
}

// Behavior is the permission answer returned to the assistant.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is the result of an approval request.
type Decision struct {
	Behavior     Behavior       `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Location identifies a posted chat message.
type Location struct {
	ChannelID string `json:"channelId,omitempty"`
	MessageTS string `json:"messageTs,omitempty"`
}

// IsZero reports whether the location points at nothing.
func (l Location) IsZero() bool {
	return l.ChannelID == "" && l.MessageTS == ""
}

// DecisionEvent is an inbound human decision decoded by a gateway.
type DecisionEvent struct {
	Outcome    notify.Outcome
	ApprovalID string
	UserID     string
	Location   Location
	Via        string
	Reason     string
}

// DecisionHandler consumes decision events from a gateway.
type DecisionHandler func(ctx context.Context, event DecisionEvent) error

// Gateway is the outbound side of a chat platform.
type Gateway interface {
	Name() string
	BotName() string
	PostMessage(ctx context.Context, channelID string, msg notify.Message, threadTS string) (Location, error)
	UpdateMessage(ctx context.Context, loc Location, msg notify.Message) error
	DeleteMessage(ctx context.Context, loc Location) error
	AddReaction(ctx context.Context, loc Location, name string) error
	RemoveReaction(ctx context.Context, loc Location, name string) error
	IsChannelMember(ctx context.Context, channelID string) (bool, error)
}

// ChannelIDChecker is implemented by gateways whose configured channel may be
// a display name rather than the id the platform reports on posted messages.
type ChannelIDChecker interface {
	IsChannelID(channel string) bool
}

// Policy classifies tools that need human approval.
type Policy interface {
	RequiresApproval(toolName string) bool
}

// ThreadStore persists the thread root of a session.
type ThreadStore interface {
	Lookup(sessionID string) (Location, bool, error)
	Start(sessionID string, root Location) error
	Finish(sessionID string, ok bool) error
}

// Recorder observes terminal outcomes for audit and metrics.
type Recorder interface {
	Resolved(ctx context.Context, req Request, wait time.Duration)
	Bypassed(ctx context.Context, toolName string)
}

// Recorders fans every observation out to each recorder in order.
type Recorders []Recorder

func (rs Recorders) Resolved(ctx context.Context, req Request, wait time.Duration) {
	for _, r := range rs {
		r.Resolved(ctx, req, wait)
	}
}

func (rs Recorders) Bypassed(ctx context.Context, toolName string) {
	for _, r := range rs {
		r.Bypassed(ctx, toolName)
	}
}

const (
	reactionWaiting  = "hourglass_flowing_sand"
	reactionApproved = "white_check_mark"
	reactionRejected = "x"
)
