package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MEKXH/ccapproval/internal/approval"
)

// ErrNotAllowed is returned by Dispatch for deciders outside the allow list.
var ErrNotAllowed = errors.New("decider not allowed")

// Channel is a chat platform that carries approval requests and the human
// decisions made on them.
type Channel interface {
	approval.Gateway
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetDecisionHandler(handler approval.DecisionHandler)
}

// BaseChannel provides common functionality
type BaseChannel struct {
	AllowList map[string]bool

	mu      sync.RWMutex
	handler approval.DecisionHandler
}

// NewAllowList builds an allow list from configured ids. Blank entries are
// skipped.
func NewAllowList(ids []string) map[string]bool {
	allowList := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			allowList[id] = true
		}
	}
	return allowList
}

// IsAllowed checks if sender is permitted
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for allowed := range b.AllowList {
		normalized := strings.TrimSpace(allowed)
		trimmed := strings.TrimPrefix(normalized, "@")
		if normalized == senderID || trimmed == senderID ||
			normalized == idPart || trimmed == idPart ||
			(userPart != "" && (normalized == userPart || trimmed == userPart)) {
			return true
		}
	}

	return false
}

// SetDecisionHandler installs the consumer of inbound decisions.
func (b *BaseChannel) SetDecisionHandler(handler approval.DecisionHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Dispatch forwards a decoded decision to the handler. Decisions on settled
// or unknown approvals are dropped quietly; the first click already won.
func (b *BaseChannel) Dispatch(ctx context.Context, event approval.DecisionEvent) error {
	if !b.IsAllowed(event.UserID) {
		slog.Info("decision from user outside allow list ignored", "user", event.UserID, "approval_id", event.ApprovalID)
		return ErrNotAllowed
	}

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no decision handler installed")
	}

	err := handler(ctx, event)
	if errors.Is(err, approval.ErrAlreadyDecided) || errors.Is(err, approval.ErrNotFound) {
		slog.Debug("stale decision ignored", "approval_id", event.ApprovalID, "error", err)
		return nil
	}
	return err
}
