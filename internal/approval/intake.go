package approval

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MEKXH/ccapproval/internal/notify"
)

// HandleDecision applies a human decision to a pending request, rewrites the
// request message and wakes the waiting caller. Unknown or already decided
// requests return ErrNotFound or ErrAlreadyDecided and change nothing.
func (s *Service) HandleDecision(ctx context.Context, event DecisionEvent) error {
	id := strings.TrimSpace(event.ApprovalID)
	if id == "" {
		return fmt.Errorf("%w: approval id is required", ErrInvalidInput)
	}

	var status Status
	switch event.Outcome {
	case notify.OutcomeApprove:
		status = StatusApproved
	case notify.OutcomeReject:
		status = StatusRejected
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, event.Outcome)
	}

	via := strings.TrimSpace(event.Via)
	if via == "" {
		via = s.gateway.Name()
	}
	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		verb := "Rejected"
		if status == StatusApproved {
			verb = "Approved"
		}
		reason = fmt.Sprintf("%s via %s", verb, via)
	}

	ctx, span := s.tracer.Start(ctx, "approval.decision", trace.WithAttributes(
		attribute.String("approval.id", id),
		attribute.String("approval.status", string(status)),
		attribute.String("approval.via", via),
	))
	defer span.End()

	logger := s.logger.With("approval_id", id, "user", event.UserID, "via", via)

	if !s.registry.ApplyDecision(id, status, event.UserID, via, reason) {
		if _, ok := s.registry.Get(id); !ok {
			logger.Debug("decision for unknown approval ignored")
			return ErrNotFound
		}
		logger.Debug("decision for settled approval ignored")
		return ErrAlreadyDecided
	}

	req, _ := s.registry.Get(id)
	logger = logger.With("request_id", req.RequestID)
	logger.Info("approval decided", "status", status)

	loc := event.Location
	if loc.IsZero() {
		loc = req.Location
	}
	if !loc.IsZero() {
		outcome := notify.OutcomeReject
		if status == StatusApproved {
			outcome = notify.OutcomeApprove
		}
		msg := notify.DecisionMessage(notify.Decision{
			ToolName:   req.ToolName,
			Parameters: req.Parameters,
			UserID:     event.UserID,
			Outcome:    outcome,
			At:         req.DecidedAt,
			WorkingDir: s.opts.WorkingDir,
		})
		if err := s.gateway.UpdateMessage(ctx, loc, msg); err != nil {
			logger.Warn("update approval message failed", "error", err)
		}
	}

	s.registry.ResolveWaiter(id)
	return nil
}
