package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MEKXH/ccapproval/internal/bus"
	"github.com/MEKXH/ccapproval/internal/notify"
)

const (
	defaultWaitTimeout = 12 * time.Hour
	tracerName         = "github.com/MEKXH/ccapproval/internal/approval"
)

// Options configures a Service. Only ChannelID is required.
type Options struct {
	ChannelID   string
	SessionID   string
	WaitTimeout time.Duration
	WorkingDir  string

	Policy   Policy
	Threads  ThreadStore
	Recorder Recorder
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Service drives the approval state machine for one process. It owns the
// thread root that groups every request of the session.
type Service struct {
	registry *Registry
	gateway  Gateway
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu            sync.Mutex
	threadTS      string
	threadChannel string
}

// NewService creates a service posting to opts.ChannelID through gw. When a
// thread store knows the session, its root message is resumed.
func NewService(registry *Registry, gw Gateway, opts Options) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	s := &Service{
		registry: registry,
		gateway:  gw,
		opts:     opts,
		logger:   logger,
		tracer:   tracer,
		now:      time.Now,
	}
	s.resumeThread()
	return s
}

func (s *Service) threadRoot() (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadTS == "" {
		return Location{}, false
	}
	return Location{ChannelID: s.threadChannel, MessageTS: s.threadTS}, true
}

// Request asks a human to approve toolName with parameters and blocks until a
// decision, the wait timeout, or ctx cancellation.
func (s *Service) Request(ctx context.Context, toolName string, parameters map[string]any) (Decision, error) {
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return Decision{}, fmt.Errorf("%w: tool_name is required", ErrInvalidInput)
	}
	if parameters == nil {
		return Decision{}, fmt.Errorf("%w: input is required", ErrInvalidInput)
	}

	requestID := bus.RequestIDFromContext(ctx)
	logger := s.logger.With("request_id", requestID, "tool", toolName)

	if s.opts.Policy != nil && !s.opts.Policy.RequiresApproval(toolName) {
		logger.Debug("tool does not require approval")
		if s.opts.Recorder != nil {
			s.opts.Recorder.Bypassed(ctx, toolName)
		}
		return Decision{Behavior: BehaviorAllow, UpdatedInput: parameters}, nil
	}

	ctx, span := s.tracer.Start(ctx, "approval.request", trace.WithAttributes(
		attribute.String("approval.tool", toolName),
		attribute.String("request_id", requestID),
	))
	defer span.End()

	req := s.registry.Create(toolName, parameters)
	logger = logger.With("approval_id", req.ID)
	span.SetAttributes(attribute.String("approval.id", req.ID))
	done := s.listen(req.ID)

	rootTS, _ := s.currentRoot()
	msg := notify.RequestMessage(toolName, parameters, req.ID, s.opts.WorkingDir)
	loc, err := s.gateway.PostMessage(ctx, s.opts.ChannelID, msg, rootTS)
	if err != nil {
		s.abandon(ctx, req.ID, ReasonNotificationFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "notify failed")
		logger.Error("post approval request failed", "error", err)
		return Decision{}, fmt.Errorf("approval notify: %w", err)
	}
	s.registry.Annotate(req.ID, requestID, loc)

	if denied, ok := s.checkMembership(ctx, logger, req.ID, loc); ok {
		span.SetAttributes(attribute.String("approval.status", string(StatusRejected)))
		return denied, nil
	}

	root := s.claimRoot(logger, loc)
	if !root.IsZero() {
		s.react(ctx, logger, root, reactionWaiting, true)
	}

	logger.Info("waiting for approval decision", "timeout", s.opts.WaitTimeout)
	started := s.now()
	final, err := s.wait(ctx, req.ID, done)
	if err != nil {
		logger.Warn("approval wait cancelled", "error", err)
		cleanup := context.WithoutCancel(ctx)
		s.finish(cleanup, logger, root, StatusTimeout)
		s.record(cleanup, req.ID, s.now().Sub(started))
		span.SetStatus(codes.Error, "cancelled")
		return Decision{}, err
	}

	s.finish(ctx, logger, root, final.Status)
	s.record(ctx, req.ID, s.now().Sub(started))
	span.SetAttributes(
		attribute.String("approval.status", string(final.Status)),
		attribute.String("approval.decided_by", final.DecidedBy),
	)
	logger.Info("approval resolved", "status", final.Status, "decided_by", final.DecidedBy, "reason", final.Reason)

	return decisionFor(final, parameters), nil
}

func decisionFor(req Request, parameters map[string]any) Decision {
	switch req.Status {
	case StatusApproved:
		return Decision{Behavior: BehaviorAllow, UpdatedInput: parameters}
	case StatusRejected:
		return Decision{Behavior: BehaviorDeny, Message: fmt.Sprintf("Denied via %s: %s", req.DecidedVia, req.Reason)}
	default:
		return Decision{Behavior: BehaviorDeny, Message: "Denied: " + req.Reason}
	}
}

// listen registers the single-shot waiter for id. Registration happens before
// the request is posted so a fast click always finds it.
func (s *Service) listen(id string) <-chan Request {
	done := make(chan Request, 1)
	s.registry.RegisterWaiter(id, func(req Request) { done <- req })
	return done
}

// wait blocks until the waiter fires. The timeout path and ctx cancellation
// both go through FireTimeout, so a concurrent human decision still wins if
// it lands first.
func (s *Service) wait(ctx context.Context, id string, done <-chan Request) (Request, error) {
	timer := time.AfterFunc(s.opts.WaitTimeout, func() {
		s.registry.FireTimeout(id, ReasonTimedOut)
	})
	defer timer.Stop()

	select {
	case req := <-done:
		return req, nil
	case <-ctx.Done():
		if s.registry.FireTimeout(id, ReasonCancelled) {
			<-done
			return Request{}, ctx.Err()
		}
		// A decision or timeout won the race; its waiter has fired or is about to.
		return <-done, nil
	}
}

// abandon terminates a request that never reached the waiting stage.
func (s *Service) abandon(ctx context.Context, id, reason string) {
	s.registry.ApplyDecision(id, StatusRejected, SystemActor, s.gateway.Name(), reason)
	s.registry.ResolveWaiter(id)
	s.record(ctx, id, 0)
}

func (s *Service) checkMembership(ctx context.Context, logger *slog.Logger, id string, loc Location) (Decision, bool) {
	channelID := loc.ChannelID
	if channelID == "" {
		channelID = s.opts.ChannelID
	}
	member, err := s.gateway.IsChannelMember(ctx, channelID)
	if err != nil {
		logger.Warn("channel membership check failed", "channel", channelID, "error", err)
		return Decision{}, false
	}
	if member {
		return Decision{}, false
	}

	invite := fmt.Sprintf("Please invite %s to this channel", s.gateway.BotName())
	logger.Warn("bot is not a member of the approval channel", "channel", channelID)

	if err := s.gateway.DeleteMessage(ctx, loc); err != nil {
		logger.Warn("delete approval request failed", "error", err)
	}
	if _, err := s.gateway.PostMessage(ctx, s.opts.ChannelID, notify.Message{Summary: invite, Body: invite}, ""); err != nil {
		logger.Warn("post invite instruction failed", "error", err)
	}
	s.abandon(ctx, id, ReasonNotMember)

	return Decision{
		Behavior: BehaviorDeny,
		Message:  fmt.Sprintf("%sError: %s", s.gateway.Name(), invite),
	}, true
}

func (s *Service) currentRoot() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadTS, s.threadChannel
}

// claimRoot makes loc the thread root when none exists and returns the root
// to decorate with reactions.
func (s *Service) claimRoot(logger *slog.Logger, loc Location) Location {
	s.mu.Lock()
	if s.threadTS != "" {
		root := Location{ChannelID: s.threadChannel, MessageTS: s.threadTS}
		s.mu.Unlock()
		return root
	}
	if loc.MessageTS == "" {
		s.mu.Unlock()
		return Location{}
	}
	s.threadTS = loc.MessageTS
	s.threadChannel = loc.ChannelID
	s.mu.Unlock()

	logger.Debug("created session thread", "thread_ts", loc.MessageTS)
	if s.opts.Threads != nil && s.opts.SessionID != "" {
		if err := s.opts.Threads.Start(s.opts.SessionID, loc); err != nil {
			logger.Warn("save session thread failed", "session_id", s.opts.SessionID, "error", err)
		}
	}
	return loc
}

func (s *Service) resumeThread() {
	if s.opts.Threads == nil || s.opts.SessionID == "" {
		return
	}
	root, ok, err := s.opts.Threads.Lookup(s.opts.SessionID)
	if err != nil {
		s.logger.Warn("load session thread failed", "session_id", s.opts.SessionID, "error", err)
		return
	}
	if !ok || root.MessageTS == "" {
		return
	}
	if s.opts.ChannelID != "" && root.ChannelID != "" && root.ChannelID != s.opts.ChannelID && s.isChannelID(s.opts.ChannelID) {
		s.logger.Debug("stored session thread belongs to another channel", "session_id", s.opts.SessionID, "channel", root.ChannelID)
		return
	}
	s.threadTS = root.MessageTS
	s.threadChannel = root.ChannelID
	s.logger.Debug("resumed session thread", "session_id", s.opts.SessionID, "thread_ts", root.MessageTS)
}

// isChannelID reports whether channel can be compared against the ids of
// posted messages. Gateways that cannot tell are compared verbatim.
func (s *Service) isChannelID(channel string) bool {
	checker, ok := s.gateway.(ChannelIDChecker)
	if !ok {
		return true
	}
	return checker.IsChannelID(channel)
}

func (s *Service) finish(ctx context.Context, logger *slog.Logger, root Location, status Status) {
	if !root.IsZero() {
		s.react(ctx, logger, root, reactionWaiting, false)
		name := reactionRejected
		if status == StatusApproved {
			name = reactionApproved
		}
		s.react(ctx, logger, root, name, true)
	}
	if s.opts.Threads != nil && s.opts.SessionID != "" {
		if err := s.opts.Threads.Finish(s.opts.SessionID, status == StatusApproved); err != nil {
			logger.Debug("update session thread failed", "session_id", s.opts.SessionID, "error", err)
		}
	}
}

func (s *Service) react(ctx context.Context, logger *slog.Logger, loc Location, name string, add bool) {
	var err error
	if add {
		err = s.gateway.AddReaction(ctx, loc, name)
	} else {
		err = s.gateway.RemoveReaction(ctx, loc, name)
	}
	if err != nil {
		logger.Debug("reaction update failed", "reaction", name, "add", add, "error", err)
	}
}

func (s *Service) record(ctx context.Context, id string, wait time.Duration) {
	if s.opts.Recorder == nil {
		return
	}
	if req, ok := s.registry.Get(id); ok {
		s.opts.Recorder.Resolved(ctx, req, wait)
	}
}
