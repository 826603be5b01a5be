package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/channel"
	"github.com/MEKXH/ccapproval/internal/config"
	"github.com/MEKXH/ccapproval/internal/notify"
)

var conversationIDRe = regexp.MustCompile(`^[CDG][A-Z0-9]{8,}$`)

const (
	platformName   = "Slack"
	defaultBotName = "@ccapproval"
	actionsBlockID = "approval_actions"
)

// Channel implements the approval gateway over Slack Socket Mode.
type Channel struct {
	channel.BaseChannel
	cfg *config.SlackConfig
	api *slack.Client

	mu           sync.RWMutex
	socketClient *socketmode.Client
	botUserID    string
	botName      string
	cancel       context.CancelFunc
}

// New creates a Slack channel. Extra options are passed to the Web API client.
func New(cfg *config.SlackConfig, opts ...slack.Option) *Channel {
	clientOpts := append([]slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}, opts...)
	return &Channel{
		BaseChannel: channel.BaseChannel{AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
		api:         slack.New(cfg.BotToken, clientOpts...),
	}
}

func (c *Channel) Name() string { return platformName }

// BotName returns the mention users need to invite the bot.
func (c *Channel) BotName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.botName == "" {
		return defaultBotName
	}
	return "@" + c.botName
}

// Start authenticates, opens the Socket Mode connection and returns once the
// server greeted the client.
func (c *Channel) Start(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.BotToken) == "" || strings.TrimSpace(c.cfg.AppToken) == "" {
		return fmt.Errorf("slack bot_token and app_token are required")
	}

	authResp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	socketClient := socketmode.New(c.api)

	c.mu.Lock()
	c.socketClient = socketClient
	c.botUserID = authResp.UserID
	c.botName = authResp.User
	c.cancel = cancel
	c.mu.Unlock()

	ready := make(chan struct{})
	go c.eventLoop(runCtx, socketClient, ready)
	go func() {
		if err := socketClient.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode exited", "error", err)
		}
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	slog.Info("slack channel connected", "team", authResp.Team, "bot_user_id", authResp.UserID)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.socketClient = nil
	c.mu.Unlock()
	return nil
}

func (c *Channel) PostMessage(ctx context.Context, channelID string, msg notify.Message, threadTS string) (approval.Location, error) {
	if strings.TrimSpace(channelID) == "" {
		return approval.Location{}, fmt.Errorf("slack channel is required")
	}
	if len(msg.Controls) > 0 {
		msg = c.withMention(msg)
	}

	opts := messageOptions(msg)
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	respChannel, respTS, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return approval.Location{}, fmt.Errorf("post slack message: %w", err)
	}
	return approval.Location{ChannelID: respChannel, MessageTS: respTS}, nil
}

func (c *Channel) UpdateMessage(ctx context.Context, loc approval.Location, msg notify.Message) error {
	if _, _, _, err := c.api.UpdateMessageContext(ctx, loc.ChannelID, loc.MessageTS, messageOptions(msg)...); err != nil {
		return fmt.Errorf("update slack message: %w", err)
	}
	return nil
}

func (c *Channel) DeleteMessage(ctx context.Context, loc approval.Location) error {
	if _, _, err := c.api.DeleteMessageContext(ctx, loc.ChannelID, loc.MessageTS); err != nil {
		return fmt.Errorf("delete slack message: %w", err)
	}
	return nil
}

func (c *Channel) AddReaction(ctx context.Context, loc approval.Location, name string) error {
	if err := c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(loc.ChannelID, loc.MessageTS)); err != nil {
		return fmt.Errorf("add slack reaction %s: %w", name, err)
	}
	return nil
}

func (c *Channel) RemoveReaction(ctx context.Context, loc approval.Location, name string) error {
	if err := c.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(loc.ChannelID, loc.MessageTS)); err != nil {
		return fmt.Errorf("remove slack reaction %s: %w", name, err)
	}
	return nil
}

// IsChannelMember reports whether the bot belongs to channelID.
func (c *Channel) IsChannelMember(ctx context.Context, channelID string) (bool, error) {
	info, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		var slackErr slack.SlackErrorResponse
		if errors.As(err, &slackErr) && slackErr.Err == "channel_not_found" {
			return false, nil
		}
		return false, fmt.Errorf("slack conversation info: %w", err)
	}
	return info.IsMember, nil
}

// IsChannelID reports whether channel is a conversation id such as C0123ABCD
// rather than a name like #approvals.
func (c *Channel) IsChannelID(channel string) bool {
	return conversationIDRe.MatchString(strings.TrimSpace(channel))
}

func (c *Channel) withMention(msg notify.Message) notify.Message {
	mention := strings.TrimSpace(c.cfg.Mention)
	if mention == "" {
		return msg
	}
	msg.Body = mention + " " + msg.Body
	return msg
}

func (c *Channel) eventLoop(ctx context.Context, socketClient *socketmode.Client, ready chan struct{}) {
	var once sync.Once
	markReady := func() { once.Do(func() { close(ready) }) }

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socketClient.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeHello:
				markReady()
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeInteractive:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
				c.handleInteraction(ctx, evt.Data)
			case socketmode.EventTypeEventsAPI, socketmode.EventTypeSlashCommand:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}
}

func (c *Channel) handleInteraction(ctx context.Context, data any) {
	callback, ok := data.(slack.InteractionCallback)
	if !ok {
		slog.Debug("unexpected slack interaction payload", "type", fmt.Sprintf("%T", data))
		return
	}
	event, ok := decodeInteraction(callback)
	if !ok {
		slog.Debug("slack interaction is not an approval decision", "type", callback.Type)
		return
	}
	if err := c.Dispatch(ctx, event); err != nil && !errors.Is(err, channel.ErrNotAllowed) {
		slog.Error("handle slack decision failed", "approval_id", event.ApprovalID, "error", err)
	}
}

// decodeInteraction extracts an approve or reject click from a block action
// callback.
func decodeInteraction(cb slack.InteractionCallback) (approval.DecisionEvent, bool) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return approval.DecisionEvent{}, false
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		outcome, err := notify.ParseOutcome(action.ActionID)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(action.Value)
		if id == "" {
			continue
		}

		loc := approval.Location{ChannelID: cb.Container.ChannelID, MessageTS: cb.Container.MessageTs}
		if loc.ChannelID == "" {
			loc.ChannelID = cb.Channel.ID
		}
		if loc.MessageTS == "" {
			loc.MessageTS = cb.Message.Timestamp
		}
		return approval.DecisionEvent{
			Outcome:    outcome,
			ApprovalID: id,
			UserID:     cb.User.ID,
			Location:   loc,
			Via:        platformName,
		}, true
	}
	return approval.DecisionEvent{}, false
}

func messageOptions(msg notify.Message) []slack.MsgOption {
	return []slack.MsgOption{
		slack.MsgOptionText(msg.Summary, false),
		slack.MsgOptionBlocks(renderBlocks(msg)...),
	}
}

// renderBlocks converts a neutral message into a markdown section followed by
// an actions block when the message carries controls.
func renderBlocks(msg notify.Message) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg.Body, false, false), nil, nil),
	}
	if len(msg.Controls) == 0 {
		return blocks
	}

	elements := make([]slack.BlockElement, 0, len(msg.Controls))
	for _, control := range msg.Controls {
		button := slack.NewButtonBlockElement(
			string(control.Outcome),
			control.Value,
			slack.NewTextBlockObject(slack.PlainTextType, control.Label, true, false),
		)
		switch control.Style {
		case notify.StylePrimary:
			button = button.WithStyle(slack.StylePrimary)
		case notify.StyleDanger:
			button = button.WithStyle(slack.StyleDanger)
		}
		elements = append(elements, button)
	}
	return append(blocks, slack.NewActionBlock(actionsBlockID, elements...))
}
