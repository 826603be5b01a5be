package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/channel"
	"github.com/MEKXH/ccapproval/internal/config"
	"github.com/MEKXH/ccapproval/internal/notify"
)

const (
	platformName = "Telegram"
	callbackSep  = ":"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```(.*?)```")
	boldStarRe  = regexp.MustCompile(`\*([^*\n]+)\*`)
	mentionRe   = regexp.MustCompile(`&lt;@([^&\s]+)&gt;`)
)

// Channel implements the approval gateway over the Telegram Bot API.
type Channel struct {
	channel.BaseChannel
	cfg         *config.TelegramConfig
	apiEndpoint string

	mu  sync.RWMutex
	bot *tgbotapi.BotAPI
}

// New creates a Telegram channel
func New(cfg *config.TelegramConfig) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
		apiEndpoint: tgbotapi.APIEndpoint,
	}
}

func (c *Channel) Name() string { return platformName }

// BotName returns the bot username as a mention.
func (c *Channel) BotName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bot == nil || c.bot.Self.UserName == "" {
		return "@ccapproval"
	}
	return "@" + c.bot.Self.UserName
}

// Start connects the bot and consumes callback queries in the background
// until ctx is done.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := c.connect()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"callback_query"}
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.CallbackQuery != nil {
					c.handleCallback(ctx, update.CallbackQuery)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) connect() (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(c.cfg.Token, c.apiEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	c.mu.Lock()
	c.bot = bot
	c.mu.Unlock()

	slog.Info("telegram bot connected", "username", bot.Self.UserName)
	return bot, nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.RLock()
	bot := c.bot
	c.mu.RUnlock()
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	return nil
}

func (c *Channel) client() (*tgbotapi.BotAPI, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bot == nil {
		return nil, fmt.Errorf("bot not initialized")
	}
	return c.bot, nil
}

func (c *Channel) PostMessage(ctx context.Context, channelID string, msg notify.Message, threadTS string) (approval.Location, error) {
	bot, err := c.client()
	if err != nil {
		return approval.Location{}, err
	}
	chatID, err := c.chatID(channelID)
	if err != nil {
		return approval.Location{}, err
	}

	tgMsg := tgbotapi.NewMessage(chatID, renderHTML(msg.Body))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	if threadTS != "" {
		if replyTo, err := parseInt64(threadTS); err == nil {
			tgMsg.ReplyToMessageID = int(replyTo)
		}
	}
	if len(msg.Controls) > 0 {
		tgMsg.ReplyMarkup = keyboard(msg.Controls)
	}

	sent, err := bot.Send(tgMsg)
	if err != nil {
		return approval.Location{}, fmt.Errorf("send telegram message: %w", err)
	}
	return approval.Location{
		ChannelID: strconv.FormatInt(sent.Chat.ID, 10),
		MessageTS: strconv.Itoa(sent.MessageID),
	}, nil
}

func (c *Channel) UpdateMessage(ctx context.Context, loc approval.Location, msg notify.Message) error {
	bot, err := c.client()
	if err != nil {
		return err
	}
	chatID, messageID, err := parseLocation(loc)
	if err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, renderHTML(msg.Body))
	edit.ParseMode = tgbotapi.ModeHTML
	if len(msg.Controls) > 0 {
		markup := keyboard(msg.Controls)
		edit.ReplyMarkup = &markup
	}
	if _, err := bot.Send(edit); err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

func (c *Channel) DeleteMessage(ctx context.Context, loc approval.Location) error {
	bot, err := c.client()
	if err != nil {
		return err
	}
	chatID, messageID, err := parseLocation(loc)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

// AddReaction is a no-op: the Bot API version in use has no reaction method.
func (c *Channel) AddReaction(ctx context.Context, loc approval.Location, name string) error {
	return nil
}

// RemoveReaction is a no-op, see AddReaction.
func (c *Channel) RemoveReaction(ctx context.Context, loc approval.Location, name string) error {
	return nil
}

// IsChannelMember reports whether the bot is an active member of the chat.
func (c *Channel) IsChannelMember(ctx context.Context, channelID string) (bool, error) {
	bot, err := c.client()
	if err != nil {
		return false, err
	}
	chatID, err := c.chatID(channelID)
	if err != nil {
		return false, err
	}

	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: bot.Self.ID},
	})
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code == 400 {
			return false, nil
		}
		return false, fmt.Errorf("telegram chat member: %w", err)
	}
	switch member.Status {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return member.IsMember, nil
	default:
		return false, nil
	}
}

func (c *Channel) chatID(channelID string) (int64, error) {
	if strings.TrimSpace(channelID) == "" {
		if c.cfg.ChatID == 0 {
			return 0, fmt.Errorf("telegram chat id is required")
		}
		return c.cfg.ChatID, nil
	}
	id, err := parseInt64(channelID)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	return id, nil
}

func (c *Channel) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	c.mu.RLock()
	bot := c.bot
	c.mu.RUnlock()
	if bot != nil {
		if _, err := bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			slog.Debug("telegram callback ack failed", "error", err)
		}
	}

	event, ok := decodeCallback(cq)
	if !ok {
		slog.Debug("telegram callback is not an approval decision", "data", cq.Data)
		return
	}
	if err := c.Dispatch(ctx, event); err != nil && !errors.Is(err, channel.ErrNotAllowed) {
		slog.Error("handle telegram decision failed", "approval_id", event.ApprovalID, "error", err)
	}
}

// decodeCallback parses "<outcome>:<approval id>" callback data.
func decodeCallback(cq *tgbotapi.CallbackQuery) (approval.DecisionEvent, bool) {
	if cq == nil || cq.From == nil {
		return approval.DecisionEvent{}, false
	}
	tag, id, found := strings.Cut(cq.Data, callbackSep)
	if !found {
		return approval.DecisionEvent{}, false
	}
	outcome, err := notify.ParseOutcome(tag)
	if err != nil {
		return approval.DecisionEvent{}, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return approval.DecisionEvent{}, false
	}

	event := approval.DecisionEvent{
		Outcome:    outcome,
		ApprovalID: id,
		UserID:     strconv.FormatInt(cq.From.ID, 10),
		Via:        platformName,
	}
	if cq.From.UserName != "" {
		event.UserID += "|" + cq.From.UserName
	}
	if cq.Message != nil && cq.Message.Chat != nil {
		event.Location = approval.Location{
			ChannelID: strconv.FormatInt(cq.Message.Chat.ID, 10),
			MessageTS: strconv.Itoa(cq.Message.MessageID),
		}
	}
	return event, true
}

func keyboard(controls []notify.Control) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(controls))
	for _, control := range controls {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(control.Label, string(control.Outcome)+callbackSep+control.Value))
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
}

func parseLocation(loc approval.Location) (int64, int, error) {
	chatID, err := parseInt64(loc.ChannelID)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q: %w", loc.ChannelID, err)
	}
	messageID, err := strconv.Atoi(strings.TrimSpace(loc.MessageTS))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id %q: %w", loc.MessageTS, err)
	}
	return chatID, messageID, nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// renderHTML converts the Slack-flavored markup of notify messages into
// Telegram HTML. Code blocks are emitted verbatim; Telegram rejects nested
// entities inside pre.
func renderHTML(text string) string {
	text = escapeHTML(text)

	var b strings.Builder
	last := 0
	for _, loc := range codeBlockRe.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(renderInline(text[last:loc[0]]))
		b.WriteString("<pre>")
		b.WriteString(text[loc[2]:loc[3]])
		b.WriteString("</pre>")
		last = loc[1]
	}
	b.WriteString(renderInline(text[last:]))
	return b.String()
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	return strings.ReplaceAll(text, ">", "&gt;")
}

func renderInline(text string) string {
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	return mentionRe.ReplaceAllStringFunc(text, func(m string) string {
		user := mentionRe.FindStringSubmatch(m)[1]
		id, _, _ := strings.Cut(user, "|")
		return fmt.Sprintf(`<a href="tg://user?id=%s">%s</a>`, id, id)
	})
}
