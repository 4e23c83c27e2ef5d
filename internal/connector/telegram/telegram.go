package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Config holds Telegram adapter configuration.
type Config struct {
	ChannelID   string  // Internal channel id events are tagged with
	Token       string  // Bot token from @BotFather
	AllowFrom   []int64 // Allowed Telegram user IDs (empty = allow all)
	APIEndpoint string  // Override of tgbotapi.APIEndpoint, mostly for tests
}

// Adapter implements connector.Adapter for a Telegram bot using long polling.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
	state   atomic.Value // protocol.SessionState
}

var (
	_ connector.Adapter        = (*Adapter)(nil)
	_ connector.Runner         = (*Adapter)(nil)
	_ connector.PresenceSender = (*Adapter)(nil)
)

// New authorizes the bot and returns an adapter whose session is closed until Start.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Adapter, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telegram", "channel", cfg.ChannelID)
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	a := &Adapter{
		bot:     bot,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
	a.state.Store(protocol.SessionClosed)
	return a, nil
}

func (a *Adapter) Kind() protocol.ChannelKind { return protocol.ChannelTelegram }

func (a *Adapter) SessionState() protocol.SessionState {
	return a.state.Load().(protocol.SessionState)
}

// Start begins long-polling for updates. Blocks until context is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	a.state.Store(protocol.SessionOpen)
	a.logger.Info("telegram adapter started", "bot", a.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)

		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.state.Store(protocol.SessionClosed)
			a.logger.Info("telegram adapter stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the receive loop.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// SendText delivers text, rendering WhatsApp-style markup as Telegram HTML.
func (a *Adapter) SendText(_ context.Context, destination, text, quotedID string) (connector.SendResult, error) {
	chatID, err := parseChatID(destination)
	if err != nil {
		return connector.SendResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return connector.SendResult{}, fmt.Errorf("telegram: %w", protocol.ErrEmptyBody)
	}

	msg := tgbotapi.NewMessage(chatID, MarkupToHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, replyTo, err := parseNativeID(quotedID); err == nil {
		msg.ReplyToMessageID = replyTo
	}

	sent, err := a.bot.Send(msg)
	if err != nil {
		a.logger.Warn("HTML send failed, falling back to plain text", "chat_id", chatID, "error", err)
		msg.Text = StripMarkup(text)
		msg.ParseMode = ""
		sent, err = a.bot.Send(msg)
	}
	if err != nil {
		return connector.SendResult{}, fmt.Errorf("telegram: send: %w", err)
	}
	return connector.SendResult{NativeID: nativeID(chatID, sent.MessageID)}, nil
}

func (a *Adapter) SendMedia(_ context.Context, destination string, media *protocol.MediaRef, caption string) (connector.SendResult, error) {
	chatID, err := parseChatID(destination)
	if err != nil {
		return connector.SendResult{}, err
	}
	file, err := requestFile(media)
	if err != nil {
		return connector.SendResult{}, err
	}

	var chattable tgbotapi.Chattable
	switch protocol.MediaTypeFromMIME(media.MimeType) {
	case "image":
		p := tgbotapi.NewPhoto(chatID, file)
		p.Caption = caption
		chattable = p
	case "video":
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption = caption
		chattable = v
	case "audio":
		au := tgbotapi.NewAudio(chatID, file)
		au.Caption = caption
		chattable = au
	default:
		d := tgbotapi.NewDocument(chatID, file)
		d.Caption = caption
		chattable = d
	}

	sent, err := a.bot.Send(chattable)
	if err != nil {
		return connector.SendResult{}, fmt.Errorf("telegram: send media: %w", err)
	}
	return connector.SendResult{NativeID: nativeID(chatID, sent.MessageID)}, nil
}

// MarkRead succeeds without a remote call: the Bot API has no read receipts.
func (a *Adapter) MarkRead(context.Context, string, []string) error {
	return nil
}

func (a *Adapter) DeleteMessage(_ context.Context, destination, id string) error {
	chatID, msgID, err := parseNativeID(id)
	if err != nil {
		if chatID, err = parseChatID(destination); err != nil {
			return err
		}
		if msgID, err = strconv.Atoi(id); err != nil {
			return fmt.Errorf("telegram: invalid message id %q: %w", id, protocol.ErrValidation)
		}
	}
	if _, err := a.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("telegram: delete: %w", err)
	}
	return nil
}

// SendPresence maps composing to the typing action; other states have no Bot API equivalent.
func (a *Adapter) SendPresence(_ context.Context, destination string, p connector.Presence) error {
	if p != connector.PresenceComposing {
		return nil
	}
	chatID, err := parseChatID(destination)
	if err != nil {
		return err
	}
	_, err = a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if len(a.config.AllowFrom) > 0 && !contains(a.config.AllowFrom, msg.From.ID) {
		a.logger.Warn("unauthorized user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	ev := a.toEvent(msg)
	if ev.Body == "" && ev.Media == nil {
		return
	}
	if err := a.handler(ctx, a.config.ChannelID, ev); err != nil {
		a.logger.Error("inbound handler error", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (a *Adapter) toEvent(msg *tgbotapi.Message) protocol.InboundEvent {
	ev := protocol.InboundEvent{
		Kind:        protocol.EventMessage,
		NativeID:    nativeID(msg.Chat.ID, msg.MessageID),
		Destination: strconv.FormatInt(msg.Chat.ID, 10),
		ContactName: displayName(msg.From),
		Body:        msg.Text,
		Timestamp:   msg.Time(),
	}
	if ev.Body == "" {
		ev.Body = msg.Caption
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		ev.Group = true
		ev.GroupName = msg.Chat.Title
		ev.Participant = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.ReplyToMessage != nil {
		ev.QuotedID = nativeID(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}
	ev.Media = a.mediaRef(msg)
	return ev
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// nativeID scopes Telegram message ids, which are only unique per chat.
func nativeID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func parseNativeID(id string) (int64, int, error) {
	chat, msg, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("telegram: invalid native id %q", id)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid native id %q", id)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid native id %q", id)
	}
	return chatID, msgID, nil
}

func parseChatID(destination string) (int64, error) {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat_id %q: %w", destination, protocol.ErrValidation)
	}
	return chatID, nil
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
