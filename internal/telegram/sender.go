package telegram

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// BotClient is the subset of *tgbotapi.BotAPI used for outbound calls.
type BotClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Sender sends messages through the bot with a global rate limit.
type Sender struct {
	bot     BotClient
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSender creates a Sender. perSecond <= 0 disables limiting.
func NewSender(bot BotClient, perSecond float64, log *zap.Logger) *Sender {
	s := &Sender{bot: bot, log: log}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return s
}

func (s *Sender) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate wait: %w", err)
	}
	return nil
}

func (s *Sender) send(ctx context.Context, c tgbotapi.Chattable) error {
	_, err := s.sendMessage(ctx, c)
	return err
}

func (s *Sender) sendMessage(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := s.wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	sent, err := s.bot.Send(c)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			s.log.Warn("telegram flood limit hit", zap.Int("retry_after_sec", apiErr.RetryAfter))
		}
		return tgbotapi.Message{}, fmt.Errorf("telegram send: %w", err)
	}
	return sent, nil
}

// progress sends msg and returns a func deleting it again.
func (s *Sender) progress(ctx context.Context, msg tgbotapi.MessageConfig) (domain.Dismiss, error) {
	sent, err := s.sendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		if err := s.wait(ctx); err != nil {
			s.log.Debug("progress message left in chat", zap.Error(err))
			return
		}
		// deleteMessage answers with a bool, which Send cannot decode
		if _, err := s.bot.Request(tgbotapi.NewDeleteMessage(msg.ChatID, sent.MessageID)); err != nil {
			s.log.Warn("delete progress message failed",
				zap.Int64("chat_id", msg.ChatID),
				zap.Int("message_id", sent.MessageID),
				zap.Error(err))
		}
	}, nil
}

// ReplyTo returns the interactive target answering msg in its chat.
func (s *Sender) ReplyTo(msg *tgbotapi.Message) domain.Target {
	return &replyTarget{s: s, chatID: msg.Chat.ID, messageID: msg.MessageID}
}

// ForUser returns the addressed target used for scheduled deliveries.
// In private chats the chat id equals the user id.
func (s *Sender) ForUser(userID int64) domain.Target {
	return &chatTarget{s: s, chatID: userID}
}

func newText(chatID int64, text string, format domain.Format) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if format == domain.FormatMarkdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	return msg
}

func newPhoto(chatID int64, name string, data []byte, caption string) tgbotapi.PhotoConfig {
	p := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	p.Caption = caption
	return p
}

// replyTarget answers a live message.
type replyTarget struct {
	s         *Sender
	chatID    int64
	messageID int
}

func (t *replyTarget) ChatID() int64 { return t.chatID }

func (t *replyTarget) Text(ctx context.Context, text string, format domain.Format) error {
	msg := newText(t.chatID, text, format)
	msg.ReplyToMessageID = t.messageID
	return t.s.send(ctx, msg)
}

func (t *replyTarget) Photo(ctx context.Context, name string, data []byte, caption string) error {
	p := newPhoto(t.chatID, name, data, caption)
	p.ReplyToMessageID = t.messageID
	return t.s.send(ctx, p)
}

func (t *replyTarget) Progress(ctx context.Context, text string) (domain.Dismiss, error) {
	msg := newText(t.chatID, text, domain.FormatPlain)
	msg.ReplyToMessageID = t.messageID
	return t.s.progress(ctx, msg)
}

// chatTarget sends to a chat without a message to reply to.
type chatTarget struct {
	s      *Sender
	chatID int64
}

func (t *chatTarget) ChatID() int64 { return t.chatID }

func (t *chatTarget) Text(ctx context.Context, text string, format domain.Format) error {
	return t.s.send(ctx, newText(t.chatID, text, format))
}

func (t *chatTarget) Photo(ctx context.Context, name string, data []byte, caption string) error {
	return t.s.send(ctx, newPhoto(t.chatID, name, data, caption))
}

func (t *chatTarget) Progress(ctx context.Context, text string) (domain.Dismiss, error) {
	return t.s.progress(ctx, newText(t.chatID, text, domain.FormatPlain))
}
