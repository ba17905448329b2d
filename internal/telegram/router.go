package telegram

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ucs200525/panchang-bot/internal/dialogue"
	"github.com/ucs200525/panchang-bot/internal/domain"
	"github.com/ucs200525/panchang-bot/internal/serial"
)

// Machine is the conversation engine the router feeds.
type Machine interface {
	HandleText(ctx context.Context, userID int64, t domain.Target, text string) error
	Dispatch(ctx context.Context, cmd dialogue.Command, userID int64, t domain.Target) error
}

// Router wires Telegram updates to the dialogue. Updates from one user are
// handled one at a time in arrival order; different users run concurrently.
type Router struct {
	machine Machine
	sender  *Sender
	queue   serial.Queue[int64]
	timeout time.Duration
	log     *zap.Logger
}

// NewRouter creates a new Telegram router. timeout bounds the handling of a
// single update.
func NewRouter(machine Machine, sender *Sender, timeout time.Duration, log *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Router{machine: machine, sender: sender, timeout: timeout, log: log}
}

// HandleUpdate queues a single update behind earlier ones from the same user.
// It does not wait for the update to be processed.
func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	// the update outlives a webhook request, so only values are inherited
	base := context.WithoutCancel(ctx)
	ok := r.queue.Submit(msg.From.ID, func() {
		ctx, cancel := context.WithTimeout(base, r.timeout)
		defer cancel()
		r.handleMessage(ctx, msg)
	})
	if !ok {
		r.log.Warn("update dropped after shutdown", zap.Int("update_id", upd.UpdateID))
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	target := r.sender.ReplyTo(msg)

	if !msg.IsCommand() {
		if err := r.machine.HandleText(ctx, userID, target, msg.Text); err != nil {
			r.log.Error("handle text failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return
	}

	cmd, ok := dialogue.ParseCommand(msg.Command())
	if !ok {
		if err := target.Text(ctx, unknownCommandText, domain.FormatPlain); err != nil {
			r.log.Error("unknown command reply failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return
	}
	if err := r.machine.Dispatch(ctx, cmd, userID, target); err != nil {
		r.log.Error("command failed",
			zap.Int64("user_id", userID),
			zap.Stringer("cmd", cmd),
			zap.Error(err))
		_ = target.Text(ctx, internalErrorText, domain.FormatPlain)
	}
}

// Close stops accepting updates and waits for queued ones.
func (r *Router) Close() {
	r.queue.Close()
}
