package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

type commandHandler func(m *Machine, ctx context.Context, userID int64, t domain.Target) error

// commandHandlers maps every Command to its entry point.
var commandHandlers = map[Command]commandHandler{
	CmdStart:      (*Machine).onStart,
	CmdSubscribe:  prompt(Conversation{State: StateAwaitingTime, Flow: FlowSubscribe}, subscribePrompt),
	CmdChangeTime: prompt(Conversation{State: StateAwaitingTime, Flow: FlowEdit}, timePrompt),
	CmdChangeCity: prompt(Conversation{State: StateAwaitingCity, Flow: FlowEdit}, cityPrompt),
	CmdChangeDate: prompt(Conversation{State: StateAwaitingDate, Flow: FlowEdit}, datePrompt),
	CmdUpdateAll:  prompt(Conversation{State: StateUpdateAll, Flow: FlowSubscribe}, updateAllPrompt),
	CmdGT:         prompt(Conversation{State: StateAwaitingGTInput}, cityDatePrompt),
	CmdDGT:        prompt(Conversation{State: StateAwaitingDGTInput}, cityDatePrompt),
	CmdCGT:        prompt(Conversation{State: StateAwaitingCGTInput}, cityDatePrompt),
	CmdStop:       (*Machine).onStop,
	CmdStatus:     (*Machine).onStatus,
	CmdCancel:     (*Machine).onCancel,
	CmdHelp:       (*Machine).onHelp,
}

// Dispatch runs the entry point for cmd.
func (m *Machine) Dispatch(ctx context.Context, cmd Command, userID int64, t domain.Target) error {
	h, ok := commandHandlers[cmd]
	if !ok {
		return fmt.Errorf("dispatch %d: %w", cmd, domain.ErrValidation)
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	m.log.Debug("command", zap.Int64("user_id", userID), zap.Stringer("cmd", cmd))
	return h(m, ctx, userID, t)
}

// prompt starts (or restarts) a conversation at conv and asks for the first answer.
func prompt(conv Conversation, text string) commandHandler {
	return func(m *Machine, ctx context.Context, userID int64, t domain.Target) error {
		m.transition(userID, conv)
		return t.Text(ctx, text, domain.FormatPlain)
	}
}

func (m *Machine) onStart(ctx context.Context, userID int64, t domain.Target) error {
	m.transition(userID, Conversation{State: StateAwaitingTime, Flow: FlowSubscribe})
	return t.Text(ctx, welcomeText, domain.FormatMarkdown)
}

func (m *Machine) onHelp(ctx context.Context, _ int64, t domain.Target) error {
	return t.Text(ctx, helpText, domain.FormatPlain)
}

func (m *Machine) onCancel(ctx context.Context, userID int64, t domain.Target) error {
	if _, ok := m.states.Get(userID); !ok {
		return t.Text(ctx, nothingToCancelText, domain.FormatPlain)
	}
	m.states.Delete(userID)
	return t.Text(ctx, cancelledText, domain.FormatPlain)
}

// onStop keeps the record and clears the subscription fields. City, start date
// and timezone stay available to /status and a later /subscribe.
func (m *Machine) onStop(ctx context.Context, userID int64, t domain.Target) error {
	prefs, err := m.repo.GetPreferences(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m.sched.Cancel(userID)
		return t.Text(ctx, notSubscribedText, domain.FormatPlain)
	case err != nil:
		m.log.Error("stop: read preferences failed", zap.Int64("user_id", userID), zap.Error(err))
		return t.Text(ctx, readFailedText, domain.FormatPlain)
	case !prefs.IsSubscribed:
		m.sched.Cancel(userID)
		return t.Text(ctx, notSubscribedText, domain.FormatPlain)
	}

	none := []domain.SubscriptionType{}
	patch := domain.PreferencesPatch{
		IsSubscribed:      domain.Ptr(false),
		SubscriptionTypes: &none,
		NotificationTime:  domain.Ptr(""),
	}
	if err := m.save(ctx, userID, patch); err != nil {
		m.log.Error("stop: write failed", zap.Int64("user_id", userID), zap.Error(err))
		return t.Text(ctx, storeFailedText, domain.FormatPlain)
	}
	m.sched.Cancel(userID)
	m.log.Info("user unsubscribed", zap.Int64("user_id", userID))
	return t.Text(ctx, stoppedText, domain.FormatPlain)
}

func (m *Machine) onStatus(ctx context.Context, userID int64, t domain.Target) error {
	prefs, err := m.repo.GetPreferences(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return t.Text(ctx, noPreferencesText, domain.FormatPlain)
	case err != nil:
		m.log.Error("status: read preferences failed", zap.Int64("user_id", userID), zap.Error(err))
		return t.Text(ctx, readFailedText, domain.FormatPlain)
	}

	v := statusView{Prefs: *prefs, LastUpdated: humanize.Time(prefs.LastUpdated)}
	if next, ok := m.sched.Next(userID); ok && prefs.Timezone != "" {
		if s, err := domain.LocalizeTime(next, prefs.Timezone, nextDeliveryLayout); err == nil {
			v.Next = s
		}
	}
	return t.Text(ctx, statusText(v), domain.FormatPlain)
}
