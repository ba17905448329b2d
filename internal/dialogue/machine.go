// Package dialogue drives the per-user conversation: it validates free-text
// answers, persists them and installs or removes delivery jobs.
package dialogue

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ucs200525/panchang-bot/internal/domain"
	"github.com/ucs200525/panchang-bot/internal/keylock"
	"github.com/ucs200525/panchang-bot/internal/store"
)

// Scheduler is the part of the notification scheduler the dialogue drives.
type Scheduler interface {
	Schedule(ctx context.Context, userID int64, prefs domain.UserPreferences) error
	Cancel(userID int64) bool
	Next(userID int64) (time.Time, bool)
}

// Deliverer renders one content kind and sends it to target.
type Deliverer interface {
	Deliver(ctx context.Context, kind domain.SubscriptionType, target domain.Target, city, date string) error
}

// Machine is the dialogue state machine. All entry points for one user run
// under that user's lock, so "read state, validate, write state" never interleaves.
type Machine struct {
	repo    store.Repo
	sched   Scheduler
	deliver Deliverer
	states  StateStore
	locks   keylock.Map[int64]
	log     *zap.Logger
}

// New creates a Machine.
func New(repo store.Repo, sched Scheduler, deliver Deliverer, states StateStore, log *zap.Logger) *Machine {
	return &Machine{
		repo:    repo,
		sched:   sched,
		deliver: deliver,
		states:  states,
		log:     log,
	}
}

type stateHandler func(m *Machine, ctx context.Context, userID int64, t domain.Target, conv Conversation, input string) error

var stateHandlers = map[State]stateHandler{
	StateAwaitingTime:          (*Machine).onTime,
	StateUpdateAll:             (*Machine).onTime,
	StateAwaitingCity:          (*Machine).onCity,
	StateAwaitingDate:          (*Machine).onDate,
	StateAwaitingSubscribeType: (*Machine).onSubscribeType,
	StateAwaitingGTInput:       contentHandler(domain.TypeGT),
	StateAwaitingDGTInput:      contentHandler(domain.TypeDGT),
	StateAwaitingCGTInput:      contentHandler(domain.TypeCGT),
}

// HandleText feeds one free-text message into the user's conversation.
// Text starting with "/" is a command and is ignored here. Without a
// conversation the message is ignored too. The returned error is a reply
// that could not be sent; every other failure is answered to the user.
func (m *Machine) HandleText(ctx context.Context, userID int64, t domain.Target, text string) error {
	input := strings.TrimSpace(text)
	if strings.HasPrefix(input, "/") {
		return nil
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	conv, ok := m.states.Get(userID)
	if !ok {
		return nil
	}
	h, ok := stateHandlers[conv.State]
	if !ok {
		m.states.Delete(userID)
		m.log.Warn("stale conversation state reset",
			zap.Int64("user_id", userID),
			zap.String("state", string(conv.State)),
			zap.Error(domain.ErrUnknownState))
		return t.Text(ctx, unknownStateText, domain.FormatPlain)
	}
	m.log.Debug("dialogue input", zap.Int64("user_id", userID), zap.String("state", string(conv.State)))
	return h(m, ctx, userID, t, conv, input)
}

// State returns the user's current conversation, if any.
func (m *Machine) State(userID int64) (Conversation, bool) {
	return m.states.Get(userID)
}

func (m *Machine) onTime(ctx context.Context, userID int64, t domain.Target, conv Conversation, input string) error {
	if !domain.IsValidTime(input) {
		return t.Text(ctx, invalidTimeText, domain.FormatPlain)
	}
	if err := m.save(ctx, userID, domain.PreferencesPatch{NotificationTime: &input}); err != nil {
		return m.persistFailed(ctx, userID, t, err)
	}
	if conv.Flow == FlowEdit {
		return m.finishEdit(ctx, userID, t, fieldUpdatedText("Time", input), true)
	}
	if err := m.resync(ctx, userID, t); err != nil {
		return err
	}
	m.transition(userID, Conversation{State: StateAwaitingCity, Flow: conv.Flow})
	return t.Text(ctx, timeSavedText, domain.FormatPlain)
}

func (m *Machine) onCity(ctx context.Context, userID int64, t domain.Target, conv Conversation, input string) error {
	if !domain.IsValidCity(input) {
		return t.Text(ctx, invalidCityText, domain.FormatPlain)
	}
	// the previously resolved zone belongs to the old city
	patch := domain.PreferencesPatch{City: &input, Timezone: domain.Ptr("")}
	if err := m.save(ctx, userID, patch); err != nil {
		return m.persistFailed(ctx, userID, t, err)
	}
	if conv.Flow == FlowEdit {
		return m.finishEdit(ctx, userID, t, fieldUpdatedText("City", input), true)
	}
	if err := m.resync(ctx, userID, t); err != nil {
		return err
	}
	m.transition(userID, Conversation{State: StateAwaitingDate, Flow: conv.Flow})
	return t.Text(ctx, citySavedText, domain.FormatPlain)
}

func (m *Machine) onDate(ctx context.Context, userID int64, t domain.Target, conv Conversation, input string) error {
	if !domain.IsValidDate(input) {
		return t.Text(ctx, invalidDateText, domain.FormatPlain)
	}
	if err := m.save(ctx, userID, domain.PreferencesPatch{StartDate: &input}); err != nil {
		return m.persistFailed(ctx, userID, t, err)
	}
	if conv.Flow == FlowEdit {
		return m.finishEdit(ctx, userID, t, fieldUpdatedText("Start date", input), false)
	}
	m.transition(userID, Conversation{State: StateAwaitingSubscribeType, Flow: conv.Flow})
	return t.Text(ctx, typeMenuText, domain.FormatPlain)
}

func (m *Machine) onSubscribeType(ctx context.Context, userID int64, t domain.Target, _ Conversation, input string) error {
	types, ok := domain.SelectionTypes(input)
	if !ok {
		return t.Text(ctx, invalidOptionText, domain.FormatPlain)
	}
	// merge only the subscription fields; time, city and date stay as stored
	patch := domain.PreferencesPatch{SubscriptionTypes: &types, IsSubscribed: domain.Ptr(true)}
	if err := m.save(ctx, userID, patch); err != nil {
		return m.persistFailed(ctx, userID, t, err)
	}
	prefs, err := m.repo.GetPreferences(ctx, userID)
	if err != nil {
		return m.persistFailed(ctx, userID, t, err)
	}

	m.states.Delete(userID)
	if err := m.install(ctx, userID, *prefs); err != nil {
		return t.Text(ctx, scheduleFailedText(prefs.City, err), domain.FormatPlain)
	}
	m.log.Info("user subscribed",
		zap.Int64("user_id", userID),
		zap.String("types", domain.JoinTypes(types)))
	return t.Text(ctx, subscribedText(*prefs), domain.FormatPlain)
}

func contentHandler(kind domain.SubscriptionType) stateHandler {
	return func(m *Machine, ctx context.Context, userID int64, t domain.Target, _ Conversation, input string) error {
		city, date, err := domain.ParseCityDate(input)
		if err != nil {
			c, d, _ := strings.Cut(input, ",")
			if strings.TrimSpace(c) != "" && strings.TrimSpace(d) != "" {
				return t.Text(ctx, invalidDateText, domain.FormatPlain)
			}
			return t.Text(ctx, invalidCityDateText, domain.FormatPlain)
		}
		// one attempt per entry into the state, whatever the outcome
		m.states.Delete(userID)

		dismiss, err := t.Progress(ctx, generatingText(kind))
		if err != nil {
			return err
		}
		defer dismiss(ctx)
		if err := m.deliver.Deliver(ctx, kind, t, city, date); err != nil {
			m.log.Error("content request failed",
				zap.Int64("user_id", userID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			if errors.Is(err, domain.ErrValidation) {
				return t.Text(ctx, contentRejectedText, domain.FormatPlain)
			}
			return t.Text(ctx, contentFailedText(kind), domain.FormatPlain)
		}
		return nil
	}
}

// finishEdit ends a single-field change. When the field affects delivery and
// the user is subscribed, the job is reinstalled.
func (m *Machine) finishEdit(ctx context.Context, userID int64, t domain.Target, done string, reschedule bool) error {
	m.states.Delete(userID)
	if err := t.Text(ctx, done, domain.FormatPlain); err != nil {
		return err
	}
	if !reschedule {
		return nil
	}
	prefs, err := m.repo.GetPreferences(ctx, userID)
	if err != nil {
		m.log.Error("reload after edit failed", zap.Int64("user_id", userID), zap.Error(err))
		return t.Text(ctx, readFailedText, domain.FormatPlain)
	}
	if !prefs.IsSubscribed {
		return nil
	}
	if err := m.install(ctx, userID, *prefs); err != nil {
		return t.Text(ctx, scheduleFailedText(prefs.City, err), domain.FormatPlain)
	}
	return nil
}

// resync reinstalls the job from the stored record after a chain step changed
// time or city of a subscribed user. The chain may be cancelled or expire
// before its last step, so the live job must follow every saved field.
// Only a reply that could not be sent is returned.
func (m *Machine) resync(ctx context.Context, userID int64, t domain.Target) error {
	prefs, err := m.repo.GetPreferences(ctx, userID)
	if err != nil {
		m.log.Error("reload after chain step failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	if !prefs.IsSubscribed {
		return nil
	}
	if err := m.install(ctx, userID, *prefs); err != nil {
		return t.Text(ctx, scheduleFailedText(prefs.City, err), domain.FormatPlain)
	}
	return nil
}

// install schedules delivery. A failure leaves no job, so the subscribed flag
// is rolled back to match. A shutdown is not a failure of the user's data:
// the flag stays and the job is restored on the next start.
func (m *Machine) install(ctx context.Context, userID int64, prefs domain.UserPreferences) error {
	err := m.sched.Schedule(ctx, userID, prefs)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrShutdown) {
		m.log.Info("schedule deferred to restart", zap.Int64("user_id", userID))
		return err
	}
	m.log.Error("schedule failed", zap.Int64("user_id", userID), zap.Error(err))
	if rerr := m.save(ctx, userID, domain.PreferencesPatch{IsSubscribed: domain.Ptr(false)}); rerr != nil {
		m.log.Error("subscription rollback failed", zap.Int64("user_id", userID), zap.Error(rerr))
	}
	return err
}

func (m *Machine) save(ctx context.Context, userID int64, patch domain.PreferencesPatch) error {
	return m.repo.SavePreferences(ctx, userID, patch)
}

// persistFailed answers a store failure and drops the conversation so the user
// is not stuck retrying a step that cannot be saved.
func (m *Machine) persistFailed(ctx context.Context, userID int64, t domain.Target, err error) error {
	m.states.Delete(userID)
	m.log.Error("preference write failed", zap.Int64("user_id", userID), zap.Error(err))
	return t.Text(ctx, storeFailedText, domain.FormatPlain)
}

func (m *Machine) transition(userID int64, next Conversation) {
	m.states.Set(userID, next)
	m.log.Debug("dialogue transition", zap.Int64("user_id", userID), zap.String("state", string(next.State)))
}
