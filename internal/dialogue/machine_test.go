package dialogue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ucs200525/panchang-bot/internal/domain"
	"github.com/ucs200525/panchang-bot/internal/scheduler"
	"github.com/ucs200525/panchang-bot/internal/store"
)

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[int64]domain.UserPreferences
	scheduled int
	cancelled int
	err       error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[int64]domain.UserPreferences{}}
}

func (f *fakeScheduler) Schedule(_ context.Context, userID int64, prefs domain.UserPreferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, userID)
	if f.err != nil {
		return f.err
	}
	f.scheduled++
	f.jobs[userID] = prefs
	return nil
}

func (f *fakeScheduler) Cancel(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[userID]
	delete(f.jobs, userID)
	f.cancelled++
	return ok
}

func (f *fakeScheduler) Next(userID int64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[userID]; !ok {
		return time.Time{}, false
	}
	return time.Date(2024, time.January, 26, 2, 30, 0, 0, time.UTC), true
}

func (f *fakeScheduler) job(userID int64) (domain.UserPreferences, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.jobs[userID]
	return p, ok
}

type deliverCall struct {
	kind       domain.SubscriptionType
	city, date string
}

type fakeDeliverer struct {
	calls []deliverCall
	err   error
}

func (f *fakeDeliverer) Deliver(_ context.Context, kind domain.SubscriptionType, _ domain.Target, city, date string) error {
	f.calls = append(f.calls, deliverCall{kind: kind, city: city, date: date})
	return f.err
}

type reply struct {
	text   string
	format domain.Format
}

type chatTarget struct {
	mu        sync.Mutex
	replies   []reply
	dismissed []dismissal
}

// dismissal records a removed progress line and how many replies preceded it.
type dismissal struct {
	text    string
	replies int
}

func (c *chatTarget) ChatID() int64 { return 1 }

func (c *chatTarget) Text(_ context.Context, text string, f domain.Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply{text: text, format: f})
	return nil
}

func (c *chatTarget) Photo(context.Context, string, []byte, string) error { return nil }

func (c *chatTarget) Progress(ctx context.Context, text string) (domain.Dismiss, error) {
	if err := c.Text(ctx, text, domain.FormatPlain); err != nil {
		return nil, err
	}
	return func(context.Context) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.dismissed = append(c.dismissed, dismissal{text: text, replies: len(c.replies)})
	}, nil
}

func (c *chatTarget) dismissals() []dismissal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dismissal(nil), c.dismissed...)
}

func (c *chatTarget) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return ""
	}
	return c.replies[len(c.replies)-1].text
}

func (c *chatTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

// failingRepo fails writes once armed.
type failingRepo struct {
	store.Repo
	failWrites bool
}

func (r *failingRepo) SavePreferences(ctx context.Context, userID int64, p domain.PreferencesPatch) error {
	if r.failWrites {
		return errors.New("save: " + domain.ErrUnavailable.Error())
	}
	return r.Repo.SavePreferences(ctx, userID, p)
}

type fixture struct {
	m       *Machine
	repo    *failingRepo
	sched   *fakeScheduler
	deliver *fakeDeliverer
	t       *chatTarget
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlite, err := store.OpenSQLite(context.Background(), store.Options{
		Path:  filepath.Join(t.TempDir(), "bot.db"),
		Retry: store.RetryPolicy{Attempts: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	f := &fixture{
		repo:    &failingRepo{Repo: sqlite},
		sched:   newFakeScheduler(),
		deliver: &fakeDeliverer{},
		t:       &chatTarget{},
	}
	f.m = New(f.repo, f.sched, f.deliver, NewMemoryStore(time.Hour), zaptest.NewLogger(t))
	return f
}

func (f *fixture) send(t *testing.T, userID int64, text string) {
	t.Helper()
	if cmd, ok := ParseCommand(text); ok && text[0] == '/' {
		require.NoError(t, f.m.Dispatch(context.Background(), cmd, userID, f.t))
		return
	}
	require.NoError(t, f.m.HandleText(context.Background(), userID, f.t, text))
}

func (f *fixture) state(userID int64) State {
	c, ok := f.m.State(userID)
	if !ok {
		return ""
	}
	return c.State
}

func (f *fixture) prefs(t *testing.T, userID int64) *domain.UserPreferences {
	t.Helper()
	p, err := f.repo.GetPreferences(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func TestSubscribeFlow(t *testing.T) {
	f := newFixture(t)
	const u = 100

	f.send(t, u, "/subscribe")
	assert.Equal(t, StateAwaitingTime, f.state(u))

	f.send(t, u, "08:00")
	assert.Equal(t, "08:00", f.prefs(t, u).NotificationTime)
	assert.Equal(t, StateAwaitingCity, f.state(u))

	f.send(t, u, "Vijayawada")
	assert.Equal(t, "Vijayawada", f.prefs(t, u).City)
	assert.Equal(t, StateAwaitingDate, f.state(u))

	f.send(t, u, "2024-01-25")
	assert.Equal(t, "2024-01-25", f.prefs(t, u).StartDate)
	assert.Equal(t, StateAwaitingSubscribeType, f.state(u))
	assert.Equal(t, typeMenuText, f.t.last())

	f.send(t, u, "6")
	p := f.prefs(t, u)
	assert.Equal(t, []domain.SubscriptionType{domain.TypeGT, domain.TypeDGT, domain.TypeCGT}, p.SubscriptionTypes)
	assert.True(t, p.IsSubscribed)
	assert.Empty(t, f.state(u))

	job, ok := f.sched.job(u)
	require.True(t, ok, "a job is scheduled")
	assert.Equal(t, "08:00", job.NotificationTime)
	assert.Equal(t, "Vijayawada", job.City)
	assert.Contains(t, f.t.last(), "Subscription successful")
	assert.Contains(t, f.t.last(), "Good Times Table, Drik Panchang Table, Combined Table")
}

func TestStartBeginsSubscribeChain(t *testing.T) {
	f := newFixture(t)
	f.send(t, 1, "/start")
	assert.Equal(t, StateAwaitingTime, f.state(1))
	assert.Equal(t, domain.FormatMarkdown, f.t.replies[0].format)
}

func TestUpdateAllReentersTimeChain(t *testing.T) {
	f := newFixture(t)
	f.send(t, 1, "/update_all")
	assert.Equal(t, StateUpdateAll, f.state(1))

	f.send(t, 1, "bad")
	assert.Equal(t, StateUpdateAll, f.state(1))
	assert.Equal(t, invalidTimeText, f.t.last())

	f.send(t, 1, "21:15")
	assert.Equal(t, StateAwaitingCity, f.state(1))
	assert.Equal(t, "21:15", f.prefs(t, 1).NotificationTime)
}

func TestValidationRetainsState(t *testing.T) {
	f := newFixture(t)
	const u = 2
	f.send(t, u, "/subscribe")

	for _, in := range []string{"24:00", "8:00", "12:60", "noon"} {
		f.send(t, u, in)
		assert.Equal(t, StateAwaitingTime, f.state(u), in)
		assert.Equal(t, invalidTimeText, f.t.last(), in)
	}
	_, err := f.repo.GetPreferences(context.Background(), u)
	assert.ErrorIs(t, err, domain.ErrNotFound, "nothing persisted on invalid input")

	f.send(t, u, "07:30")
	f.send(t, u, "NY")
	assert.Equal(t, StateAwaitingCity, f.state(u))
	assert.Equal(t, invalidCityText, f.t.last())

	f.send(t, u, "Pune")
	for _, in := range []string{"2024-02-30", "24-01-2025", "tomorrow"} {
		f.send(t, u, in)
		assert.Equal(t, StateAwaitingDate, f.state(u), in)
		assert.Equal(t, invalidDateText, f.t.last(), in)
	}

	f.send(t, u, "2024-02-29")
	f.send(t, u, "7")
	assert.Equal(t, StateAwaitingSubscribeType, f.state(u))
	assert.Equal(t, invalidOptionText, f.t.last())
	assert.False(t, f.prefs(t, u).IsSubscribed)
}

func TestCommandPrefixIsIgnoredAsInput(t *testing.T) {
	f := newFixture(t)
	f.send(t, 3, "/subscribe")
	n := f.t.count()

	require.NoError(t, f.m.HandleText(context.Background(), 3, f.t, "/unknown"))
	require.NoError(t, f.m.HandleText(context.Background(), 3, f.t, "  /08:00"))
	assert.Equal(t, StateAwaitingTime, f.state(3))
	assert.Equal(t, n, f.t.count(), "no reply")
}

func TestTextWithoutConversationIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.HandleText(context.Background(), 4, f.t, "hello"))
	assert.Zero(t, f.t.count())
	_, err := f.repo.GetPreferences(context.Background(), 4)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelMidFlow(t *testing.T) {
	f := newFixture(t)
	const u = 5
	f.send(t, u, "/subscribe")
	f.send(t, u, "08:00")
	require.Equal(t, StateAwaitingCity, f.state(u))
	before := f.prefs(t, u)

	f.send(t, u, "/cancel")
	assert.Empty(t, f.state(u))
	assert.Equal(t, cancelledText, f.t.last())
	assert.Equal(t, before, f.prefs(t, u), "cancel does not touch preferences")

	f.send(t, u, "/cancel")
	assert.Equal(t, nothingToCancelText, f.t.last())
}

func subscribeUser(t *testing.T, f *fixture, u int64) {
	t.Helper()
	for _, in := range []string{"/subscribe", "08:00", "Vijayawada", "2024-01-25", "5"} {
		f.send(t, u, in)
	}
	require.True(t, f.prefs(t, u).IsSubscribed)
}

func TestStopKeepsRecord(t *testing.T) {
	f := newFixture(t)
	const u = 6
	subscribeUser(t, f, u)

	f.send(t, u, "/stop")
	p := f.prefs(t, u)
	assert.False(t, p.IsSubscribed)
	assert.Empty(t, p.SubscriptionTypes)
	assert.Empty(t, p.NotificationTime)
	assert.Equal(t, "Vijayawada", p.City)
	assert.Equal(t, "2024-01-25", p.StartDate)
	_, ok := f.sched.job(u)
	assert.False(t, ok, "job cancelled")
	assert.Equal(t, stoppedText, f.t.last())

	f.send(t, u, "/status")
	assert.Contains(t, f.t.last(), "City: Vijayawada")
	assert.Contains(t, f.t.last(), "Start Date: 2024-01-25")
	assert.Contains(t, f.t.last(), "Not subscribed")

	f.send(t, u, "/stop")
	assert.Equal(t, notSubscribedText, f.t.last())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.send(t, 7, "/status")
	assert.Equal(t, noPreferencesText, f.t.last())

	subscribeUser(t, f, 7)
	require.NoError(t, f.repo.SavePreferences(context.Background(), 7,
		domain.PreferencesPatch{Timezone: domain.Ptr("Asia/Kolkata")}))
	f.send(t, 7, "/status")
	out := f.t.last()
	assert.Contains(t, out, "Daily Updates: 08:00")
	assert.Contains(t, out, "Good Times Table, Combined Table")
	assert.Contains(t, out, "Timezone: Asia/Kolkata")
	assert.Contains(t, out, "Next Delivery: 2024-01-26 08:00 IST")
	assert.Contains(t, out, "Last Updated:")
}

func TestOneShotContent(t *testing.T) {
	f := newFixture(t)
	const u = 8

	f.send(t, u, "/gt")
	assert.Equal(t, StateAwaitingGTInput, f.state(u))
	f.send(t, u, "Vijayawada")
	assert.Equal(t, invalidCityDateText, f.t.last())
	f.send(t, u, "Vijayawada, 25-01-2024")
	assert.Equal(t, invalidDateText, f.t.last())
	assert.Equal(t, StateAwaitingGTInput, f.state(u), "validation retains state")
	assert.Empty(t, f.deliver.calls)

	f.send(t, u, " Vijayawada ,  2024-01-25 ")
	assert.Empty(t, f.state(u))
	require.Len(t, f.deliver.calls, 1)
	assert.Equal(t, deliverCall{kind: domain.TypeGT, city: "Vijayawada", date: "2024-01-25"}, f.deliver.calls[0])

	// handler failure still clears the state
	f.deliver.err = errors.New("backend: " + domain.ErrUnavailable.Error())
	f.send(t, u, "/cgt")
	f.send(t, u, "Pune, 2024-01-25")
	assert.Empty(t, f.state(u))
	assert.Equal(t, contentFailedText(domain.TypeCGT), f.t.last())

	f.deliver.err = domain.ErrValidation
	f.send(t, u, "/dgt")
	f.send(t, u, "Xyzzy, 2024-01-25")
	assert.Empty(t, f.state(u))
	assert.Equal(t, contentRejectedText, f.t.last())
	assert.Len(t, f.deliver.calls, 3)
}

func TestGeneratingNoticeRemovedAfterAnswer(t *testing.T) {
	f := newFixture(t)
	const u = 18

	f.send(t, u, "/gt")
	f.send(t, u, "Vijayawada, 2024-01-25")
	require.Len(t, f.deliver.calls, 1)
	assert.Equal(t, []dismissal{{text: generatingText(domain.TypeGT), replies: f.t.count()}}, f.t.dismissals())

	f.deliver.err = errors.New("backend: " + domain.ErrUnavailable.Error())
	f.send(t, u, "/cgt")
	f.send(t, u, "Pune, 2024-01-25")
	assert.Equal(t, contentFailedText(domain.TypeCGT), f.t.last())
	got := f.t.dismissals()
	require.Len(t, got, 2)
	assert.Equal(t, generatingText(domain.TypeCGT), got[1].text)
	assert.Equal(t, f.t.count(), got[1].replies, "removed after the error reply")

	// invalid input never posts a notice
	f.send(t, u, "/dgt")
	f.send(t, u, "Pune")
	assert.Len(t, f.t.dismissals(), 2)
}

func TestUnknownStateIsReset(t *testing.T) {
	f := newFixture(t)
	f.m.states.Set(9, Conversation{State: "AWAITING_SUBSCRIBE_TIME"})

	f.send(t, 9, "08:00")
	assert.Empty(t, f.state(9))
	assert.Equal(t, unknownStateText, f.t.last())
}

func TestPersistenceFailureClearsState(t *testing.T) {
	f := newFixture(t)
	f.send(t, 10, "/subscribe")
	f.repo.failWrites = true

	f.send(t, 10, "08:00")
	assert.Empty(t, f.state(10))
	assert.Equal(t, storeFailedText, f.t.last())
}

func TestScheduleFailureRollsBackSubscription(t *testing.T) {
	f := newFixture(t)
	f.sched.err = domain.ErrNotFound
	for _, in := range []string{"/subscribe", "08:00", "Atlantis", "2024-01-25", "1"} {
		f.send(t, 11, in)
	}
	p := f.prefs(t, 11)
	assert.False(t, p.IsSubscribed)
	assert.Equal(t, []domain.SubscriptionType{domain.TypeGT}, p.SubscriptionTypes)
	assert.Empty(t, f.state(11))
	assert.Contains(t, f.t.last(), "could not find the timezone")
}

func TestChainStepsKeepJobInSyncWhenCancelled(t *testing.T) {
	f := newFixture(t)
	const u = 14
	subscribeUser(t, f, u)
	require.NoError(t, f.repo.SavePreferences(context.Background(), u,
		domain.PreferencesPatch{Timezone: domain.Ptr("Asia/Kolkata")}))

	f.send(t, u, "/update_all")
	f.send(t, u, "21:00")
	job, ok := f.sched.job(u)
	require.True(t, ok)
	assert.Equal(t, "21:00", job.NotificationTime, "time step reinstalls the job")
	assert.Equal(t, StateAwaitingCity, f.state(u))

	f.send(t, u, "Auckland")
	f.send(t, u, "/cancel")
	assert.Empty(t, f.state(u))

	p := f.prefs(t, u)
	assert.True(t, p.IsSubscribed)
	job, ok = f.sched.job(u)
	require.True(t, ok)
	assert.Equal(t, p.NotificationTime, job.NotificationTime)
	assert.Equal(t, "Auckland", job.City)
	assert.Empty(t, job.Timezone, "new city is resolved again")
}

func TestChainStepScheduleFailureIsReported(t *testing.T) {
	f := newFixture(t)
	const u = 15
	subscribeUser(t, f, u)

	f.sched.err = domain.ErrNotFound
	f.send(t, u, "/subscribe")
	f.send(t, u, "09:00")
	f.send(t, u, "Atlantis")

	assert.False(t, f.prefs(t, u).IsSubscribed)
	assert.Equal(t, citySavedText, f.t.last())
	var reported bool
	for _, r := range f.t.replies {
		if strings.Contains(r.text, "could not find the timezone") {
			reported = true
		}
	}
	assert.True(t, reported)
	assert.Equal(t, StateAwaitingDate, f.state(u), "chain goes on")
}

func TestChainWithoutSubscriptionDoesNotSchedule(t *testing.T) {
	f := newFixture(t)
	f.send(t, 16, "/update_all")
	f.send(t, 16, "21:00")
	f.send(t, 16, "Auckland")
	assert.Zero(t, f.sched.scheduled)
}

func TestShutdownDuringSubscribeKeepsSubscription(t *testing.T) {
	f := newFixture(t)
	const u = 17
	for _, in := range []string{"/subscribe", "08:00", "Vijayawada", "2024-01-25"} {
		f.send(t, u, in)
	}

	f.sched.err = scheduler.ErrClosed
	f.send(t, u, "6")

	p := f.prefs(t, u)
	assert.True(t, p.IsSubscribed, "restored by the next start")
	assert.Equal(t, []domain.SubscriptionType{domain.TypeGT, domain.TypeDGT, domain.TypeCGT}, p.SubscriptionTypes)
	assert.Contains(t, f.t.last(), "restarting")
	assert.Empty(t, f.state(u))
}

func TestChangeCommands(t *testing.T) {
	f := newFixture(t)
	const u = 12
	subscribeUser(t, f, u)
	require.NoError(t, f.repo.SavePreferences(context.Background(), u,
		domain.PreferencesPatch{Timezone: domain.Ptr("Asia/Kolkata")}))
	scheduled := f.sched.scheduled

	f.send(t, u, "/change_time")
	assert.Equal(t, StateAwaitingTime, f.state(u))
	f.send(t, u, "09:45")
	assert.Empty(t, f.state(u), "edit ends after one field")
	assert.Equal(t, "09:45", f.prefs(t, u).NotificationTime)
	assert.Equal(t, scheduled+1, f.sched.scheduled, "rescheduled")
	job, _ := f.sched.job(u)
	assert.Equal(t, "09:45", job.NotificationTime)

	f.send(t, u, "/change_city")
	f.send(t, u, "Chennai")
	p := f.prefs(t, u)
	assert.Equal(t, "Chennai", p.City)
	assert.Empty(t, p.Timezone, "zone of the old city is dropped")
	assert.Equal(t, scheduled+2, f.sched.scheduled)

	f.send(t, u, "/change_date")
	f.send(t, u, "2025-03-01")
	assert.Equal(t, "2025-03-01", f.prefs(t, u).StartDate)
	assert.Equal(t, scheduled+2, f.sched.scheduled, "date does not affect delivery")
	assert.Empty(t, f.state(u))
}

func TestChangeTimeWhenNotSubscribedDoesNotSchedule(t *testing.T) {
	f := newFixture(t)
	f.send(t, 13, "/change_time")
	f.send(t, 13, "10:00")
	assert.Equal(t, "10:00", f.prefs(t, 13).NotificationTime)
	assert.Zero(t, f.sched.scheduled)
}

func TestDispatchUnknownCommand(t *testing.T) {
	f := newFixture(t)
	err := f.m.Dispatch(context.Background(), Command(999), 1, f.t)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEveryCommandHasHandler(t *testing.T) {
	for _, c := range Commands() {
		_, ok := commandHandlers[c.Command]
		assert.True(t, ok, c.Name)
	}
}

func TestParseCommand(t *testing.T) {
	c, ok := ParseCommand("/change_time")
	require.True(t, ok)
	assert.Equal(t, CmdChangeTime, c)
	assert.Equal(t, "change_time", c.String())

	c, ok = ParseCommand("GT")
	require.True(t, ok)
	assert.Equal(t, CmdGT, c)

	_, ok = ParseCommand("/examples")
	assert.False(t, ok)
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	s.Set(1, Conversation{State: StateAwaitingCity})
	_, ok := s.Get(1)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := s.Get(1)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
