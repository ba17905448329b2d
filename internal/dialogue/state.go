package dialogue

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// State is the step a user's conversation is waiting on.
type State string

const (
	StateAwaitingTime          State = "AWAITING_TIME"
	StateAwaitingCity          State = "AWAITING_CITY"
	StateAwaitingDate          State = "AWAITING_DATE"
	StateAwaitingSubscribeType State = "AWAITING_SUBSCRIBE_TYPE"
	StateAwaitingGTInput       State = "AWAITING_GT_INPUT"
	StateAwaitingDGTInput      State = "AWAITING_DGT_INPUT"
	StateAwaitingCGTInput      State = "AWAITING_CGT_INPUT"
	StateUpdateAll             State = "UPDATE_ALL"
)

// Flow tells a field step what comes after it.
type Flow int

const (
	// FlowSubscribe chains time, city, date and the type menu.
	FlowSubscribe Flow = iota
	// FlowEdit saves a single field and ends the conversation.
	FlowEdit
)

// Conversation is the transient per-user dialogue entry.
type Conversation struct {
	State State
	Flow  Flow
}

// StateStore holds conversations keyed by user. Entries are never persisted,
// a restart drops in-flight dialogues.
type StateStore interface {
	Get(userID int64) (Conversation, bool)
	Set(userID int64, c Conversation)
	Delete(userID int64)
}

// MemoryStore is a StateStore whose entries expire after a period of inactivity.
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 keeps entries until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		return &MemoryStore{c: cache.New(cache.NoExpiration, 0)}
	}
	return &MemoryStore{c: cache.New(ttl, ttl)}
}

func key(userID int64) string { return strconv.FormatInt(userID, 10) }

// Get implements StateStore.
func (s *MemoryStore) Get(userID int64) (Conversation, bool) {
	v, ok := s.c.Get(key(userID))
	if !ok {
		return Conversation{}, false
	}
	return v.(Conversation), true
}

// Set implements StateStore. Setting refreshes the expiry.
func (s *MemoryStore) Set(userID int64, c Conversation) {
	s.c.Set(key(userID), c, cache.DefaultExpiration)
}

// Delete implements StateStore.
func (s *MemoryStore) Delete(userID int64) {
	s.c.Delete(key(userID))
}

// Len returns the number of live conversations.
func (s *MemoryStore) Len() int {
	return s.c.ItemCount()
}
