package domain

import (
	"strings"
	"time"
)

// SubscriptionType identifies a content kind delivered to a subscriber.
type SubscriptionType string

const (
	TypeGT  SubscriptionType = "gt"  // Good Times table
	TypeDGT SubscriptionType = "dgt" // Drik Panchang table
	TypeCGT SubscriptionType = "cgt" // combined table
)

// AllTypes lists every known subscription type in menu order.
var AllTypes = []SubscriptionType{TypeGT, TypeDGT, TypeCGT}

// DisplayName returns a human-readable name for the type.
func (t SubscriptionType) DisplayName() string {
	switch t {
	case TypeGT:
		return "Good Times Table"
	case TypeDGT:
		return "Drik Panchang Table"
	case TypeCGT:
		return "Combined Table"
	default:
		return string(t)
	}
}

// Valid reports whether t is one of the known types.
func (t SubscriptionType) Valid() bool {
	switch t {
	case TypeGT, TypeDGT, TypeCGT:
		return true
	}
	return false
}

// UserPreferences represents per-user schedule settings.
type UserPreferences struct {
	UserID            int64
	City              string
	NotificationTime  string // HH:MM in the user's timezone
	StartDate         string // YYYY-MM-DD
	Timezone          string // IANA id resolved from City, empty until resolved
	SubscriptionTypes []SubscriptionType
	IsSubscribed      bool
	LastUpdated       time.Time // UTC, stamped by the store
}

// PreferencesPatch is a partial update. Nil fields are left untouched by the store.
type PreferencesPatch struct {
	City              *string
	NotificationTime  *string
	StartDate         *string
	Timezone          *string
	SubscriptionTypes *[]SubscriptionType
	IsSubscribed      *bool
}

// Empty reports whether the patch carries no fields.
func (p PreferencesPatch) Empty() bool {
	return p.City == nil && p.NotificationTime == nil && p.StartDate == nil &&
		p.Timezone == nil && p.SubscriptionTypes == nil && p.IsSubscribed == nil
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }

// JoinTypes encodes types as a comma separated list ("gt,dgt").
func JoinTypes(types []SubscriptionType) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

// SplitTypes decodes a comma separated list, dropping unknown and duplicate tags.
func SplitTypes(s string) []SubscriptionType {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	seen := make(map[SubscriptionType]bool)
	var res []SubscriptionType
	for _, p := range strings.Split(s, ",") {
		t := SubscriptionType(strings.TrimSpace(p))
		if !t.Valid() || seen[t] {
			continue
		}
		seen[t] = true
		res = append(res, t)
	}
	return res
}

// TypeNames returns display names joined with ", ".
func TypeNames(types []SubscriptionType) string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.DisplayName())
	}
	return strings.Join(names, ", ")
}

// menuSelections maps the subscription menu answers to type sets.
var menuSelections = map[string][]SubscriptionType{
	"1": {TypeGT},
	"2": {TypeDGT},
	"3": {TypeCGT},
	"4": {TypeGT, TypeDGT},
	"5": {TypeGT, TypeCGT},
	"6": {TypeGT, TypeDGT, TypeCGT},
}

// SelectionTypes returns the type set for a menu answer ("1".."6").
func SelectionTypes(sel string) ([]SubscriptionType, bool) {
	types, ok := menuSelections[strings.TrimSpace(sel)]
	if !ok {
		return nil, false
	}
	out := make([]SubscriptionType, len(types))
	copy(out, types)
	return out, true
}
