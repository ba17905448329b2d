package store

import (
	"strings"
	"time"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// prefsRow mirrors the user_preferences table.
type prefsRow struct {
	UserID            int64  `db:"user_id"`
	City              string `db:"city"`
	NotificationTime  string `db:"notification_time"`
	StartDate         string `db:"start_date"`
	Timezone          string `db:"timezone"`
	SubscriptionTypes string `db:"subscription_types"`
	IsSubscribed      int    `db:"is_subscribed"`
	CreatedAt         int64  `db:"created_at"`
	LastUpdated       int64  `db:"last_updated"`
}

const prefsColumns = `user_id, city, notification_time, start_date, timezone,
	subscription_types, is_subscribed, created_at, last_updated`

func (r prefsRow) toDomain() domain.UserPreferences {
	return domain.UserPreferences{
		UserID:            r.UserID,
		City:              r.City,
		NotificationTime:  r.NotificationTime,
		StartDate:         r.StartDate,
		Timezone:          r.Timezone,
		SubscriptionTypes: domain.SplitTypes(r.SubscriptionTypes),
		IsSubscribed:      r.IsSubscribed != 0,
		LastUpdated:       time.UnixMilli(r.LastUpdated).UTC(),
	}
}

// upsert accumulates the column list of a partial INSERT ... ON CONFLICT statement.
type upsert struct {
	cols    []string
	args    []any
	updates []string
}

func (u *upsert) insertOnly(col string, v any) {
	u.cols = append(u.cols, col)
	u.args = append(u.args, v)
}

func (u *upsert) set(col string, v any) {
	u.insertOnly(col, v)
	u.updates = append(u.updates, col+" = excluded."+col)
}

func (u *upsert) query(table, key string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(u.cols)), ", ")
	return "INSERT INTO " + table + " (" + strings.Join(u.cols, ", ") + ") VALUES (" + ph + ")" +
		" ON CONFLICT(" + key + ") DO UPDATE SET " + strings.Join(u.updates, ", ")
}

func buildUpsert(userID int64, p domain.PreferencesPatch, now time.Time) upsert {
	var u upsert
	u.insertOnly("user_id", userID)
	u.insertOnly("created_at", now.UnixMilli())
	if p.City != nil {
		u.set("city", strings.TrimSpace(*p.City))
	}
	if p.NotificationTime != nil {
		u.set("notification_time", *p.NotificationTime)
	}
	if p.StartDate != nil {
		u.set("start_date", *p.StartDate)
	}
	if p.Timezone != nil {
		u.set("timezone", *p.Timezone)
	}
	if p.SubscriptionTypes != nil {
		u.set("subscription_types", domain.JoinTypes(*p.SubscriptionTypes))
	}
	if p.IsSubscribed != nil {
		u.set("is_subscribed", boolToInt(*p.IsSubscribed))
	}
	u.set("last_updated", now.UnixMilli())
	return u
}

// boolToInt converts a boolean to 1/0 for SQLite.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
