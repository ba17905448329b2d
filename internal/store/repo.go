package store

import (
	"context"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// Repo defines storage operations for user preferences.
//
// Failures caused by the engine being busy, slow or down are wrapped with
// domain.ErrUnavailable; a missing record is domain.ErrNotFound.
type Repo interface {
	// SavePreferences upserts the fields present in patch and stamps last_updated.
	SavePreferences(ctx context.Context, userID int64, patch domain.PreferencesPatch) error
	GetPreferences(ctx context.Context, userID int64) (*domain.UserPreferences, error)
	GetAllSubscribed(ctx context.Context) ([]domain.UserPreferences, error)
	Ping(ctx context.Context) error
	Close() error
}
