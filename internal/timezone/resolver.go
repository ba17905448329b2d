// Package timezone maps city names to IANA timezone identifiers.
package timezone

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// Resolver maps a free-text city to an IANA timezone id.
// Unknown cities fail with domain.ErrNotFound, lookup outages with domain.ErrUnavailable.
type Resolver interface {
	Resolve(ctx context.Context, city string) (string, error)
}

// Static resolves from a fixed table. Keys are matched case-insensitively.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, city string) (string, error) {
	key := normalize(city)
	for k, tz := range s {
		if normalize(k) == key {
			return tz, nil
		}
	}
	return "", fmt.Errorf("city %q: %w", city, domain.ErrNotFound)
}

func normalize(city string) string {
	return strings.ToLower(strings.Join(strings.Fields(city), " "))
}

// Chain tries each resolver in order. Only domain.ErrNotFound moves on to the
// next one; any other error is returned as is.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, city string) (string, error) {
	err := fmt.Errorf("city %q: %w", city, domain.ErrNotFound)
	for _, r := range c {
		var tz string
		tz, err = r.Resolve(ctx, city)
		if err == nil {
			return tz, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}
	return "", err
}
