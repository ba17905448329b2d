package timezone

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// DefaultGeoNamesURL is the public GeoNames API root.
const DefaultGeoNamesURL = "http://api.geonames.org"

// GeoNamesConfig configures GeoNames.
type GeoNamesConfig struct {
	BaseURL  string
	Username string
	Timeout  time.Duration // per Resolve call, both requests included
	CacheTTL time.Duration
	Rate     float64 // outbound requests per second, 0 disables limiting
}

// GeoNames resolves cities with two calls: searchJSON for coordinates, then
// timezoneJSON for the zone. Results are cached per normalized city and
// concurrent lookups of the same city share one request.
type GeoNames struct {
	cfg     GeoNamesConfig
	client  *http.Client
	cache   *cache.Cache
	group   singleflight.Group
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewGeoNames builds a GeoNames resolver. client may be nil.
func NewGeoNames(cfg GeoNamesConfig, client *http.Client, log *zap.Logger) *GeoNames {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeoNamesURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &GeoNames{
		cfg:    cfg,
		client: client,
		cache:  cache.New(cfg.CacheTTL, cfg.CacheTTL/2),
		log:    log,
	}
	if cfg.Rate > 0 {
		burst := int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return g
}

// Resolve implements Resolver.
func (g *GeoNames) Resolve(ctx context.Context, city string) (string, error) {
	key := normalize(city)
	if key == "" {
		return "", fmt.Errorf("%w: empty city", domain.ErrValidation)
	}
	if tz, ok := g.cache.Get(key); ok {
		return tz.(string), nil
	}

	// the shared lookup is detached from whichever caller started it, so one
	// caller going away does not fail the others waiting on the same city
	ch := g.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()

		tz, err := g.lookup(ctx, key)
		if err != nil {
			return "", err
		}
		g.cache.Set(key, tz, cache.DefaultExpiration)
		return tz, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", fmt.Errorf("resolve %q: %w: %w", city, domain.ErrUnavailable, ctx.Err())
	}
	if res.Err != nil {
		g.log.Warn("timezone lookup failed", zap.String("city", city), zap.Error(res.Err))
		return "", res.Err
	}
	g.log.Debug("timezone resolved", zap.String("city", city), zap.Any("tz", res.Val), zap.Bool("shared", res.Shared))
	return res.Val.(string), nil
}

func (g *GeoNames) lookup(ctx context.Context, city string) (string, error) {
	body, err := g.get(ctx, "searchJSON", url.Values{
		"q":        {city},
		"maxRows":  {"1"},
		"username": {g.cfg.Username},
	})
	if err != nil {
		return "", err
	}
	first := gjson.GetBytes(body, "geonames.0")
	if !first.Exists() {
		return "", fmt.Errorf("city %q: %w", city, domain.ErrNotFound)
	}
	lat, lng := first.Get("lat"), first.Get("lng")
	if !lat.Exists() || !lng.Exists() {
		return "", fmt.Errorf("city %q: no coordinates: %w", city, domain.ErrUnavailable)
	}

	body, err = g.get(ctx, "timezoneJSON", url.Values{
		"lat":      {strconv.FormatFloat(lat.Float(), 'f', -1, 64)},
		"lng":      {strconv.FormatFloat(lng.Float(), 'f', -1, 64)},
		"username": {g.cfg.Username},
	})
	if err != nil {
		return "", err
	}
	tz := gjson.GetBytes(body, "timezoneId").String()
	if tz == "" {
		return "", fmt.Errorf("city %q: no timezone for coordinates: %w", city, domain.ErrNotFound)
	}
	if _, err := domain.ValidateTZ(tz); err != nil {
		return "", fmt.Errorf("city %q: %w", city, err)
	}
	return tz, nil
}

// get performs one rate-limited GET and returns the JSON body. GeoNames reports
// quota and auth problems as {"status": {...}} with HTTP 200.
func (g *GeoNames) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", endpoint, domain.ErrUnavailable, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/"+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", endpoint, domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w: %w", endpoint, domain.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %w", endpoint, resp.StatusCode, domain.ErrUnavailable)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: invalid json: %w", endpoint, domain.ErrUnavailable)
	}
	if st := gjson.GetBytes(body, "status"); st.Exists() {
		return nil, fmt.Errorf("%s: %s (code %d): %w", endpoint,
			st.Get("message").String(), st.Get("value").Int(), domain.ErrUnavailable)
	}
	return body, nil
}
