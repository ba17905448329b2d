// Package content talks to the table/image backend and forwards the rendered
// tables to a reply target.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

const maxBody = 20 << 20

// Config configures Client.
type Config struct {
	BaseURL string
	Timeout time.Duration // per Deliver call
}

// Client renders gt, dgt and cgt tables through the backend.
type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
	log     *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    httpClient,
		log:     log,
	}
}

// Deliver renders kind for (city, date) and sends it to target as a photo.
// Backend 400s are domain.ErrValidation, everything else domain.ErrUnavailable.
func (c *Client) Deliver(ctx context.Context, kind domain.SubscriptionType, target domain.Target, city, date string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var (
		img []byte
		err error
	)
	switch kind {
	case domain.TypeGT:
		img, err = c.goodTimes(ctx, city, date)
	case domain.TypeDGT:
		img, err = c.drikTable(ctx, city, date)
	case domain.TypeCGT:
		img, err = c.combined(ctx, city, date)
	default:
		return fmt.Errorf("%w: unknown content kind %q", domain.ErrValidation, kind)
	}
	if err != nil {
		return fmt.Errorf("%s for %s on %s: %w", kind, city, date, err)
	}
	c.log.Info("image rendered",
		zap.String("kind", string(kind)),
		zap.String("city", city),
		zap.String("date", date),
		zap.Int("bytes", len(img)),
		zap.Duration("took", time.Since(start)))

	name := fmt.Sprintf("%s-%s.png", kind, date)
	if err := target.Photo(ctx, name, img, Caption(kind, city, date)); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// Caption is the text shown under a delivered table.
func Caption(kind domain.SubscriptionType, city, date string) string {
	switch kind {
	case domain.TypeGT:
		return fmt.Sprintf("🗓️ Good Times Table\n📍 %s\n📅 %s\n\n💫 Choose your time wisely!", city, date)
	case domain.TypeDGT:
		return fmt.Sprintf("✨ Drik Panchang Timings\n📍 %s\n📅 %s\n\n💫 Plan your activities accordingly!", city, date)
	default:
		return fmt.Sprintf("🎯 Combined Times Table\n📍 %s\n📅 %s\n\n💫 Plan your activities wisely!", city, date)
	}
}

func (c *Client) goodTimes(ctx context.Context, city, date string) ([]byte, error) {
	return c.postImage(ctx, "/api/getBharagvTable-image", map[string]any{
		"city":           city,
		"date":           date,
		"showNonBlue":    false,
		"is12HourFormat": true,
	})
}

func (c *Client) drikTable(ctx context.Context, city, date string) ([]byte, error) {
	dmy, err := domain.ToDayMonthYear(date)
	if err != nil {
		return nil, err
	}
	return c.postImage(ctx, "/api/getDrikTable-image", map[string]any{
		"city":            city,
		"date":            dmy,
		"goodTimingsOnly": false,
	})
}

func (c *Client) combined(ctx context.Context, city, date string) ([]byte, error) {
	dmy, err := domain.ToDayMonthYear(date)
	if err != nil {
		return nil, err
	}
	muhurat, err := c.getJSON(ctx, "/api/getDrikTable", url.Values{
		"city":            {city},
		"date":            {dmy},
		"goodTimingsOnly": {"true"},
	})
	if err != nil {
		return nil, fmt.Errorf("muhurat data: %w", err)
	}
	panchangam, err := c.getJSON(ctx, "/api/getBharagvTable", url.Values{
		"city":           {city},
		"date":           {date},
		"showNonBlue":    {"true"},
		"is12HourFormat": {"true"},
	})
	if err != nil {
		return nil, fmt.Errorf("panchangam data: %w", err)
	}
	return c.postImage(ctx, "/api/combine-image", map[string]any{
		"muhuratData":    muhurat,
		"panchangamData": panchangam,
		"city":           city,
		"date":           date,
	})
}

func (c *Client) postImage(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%s: expected image, got %s: %w", path, ct, domain.ErrUnavailable)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: invalid json: %w", path, domain.ErrUnavailable)
	}
	return json.RawMessage(data), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", req.URL.Path, domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w: %w", req.URL.Path, domain.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%s: %w: backend rejected city or date", req.URL.Path, domain.ErrValidation)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s: status %d: %w", req.URL.Path, resp.StatusCode, domain.ErrUnavailable)
	}
	return data, nil
}
