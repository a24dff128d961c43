package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"pingx/internal/metrics"
)

// UpdateDeduper hands out one claim per Telegram update id. A claim is held
// until it expires or is released.
type UpdateDeduper interface {
	// Claim reports false when another delivery of updateID holds the claim.
	Claim(ctx context.Context, updateID int64) (bool, error)
	// Release gives the claim back so a redelivery is handled again.
	Release(ctx context.Context, updateID int64) error
}

// DedupConfig sets where claims live and how long they are held.
type DedupConfig struct {
	Prefix string        // Redis key prefix, e.g. "pingx"
	TTL    time.Duration // claim lifetime
}

// NewUpdateDeduper keeps claims in Redis when client is non-nil and in
// process memory otherwise.
func NewUpdateDeduper(client *redis.Client, cfg DedupConfig) UpdateDeduper {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pingx"
	}
	if client == nil {
		return newMemoryDeduper(cfg.TTL, time.Now)
	}
	return &redisDeduper{client: client, keyPrefix: cfg.Prefix + ":webhook:update:", ttl: cfg.TTL}
}

type redisDeduper struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func (d *redisDeduper) key(updateID int64) string {
	return d.keyPrefix + strconv.FormatInt(updateID, 10)
}

func (d *redisDeduper) Claim(ctx context.Context, updateID int64) (bool, error) {
	return d.client.SetNX(ctx, d.key(updateID), time.Now().Unix(), d.ttl).Result()
}

func (d *redisDeduper) Release(ctx context.Context, updateID int64) error {
	return d.client.Del(ctx, d.key(updateID)).Err()
}

// memoryDeduper prunes expired claims once the map grows past pruneAt.
type memoryDeduper struct {
	mu      sync.Mutex
	claims  map[int64]time.Time
	ttl     time.Duration
	pruneAt int
	now     func() time.Time
}

const memoryPruneAt = 1024

func newMemoryDeduper(ttl time.Duration, now func() time.Time) *memoryDeduper {
	return &memoryDeduper{
		claims:  make(map[int64]time.Time),
		ttl:     ttl,
		pruneAt: memoryPruneAt,
		now:     now,
	}
}

func (d *memoryDeduper) Claim(_ context.Context, updateID int64) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.claims[updateID]; ok && now.Before(until) {
		return false, nil
	}
	if len(d.claims) >= d.pruneAt {
		d.pruneLocked(now)
	}
	d.claims[updateID] = now.Add(d.ttl)
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, updateID int64) error {
	d.mu.Lock()
	delete(d.claims, updateID)
	d.mu.Unlock()
	return nil
}

func (d *memoryDeduper) pruneLocked(now time.Time) {
	for id, until := range d.claims {
		if !now.Before(until) {
			delete(d.claims, id)
		}
	}
	// everything is live: let the map grow and try again later
	if len(d.claims) >= d.pruneAt {
		d.pruneAt = 2 * len(d.claims)
	}
}

// TelegramUpdateDedup claims each webhook update before it is handled and
// answers 200 to redeliveries of a claimed update. When the handler fails
// the claim is released, so Telegram's retry gets handled. A deduper error
// lets the update through.
func TelegramUpdateDedup(deduper UpdateDeduper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if deduper == nil {
				return next(c)
			}
			updateID := peekUpdateID(c.Request())
			if updateID == 0 {
				return next(c)
			}

			ctx := c.Request().Context()
			claimed, err := deduper.Claim(ctx, updateID)
			switch {
			case err != nil:
				metrics.WebhookUpdates.WithLabelValues("dedup_error").Inc()
				return next(c)
			case !claimed:
				metrics.WebhookUpdates.WithLabelValues("duplicate").Inc()
				return c.NoContent(http.StatusOK)
			}

			herr := next(c)
			if herr != nil || c.Response().Status >= http.StatusInternalServerError {
				metrics.WebhookUpdates.WithLabelValues("failed").Inc()
				_ = deduper.Release(context.WithoutCancel(ctx), updateID)
				return herr
			}
			metrics.WebhookUpdates.WithLabelValues("handled").Inc()
			return nil
		}
	}
}

// peekUpdateID reads update_id and puts the body back. Zero means the body
// is not an update.
func peekUpdateID(req *http.Request) int64 {
	if req.Body == nil {
		return 0
	}
	raw, err := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return 0
	}
	var payload struct {
		UpdateID int64 `json:"update_id"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return 0
	}
	return payload.UpdateID
}
