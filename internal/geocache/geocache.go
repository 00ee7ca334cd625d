// Package geocache tracks volatile provider positions in Redis and answers
// proximity queries over an S2 grid-cell reverse index.
//
// Keys:
//
//	geo:position:<providerId>  JSON ProviderPosition, expires after PositionTTL
//	geo:cell:<token>           sorted set of providerIds scored by write
//	                           time in ms, expires after CellTTL
//
// Coarse cells are refreshed by every provider inside them, so their keys
// may never expire. Members older than PositionTTL are trimmed on write
// and ignored on read.
//
// A position write and its index updates are pipelined but not
// transactional, so a reader may briefly see one without the other.
package geocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

const (
	positionKeyPrefix = "geo:position:"
	cellKeyPrefix     = "geo:cell:"
)

// ErrInvalidProvider is returned for an empty provider id.
var ErrInvalidProvider = errors.New("invalid provider id")

// Config holds tuning for the cache.
type Config struct {
	CellLevel        int
	CoarsestLevel    int
	MaxCells         int
	PositionTTL      time.Duration
	CellTTL          time.Duration
	FetchConcurrency int
	AnnounceTimeout  time.Duration

	// MaxRadiusKm clamps proximity queries. Coverings of larger discs
	// cost more than they return.
	MaxRadiusKm float64
}

// DefaultConfig returns level-14 leaf cells indexed up to level 8, a
// 20-cell covering bound, 30s/15s TTLs and a 500km query radius.
func DefaultConfig() Config {
	return Config{
		CellLevel:        14,
		CoarsestLevel:    8,
		MaxCells:         20,
		PositionTTL:      30 * time.Second,
		CellTTL:          15 * time.Second,
		FetchConcurrency: 8,
		AnnounceTimeout:  5 * time.Second,
		MaxRadiusKm:      500,
	}
}

// Cache is the geospatial proximity index.
type Cache struct {
	rdb       redis.Cmdable
	store     DurableStore
	announcer Announcer
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	inflight sync.WaitGroup
}

// New creates a Cache. store and announcer may be nil.
func New(rdb redis.Cmdable, store DurableStore, announcer Announcer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Cache {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}
	if cfg.CoarsestLevel <= 0 || cfg.CoarsestLevel > cfg.CellLevel {
		cfg.CoarsestLevel = cfg.CellLevel
	}
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = DefaultConfig().MaxRadiusKm
	}
	return &Cache{
		rdb:       rdb,
		store:     store,
		announcer: announcer,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "geocache"),
	}
}

// RecordPosition has two effects. The cache mutation is awaited and
// decides the return value. The broadcast through the Announcer runs in
// the background whatever the write outcome, and its result is ignored.
// Invalid input is rejected before either effect.
func (c *Cache) RecordPosition(ctx context.Context, providerID string, lat, lon float64, observedAt time.Time) bool {
	if err := c.validate(providerID, lat, lon); err != nil {
		c.logger.Warn("rejected position", "provider_id", providerID, "error", err)
		return false
	}

	pos := events.ProviderPosition{
		ProviderID: providerID,
		Latitude:   lat,
		Longitude:  lon,
		CellToken:  CellToken(lat, lon, c.cfg.CellLevel),
		ObservedAt: observedAt.UnixMilli(),
	}

	ok := c.write(ctx, pos)
	c.announce(pos)
	return ok
}

func (c *Cache) validate(providerID string, lat, lon float64) error {
	if strings.TrimSpace(providerID) == "" {
		return ErrInvalidProvider
	}
	return ValidateCoordinates(lat, lon)
}

func (c *Cache) write(ctx context.Context, pos events.ProviderPosition) bool {
	body, err := json.Marshal(pos)
	if err != nil {
		c.logger.Error("failed to encode position", "provider_id", pos.ProviderID, "error", err)
		return false
	}

	now := clock.Now()
	stale := "(" + strconv.FormatInt(freshnessCutoff(now, c.cfg.PositionTTL), 10)

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, positionKey(pos.ProviderID), body, c.cfg.PositionTTL)
	for _, token := range indexTokens(pos.Latitude, pos.Longitude, c.cfg.CellLevel, c.cfg.CoarsestLevel) {
		key := cellKey(token)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: pos.ProviderID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", stale)
		pipe.Expire(ctx, key, c.cfg.CellTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("failed to record position",
			"operation", "record",
			"provider_id", pos.ProviderID,
			"cell", pos.CellToken,
			"error", err,
		)
		return false
	}

	c.logger.Debug("position recorded", "provider_id", pos.ProviderID, "cell", pos.CellToken)
	return true
}

func (c *Cache) announce(pos events.ProviderPosition) {
	if c.announcer == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AnnounceTimeout)
		defer cancel()
		if !c.announcer.Announce(ctx, pos) {
			c.logger.Warn("position announcement not delivered", "provider_id", pos.ProviderID)
		}
	}()
}

// Wait blocks until background announcements have finished.
func (c *Cache) Wait() {
	c.inflight.Wait()
}

// Track returns a provider's live position. Absent, expired and
// unreadable entries all report false.
func (c *Cache) Track(ctx context.Context, providerID string) (events.ProviderPosition, bool) {
	if strings.TrimSpace(providerID) == "" {
		return events.ProviderPosition{}, false
	}

	body, err := c.rdb.Get(ctx, positionKey(providerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return events.ProviderPosition{}, false
	}
	if err != nil {
		c.logger.Error("failed to read position", "operation", "track", "provider_id", providerID, "error", err)
		return events.ProviderPosition{}, false
	}

	var pos events.ProviderPosition
	if err := json.Unmarshal(body, &pos); err != nil {
		c.logger.Error("failed to decode position", "operation", "track", "provider_id", providerID, "error", err)
		return events.ProviderPosition{}, false
	}
	return pos, true
}

// fetchCell reads one cell's members written within PositionTTL and their
// live positions. Members whose position has already expired are skipped.
func (c *Cache) fetchCell(ctx context.Context, token string, cutoff int64) ([]events.ProviderPosition, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, cellKey(token), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cell %s: %w", token, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = positionKey(id)
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read positions for cell %s: %w", token, err)
	}

	positions := make([]events.ProviderPosition, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var pos events.ProviderPosition
		if err := json.Unmarshal([]byte(s), &pos); err != nil {
			c.logger.Warn("skipping undecodable position", "provider_id", ids[i], "error", err)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// freshnessCutoff returns the write time, in ms, at or before which an
// index entry has outlived its position.
func freshnessCutoff(now time.Time, ttl time.Duration) int64 {
	return now.Add(-ttl).UnixMilli()
}

func positionKey(providerID string) string { return positionKeyPrefix + providerID }

func cellKey(token string) string { return cellKeyPrefix + token }
