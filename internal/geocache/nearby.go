package geocache

import (
	"context"
	"math"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// Nearby returns at most limit live positions within radiusKm of
// (lat, lon), nearest first, ties kept in discovery order. When the cache
// errors or holds nothing for the area, the durable store answers with
// the same freshness window, radius, ordering and limit. Failures on both
// paths yield an empty result. Radii above MaxRadiusKm are clamped.
func (c *Cache) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition {
	if limit <= 0 || math.IsNaN(radiusKm) || radiusKm <= 0 {
		return nil
	}
	if radiusKm > c.cfg.MaxRadiusKm {
		radiusKm = c.cfg.MaxRadiusKm
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		c.logger.Warn("rejected nearby query", "error", err)
		return nil
	}

	found, err := c.nearbyFromCache(ctx, lat, lon, radiusKm, limit)
	if err != nil {
		c.logger.Error("cache nearby query failed, falling back to durable store",
			"operation", "nearby",
			"lat", lat,
			"lon", lon,
			"radius_km", radiusKm,
			"error", err,
		)
	} else if len(found) > 0 {
		c.metrics.GeoQuery("cache")
		return found
	}

	return c.nearbyFromStore(ctx, lat, lon, radiusKm, limit)
}

func (c *Cache) nearbyFromCache(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]events.ProviderPosition, error) {
	cells := Covering(lat, lon, radiusKm, c.cfg.CellLevel, c.cfg.CoarsestLevel, c.cfg.MaxCells)
	cutoff := freshnessCutoff(clock.Now(), c.cfg.PositionTTL)

	// Each cell writes only its own slot so the merge below sees cells in
	// covering order no matter which fetch finishes first.
	perCell := make([][]events.ProviderPosition, len(cells))
	p := pool.New().WithMaxGoroutines(c.cfg.FetchConcurrency).WithContext(ctx).WithCancelOnError()
	for i, cell := range cells {
		token := cell.ToToken()
		p.Go(func(ctx context.Context) error {
			positions, err := c.fetchCell(ctx, token, cutoff)
			if err != nil {
				return err
			}
			perCell[i] = positions
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var candidates []events.ProviderPosition
	for _, positions := range perCell {
		if len(candidates) >= limit {
			break
		}
		for _, pos := range positions {
			if _, dup := seen[pos.ProviderID]; dup {
				continue
			}
			seen[pos.ProviderID] = struct{}{}

			d := Haversine(lat, lon, pos.Latitude, pos.Longitude)
			if d > radiusKm {
				continue
			}
			pos.DistanceKm = d
			candidates = append(candidates, pos)
		}
	}

	return sortAndLimit(candidates, limit), nil
}

func (c *Cache) nearbyFromStore(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition {
	if c.store == nil {
		c.metrics.GeoQuery("empty")
		return nil
	}

	since := clock.Now().Add(-c.cfg.PositionTTL)
	positions, err := c.store.FindNearby(ctx, lat, lon, radiusKm, since, limit)
	if err != nil {
		c.logger.Error("durable nearby query failed",
			"operation", "nearby_fallback",
			"lat", lat,
			"lon", lon,
			"radius_km", radiusKm,
			"error", err,
		)
		c.metrics.GeoQuery("error")
		return nil
	}

	candidates := make([]events.ProviderPosition, 0, len(positions))
	for _, pos := range positions {
		if pos.ObservedTime().Before(since) {
			continue
		}
		d := Haversine(lat, lon, pos.Latitude, pos.Longitude)
		if d > radiusKm {
			continue
		}
		pos.DistanceKm = d
		candidates = append(candidates, pos)
	}

	c.metrics.GeoQuery("durable")
	return sortAndLimit(candidates, limit)
}

func sortAndLimit(positions []events.ProviderPosition, limit int) []events.ProviderPosition {
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].DistanceKm < positions[j].DistanceKm
	})
	if len(positions) > limit {
		positions = positions[:limit]
	}
	return positions
}
