package geocache

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean Earth radius used for every distance.
const EarthRadiusKm = 6371.0

// ErrInvalidCoordinates is returned for NaN, infinite or out-of-range input.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// ValidateCoordinates accepts lat in [-90, 90] and lon in [-180, 180].
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: non-numeric value", ErrInvalidCoordinates)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, lon)
	}
	return nil
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// CellID returns the grid cell containing (lat, lon) at level.
func CellID(lat, lon float64, level int) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon)).Parent(level)
}

// CellToken returns the token of the grid cell containing (lat, lon).
func CellToken(lat, lon float64, level int) string {
	return CellID(lat, lon, level).ToToken()
}

// indexTokens lists the tokens a position is indexed under, finest first.
func indexTokens(lat, lon float64, finest, coarsest int) []string {
	leaf := CellID(lat, lon, finest)
	tokens := make([]string, 0, finest-coarsest+1)
	for level := finest; level >= coarsest; level-- {
		tokens = append(tokens, leaf.Parent(level).ToToken())
	}
	return tokens
}

// Covering returns at most maxCells cells between the coarsest and finest
// levels covering the disc of radiusKm around (lat, lon), nearest first.
// A non-finite or non-positive radius has no covering.
func Covering(lat, lon, radiusKm float64, finest, coarsest, maxCells int) []s2.CellID {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 {
		return nil
	}
	center := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	disc := s2.CapFromCenterAngle(center, s1.Angle(radiusKm/EarthRadiusKm))

	coverer := &s2.RegionCoverer{
		MinLevel: coarsest,
		MaxLevel: finest,
		LevelMod: 1,
		MaxCells: maxCells,
	}
	cells := []s2.CellID(coverer.Covering(disc))

	sort.SliceStable(cells, func(i, j int) bool {
		return cellDistance(cells[i], lat, lon) < cellDistance(cells[j], lat, lon)
	})

	// The coverer overshoots MaxCells when MinLevel forbids merging.
	if maxCells > 0 && len(cells) > maxCells {
		cells = cells[:maxCells]
	}
	return cells
}

func cellDistance(id s2.CellID, lat, lon float64) float64 {
	ll := id.LatLng()
	return Haversine(lat, lon, ll.Lat.Degrees(), ll.Lng.Degrees())
}
