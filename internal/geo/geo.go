// Package geo holds the pure spatial helpers used to decide which fixes
// become tracking points.
package geo

import (
	"math"

	"fieldtrack/internal/models"
)

const earthRadiusMeters = 6371000.0

const (
	// MaxAccuracyMeters fixes less precise than this are dropped.
	MaxAccuracyMeters = 100.0
	// StationarySpeed below this speed a fix may be considered noise.
	StationarySpeed = 0.5
	// StationaryDistance minimum displacement for a slow fix to count.
	StationaryDistance = 20.0
)

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	if a > 1 {
		a = 1
	}
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance is DistanceMeters over two fixes.
func Distance(a, b models.Fix) float64 {
	return DistanceMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Round6 rounds a coordinate to 6 decimal places (about 11 cm).
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Normalize returns the fix with rounded coordinates.
func Normalize(fix models.Fix) models.Fix {
	fix.Latitude = Round6(fix.Latitude)
	fix.Longitude = Round6(fix.Longitude)
	return fix
}

// ValidCoordinates reports whether lat/lng are inside their ranges.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// AcceptSample decides whether candidate should be stored given the last
// accepted fix of the session (nil when none has been accepted yet).
func AcceptSample(candidate models.Fix, lastAccepted *models.Fix) bool {
	if candidate.Accuracy != nil && *candidate.Accuracy > MaxAccuracyMeters {
		return false
	}
	if lastAccepted == nil {
		return true
	}
	d := Distance(*lastAccepted, candidate)
	if candidate.Speed < StationarySpeed && d < StationaryDistance {
		return false
	}
	return true
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
