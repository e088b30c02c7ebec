package allocation

import (
	"math"

	"github.com/tutorfleet/tutorfleet/pkg/store"
)

const earthRadiusKm = 6371.0

// distanceKm returns the great-circle distance between two coordinates.
func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// radiusForZone returns the allocation radius for a student's home zone.
// Denser zones get a tighter radius.
func radiusForZone(zone string) float64 {
	switch zone {
	case store.ZoneUrban:
		return 3
	case store.ZoneMedium:
		return 4
	case store.ZonePeriphery:
		return 5
	default:
		return 3
	}
}
