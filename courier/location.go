package main

import (
	"fmt"
	"math"
)

// earthRadiusKm is used only for ranking candidates — distance is never
// persisted.
const earthRadiusKm = 6371.0

// Location is a GPS coordinate pair. The zero value means "no fix yet":
// HasFix distinguishes it from (0,0), a valid point in the Gulf of Guinea.
type Location struct {
	Latitude  float64
	Longitude float64
	HasFix    bool
}

func NewLocation(lat, lon float64) Location {
	return Location{Latitude: lat, Longitude: lon, HasFix: true}
}

// DistanceKm computes the great-circle distance between two fixes.
func (l Location) DistanceKm(other Location) float64 {
	lat1 := l.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	deltaLat := (other.Latitude - l.Latitude) * math.Pi / 180
	deltaLon := (other.Longitude - l.Longitude) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func (l Location) String() string {
	if !l.HasFix {
		return "(no fix)"
	}
	return fmt.Sprintf("(%.6f, %.6f)", l.Latitude, l.Longitude)
}
