package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKm_SamePointIsZero(t *testing.T) {
	a := NewLocation(51.5074, -0.1278)
	assert.InDelta(t, 0, a.DistanceKm(a), 0.0001)
}

func TestDistanceKm_KnownCities(t *testing.T) {
	london := NewLocation(51.5074, -0.1278)
	paris := NewLocation(48.8566, 2.3522)
	// London-Paris great-circle distance is ~344km.
	assert.InDelta(t, 344, london.DistanceKm(paris), 5)
}
