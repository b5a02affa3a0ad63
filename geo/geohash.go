package geo

import (
	"github.com/mmcloughlin/geohash"

	"checkpoint-tracking/models"
)

// Geohash encodes a coordinate with the given number of characters.
func Geohash(c models.Coordinate, precision uint) string {
	return geohash.EncodeWithPrecision(c.Latitude, c.Longitude, precision)
}

// Neighbors returns the eight cells around hash.
func Neighbors(hash string) []string {
	return geohash.Neighbors(hash)
}

// CellCenter decodes hash to the center of its cell.
func CellCenter(hash string) models.Coordinate {
	lat, lng := geohash.DecodeCenter(hash)
	return models.Coordinate{Latitude: lat, Longitude: lng}
}
