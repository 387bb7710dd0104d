// Package region defines the fixed deployment region set and
// nearest-centroid selection for target assignment.
package region

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Region codes. The set is finite and fixed; Canonical is the default
// assignment when a target's geolocation is unknown and the region that
// additionally picks up unassigned targets.
const (
	USCentral1          = "us-central1"
	EuropeWest1         = "europe-west1"
	AsiaSoutheast1      = "asia-southeast1"
	SouthamericaEast1   = "southamerica-east1"
	AustraliaSoutheast1 = "australia-southeast1"
	Canonical           = USCentral1
)

// Centroid is the reference point for a region.
type Centroid struct {
	Code string  `yaml:"code"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// defaultCentroids approximate the deployment localities.
var defaultCentroids = []Centroid{
	{Code: USCentral1, Lat: 41.26, Lon: -95.86},
	{Code: EuropeWest1, Lat: 50.45, Lon: 3.82},
	{Code: AsiaSoutheast1, Lat: 1.35, Lon: 103.82},
	{Code: SouthamericaEast1, Lat: -23.55, Lon: -46.63},
	{Code: AustraliaSoutheast1, Lat: -33.87, Lon: 151.21},
}

// Set holds the active region centroids.
type Set struct {
	centroids []Centroid
}

// DefaultSet returns the built-in region set.
func DefaultSet() *Set {
	return &Set{centroids: defaultCentroids}
}

// LoadSet reads centroid overrides from a YAML file. A missing path
// falls back to the defaults; a present but invalid file is an error.
func LoadSet(path string) (*Set, error) {
	if path == "" {
		return DefaultSet(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSet(), nil
		}
		return nil, fmt.Errorf("region: read %s: %w", path, err)
	}
	var centroids []Centroid
	if err := yaml.Unmarshal(data, &centroids); err != nil {
		return nil, fmt.Errorf("region: parse %s: %w", path, err)
	}
	if len(centroids) == 0 {
		return nil, fmt.Errorf("region: %s defines no centroids", path)
	}
	for _, c := range centroids {
		if !IsValid(c.Code) {
			return nil, fmt.Errorf("region: %s: unknown region code %q", path, c.Code)
		}
	}
	return &Set{centroids: centroids}, nil
}

// IsValid reports whether code names a known region.
func IsValid(code string) bool {
	switch code {
	case USCentral1, EuropeWest1, AsiaSoutheast1, SouthamericaEast1, AustraliaSoutheast1:
		return true
	}
	return false
}

// All returns every known region code.
func All() []string {
	return []string{USCentral1, EuropeWest1, AsiaSoutheast1, SouthamericaEast1, AustraliaSoutheast1}
}

// Nearest returns the region whose centroid is closest (haversine) to
// the given coordinates. Unknown geo (0, 0 is treated as unknown)
// returns the canonical region.
func (s *Set) Nearest(lat, lon float64) string {
	if lat == 0 && lon == 0 {
		return Canonical
	}
	best := Canonical
	bestDist := math.MaxFloat64
	for _, c := range s.centroids {
		d := haversineKm(lat, lon, c.Lat, c.Lon)
		if d < bestDist {
			bestDist = d
			best = c.Code
		}
	}
	return best
}

const earthRadiusKm = 6371.0

// haversineKm computes the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
