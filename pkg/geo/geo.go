// Package geo provides the coordinate conversions used by waypoint missions
// and shadow map geo-registration. All functions are pure.
package geo

import "math"

// WGS84 reference ellipsoid
const (
	SemiMajorAxis = 6378137.0
	SemiMinorAxis = 6356752.314
	Eccentricity  = 0.081819190842621

	// EarthCircumference is the equatorial circumference in meters
	EarthCircumference = 40075017.0

	earthRadiusKm = 6371.0
)

// LatLon is a (latitude, longitude) pair in radians
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LLA is a WGS84 position: latitude and longitude in radians, altitude in meters
type LLA struct {
	Lat float64
	Lon float64
	Alt float64
}

// ECEF is an earth-centered, earth-fixed position in meters
type ECEF struct {
	X float64
	Y float64
	Z float64
}

// Sub returns the vector e - o
func (e ECEF) Sub(o ECEF) ECEF {
	return ECEF{X: e.X - o.X, Y: e.Y - o.Y, Z: e.Z - o.Z}
}

// Norm returns the euclidean length of e
func (e ECEF) Norm() float64 {
	return math.Sqrt(e.X*e.X + e.Y*e.Y + e.Z*e.Z)
}

// LLAToECEF converts a WGS84 position to ECEF
func LLAToECEF(p LLA) ECEF {
	eccSquared := Eccentricity * Eccentricity
	sinLat := math.Sin(p.Lat)
	n := SemiMajorAxis / math.Sqrt(1.0-eccSquared*sinLat*sinLat)

	return ECEF{
		X: (n + p.Alt) * math.Cos(p.Lat) * math.Cos(p.Lon),
		Y: (n + p.Alt) * math.Cos(p.Lat) * math.Sin(p.Lon),
		Z: (n*(1-eccSquared) + p.Alt) * sinLat,
	}
}

// ECEFToLLA converts an ECEF position back to WGS84 (closed form, Zhu's method)
func ECEFToLLA(p ECEF) LLA {
	r0 := SemiMajorAxis
	rp := SemiMinorAxis
	eccSquared := Eccentricity * Eccentricity
	ecc4 := eccSquared * eccSquared

	lon := math.Atan2(p.Y, p.X)

	rho := math.Sqrt(p.X*p.X + p.Y*p.Y)
	e := math.Sqrt(r0*r0 - rp*rp)
	f := 54.0 * (rp * p.Z) * (rp * p.Z)
	g := rho*rho + (1.0-eccSquared)*p.Z*p.Z - eccSquared*e*e
	c := ecc4 * f * rho * rho / (g * g * g)
	s := math.Cbrt(1.0 + c + math.Sqrt(c*c+2.0*c))
	k := s + 1.0/s + 1.0
	pp := (f / (3.0 * g * g)) / (k * k)
	q := math.Sqrt(1.0 + 2.0*ecc4*pp)
	k1 := -1.0 * pp * eccSquared * rho / (1.0 + q)
	k2 := 0.5 * r0 * r0 * (1.0 + 1.0/q)
	k3 := -1.0 * pp * (1.0 - eccSquared) * p.Z * p.Z / (q * (1.0 + q))
	k4 := -0.5 * pp * rho * rho
	rr := k1 + math.Sqrt(k2+k3+k4)
	k5 := rho - eccSquared*rr
	u := math.Sqrt(k5*k5 + p.Z*p.Z)
	v := math.Sqrt(k5*k5 + (1.0-eccSquared)*p.Z*p.Z)

	z0 := (rp * rp * p.Z) / (r0 * v)
	ep := (r0 / rp) * Eccentricity

	return LLA{
		Lat: math.Atan((p.Z + z0*ep*ep) / rho),
		Lon: lon,
		Alt: u * (1.0 - rp*rp/(r0*v)),
	}
}

// LatLonToNM converts latitude/longitude (radians) to normalized mercator
func LatLonToNM(ll LatLon) (x, y float64) {
	x = ll.Lon / math.Pi
	y = math.Log(math.Tan(ll.Lat/2.0+math.Pi/4.0)) / math.Pi
	return x, y
}

// NMToLatLon converts normalized mercator coordinates to latitude/longitude (radians)
func NMToLatLon(x, y float64) LatLon {
	return LatLon{
		Lat: 2.0 * (math.Atan(math.Exp(y*math.Pi)) - math.Pi/4.0),
		Lon: math.Pi * x,
	}
}

// MetersToNMUnits converts a distance at normalized mercator height yNM.
// Only valid over short distances.
func MetersToNMUnits(meters, yNM float64) float64 {
	lat := 2.0 * (math.Atan(math.Exp(yNM*math.Pi)) - math.Pi/4.0)
	return meters * 2.0 / (EarthCircumference * math.Cos(lat))
}

// GroundDistance returns the straight-line ECEF distance (m) between two
// points after projecting both onto the reference ellipsoid
func GroundDistance(a, b LatLon) float64 {
	pa := LLAToECEF(LLA{Lat: a.Lat, Lon: a.Lon})
	pb := LLAToECEF(LLA{Lat: b.Lat, Lon: b.Lon})
	return pb.Sub(pa).Norm()
}

// Offset moves a point by north/east meters using a local spherical approximation
func Offset(origin LatLon, north, east float64) LatLon {
	eccSquared := Eccentricity * Eccentricity
	sinLat := math.Sin(origin.Lat)
	denom := 1.0 - eccSquared*sinLat*sinLat
	// meridian and prime vertical radii of curvature
	m := SemiMajorAxis * (1.0 - eccSquared) / math.Pow(denom, 1.5)
	n := SemiMajorAxis / math.Sqrt(denom)

	return LatLon{
		Lat: origin.Lat + north/m,
		Lon: origin.Lon + east/(n*math.Cos(origin.Lat)),
	}
}

// HaversineKm returns the great-circle distance in kilometers between two
// points given in degrees
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Deg converts radians to degrees
func Deg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// Rad converts degrees to radians
func Rad(deg float64) float64 {
	return deg * math.Pi / 180.0
}
