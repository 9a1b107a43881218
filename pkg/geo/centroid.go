package geo

import (
	"math"

	geojson "github.com/paulmach/go.geojson"
)

// Centroid returns the spherical centroid of g as [lon, lat] in degrees, or
// nil when g has no coordinates. Points are averaged as unit vectors; lines
// and polygon rings are weighted by arc length, which keeps shapes that
// cross the antimeridian centred correctly.
func Centroid(g *geojson.Geometry) []float64 {
	var acc centroidSum
	acc.geometry(g)
	return acc.result()
}

type centroidSum struct {
	x, y, z float64
	weight  float64
}

func (c *centroidSum) geometry(g *geojson.Geometry) {
	if g == nil {
		return
	}
	switch g.Type {
	case geojson.GeometryPoint:
		c.point(g.Point)
	case geojson.GeometryMultiPoint:
		for _, p := range g.MultiPoint {
			c.point(p)
		}
	case geojson.GeometryLineString:
		c.line(g.LineString)
	case geojson.GeometryMultiLineString:
		for _, l := range g.MultiLineString {
			c.line(l)
		}
	case geojson.GeometryPolygon:
		c.polygon(g.Polygon)
	case geojson.GeometryMultiPolygon:
		for _, poly := range g.MultiPolygon {
			c.polygon(poly)
		}
	case geojson.GeometryCollection:
		for _, child := range g.Geometries {
			c.geometry(child)
		}
	}
}

// polygon uses the exterior ring only.
func (c *centroidSum) polygon(rings [][][]float64) {
	if len(rings) > 0 {
		c.line(rings[0])
	}
}

func (c *centroidSum) point(p []float64) {
	if len(p) < 2 {
		return
	}
	x, y, z := cartesian(p)
	c.x += x
	c.y += y
	c.z += z
	c.weight++
}

func (c *centroidSum) line(coords [][]float64) {
	if len(coords) == 1 {
		c.point(coords[0])
		return
	}
	for i := 1; i < len(coords); i++ {
		a, b := coords[i-1], coords[i]
		if len(a) < 2 || len(b) < 2 {
			continue
		}
		x0, y0, z0 := cartesian(a)
		x1, y1, z1 := cartesian(b)
		// Great-circle length of the edge.
		w := math.Atan2(
			math.Sqrt(sq(y0*z1-z0*y1)+sq(z0*x1-x0*z1)+sq(x0*y1-y0*x1)),
			x0*x1+y0*y1+z0*z1,
		)
		c.x += w * (x0 + x1)
		c.y += w * (y0 + y1)
		c.z += w * (z0 + z1)
		c.weight += w
	}
}

func (c *centroidSum) result() []float64 {
	if c.weight == 0 {
		return nil
	}
	norm := math.Sqrt(c.x*c.x + c.y*c.y + c.z*c.z)
	if norm < 1e-12 {
		return nil
	}
	lon := math.Atan2(c.y, c.x) * 180 / math.Pi
	lat := math.Asin(math.Max(-1, math.Min(1, c.z/norm))) * 180 / math.Pi
	return []float64{lon, lat}
}

func cartesian(p []float64) (x, y, z float64) {
	lon := p[0] * math.Pi / 180
	lat := p[1] * math.Pi / 180
	cosLat := math.Cos(lat)
	return cosLat * math.Cos(lon), cosLat * math.Sin(lon), math.Sin(lat)
}

func sq(v float64) float64 { return v * v }
