// Package topology holds the static world geometry and country code indexes
// used to place attack counts on a map.
package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	geojson "github.com/paulmach/go.geojson"
)

var (
	// ErrEmptyTopology is returned when no world feature matches the name table.
	ErrEmptyTopology = errors.New("topology: no country feature matched the name table")
	// ErrEmptyNameTable is returned when a name table source has no usable rows.
	ErrEmptyNameTable = errors.New("topology: empty country name table")
	// ErrNoWorld is returned when Build is called without world geometry.
	ErrNoWorld = errors.New("topology: missing world geometry")
)

// Country is a world feature resolved to its ISO codes.
type Country struct {
	Numeric  string
	Alpha2   string
	Alpha3   string
	Name     string
	Geometry *geojson.Geometry
}

// Topology is the read-only result of Build. It is shared by reference and
// must not be modified.
type Topology struct {
	world     *geojson.FeatureCollection
	countries []*Country
	byAlpha2  map[string]*Country
	byAlpha3  map[string]*Country
	byNumeric map[string]*Country
	numToA2   map[string]string
	a2ToNum   map[string]string
}

// LoadWorldFile reads a GeoJSON FeatureCollection from disk.
func LoadWorldFile(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := ParseWorld(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

// ParseWorld decodes a GeoJSON FeatureCollection.
func ParseWorld(data []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode world geometry: %w", err)
	}
	return fc, nil
}

// Build cross-references every world feature with the name table. Features
// whose numeric id has no alpha-2 code are dropped. The result is ordered by
// alpha-2 code, so the same inputs always give the same topology.
func Build(world *geojson.FeatureCollection, names NameTable) (*Topology, error) {
	if world == nil {
		return nil, ErrNoWorld
	}
	if len(names) == 0 {
		return nil, ErrEmptyNameTable
	}

	t := &Topology{
		world:     world,
		byAlpha2:  make(map[string]*Country),
		byAlpha3:  make(map[string]*Country),
		byNumeric: make(map[string]*Country),
		numToA2:   make(map[string]string, len(names)),
		a2ToNum:   make(map[string]string, len(names)),
	}

	rows := make(map[string]CountryName, len(names))
	for _, row := range names {
		numeric, ok := CanonicalNumeric(row.Numeric)
		if !ok {
			continue
		}
		row.Numeric = numeric
		rows[numeric] = row
		t.numToA2[numeric] = row.Alpha2
		t.a2ToNum[row.Alpha2] = numeric
	}

	for _, f := range world.Features {
		if f == nil {
			continue
		}
		numeric, ok := featureNumeric(f)
		if !ok {
			continue
		}
		row, ok := rows[numeric]
		if !ok {
			continue
		}
		if _, dup := t.byAlpha2[row.Alpha2]; dup {
			continue
		}

		name := row.Name
		if name == "" {
			name = f.PropertyMustString("name", "")
		}
		c := &Country{
			Numeric:  numeric,
			Alpha2:   row.Alpha2,
			Alpha3:   row.Alpha3,
			Name:     name,
			Geometry: f.Geometry,
		}
		t.countries = append(t.countries, c)
		t.byAlpha2[c.Alpha2] = c
		t.byNumeric[numeric] = c
		if c.Alpha3 != "" {
			t.byAlpha3[c.Alpha3] = c
		}
	}

	if len(t.countries) == 0 {
		return nil, ErrEmptyTopology
	}

	sort.Slice(t.countries, func(i, j int) bool {
		return t.countries[i].Alpha2 < t.countries[j].Alpha2
	})

	return t, nil
}

// featureNumeric reads a feature's numeric country code from its id or
// from the id / iso_n3 properties.
func featureNumeric(f *geojson.Feature) (string, bool) {
	if s, ok := numericValue(f.ID); ok {
		return s, true
	}
	for _, key := range []string{"id", "iso_n3", "ISO_N3"} {
		if v, ok := f.Properties[key]; ok {
			if s, ok := numericValue(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

func numericValue(v interface{}) (string, bool) {
	switch id := v.(type) {
	case string:
		return CanonicalNumeric(id)
	case float64:
		if id < 0 || id != float64(int64(id)) {
			return "", false
		}
		return strconv.FormatInt(int64(id), 10), true
	case int:
		return CanonicalNumeric(strconv.Itoa(id))
	default:
		return "", false
	}
}

// Lookup returns the country for an alpha-2 code.
func (t *Topology) Lookup(alpha2 string) (*Country, bool) {
	if t == nil {
		return nil, false
	}
	c, ok := t.byAlpha2[alpha2]
	return c, ok
}

// LookupAlpha3 returns the country for an alpha-3 code.
func (t *Topology) LookupAlpha3(alpha3 string) (*Country, bool) {
	if t == nil {
		return nil, false
	}
	c, ok := t.byAlpha3[alpha3]
	return c, ok
}

// LookupNumeric returns the country for a numeric code ("4" or "004").
func (t *Topology) LookupNumeric(numeric string) (*Country, bool) {
	if t == nil {
		return nil, false
	}
	n, ok := CanonicalNumeric(numeric)
	if !ok {
		return nil, false
	}
	c, ok := t.byNumeric[n]
	return c, ok
}

// AlphaFor maps a numeric code to its alpha-2 code using the full name table,
// including codes that have no geometry.
func (t *Topology) AlphaFor(numeric string) (string, bool) {
	if t == nil {
		return "", false
	}
	n, ok := CanonicalNumeric(numeric)
	if !ok {
		return "", false
	}
	a, ok := t.numToA2[n]
	return a, ok
}

// NumericFor maps an alpha-2 code to its numeric code.
func (t *Topology) NumericFor(alpha2 string) (string, bool) {
	if t == nil {
		return "", false
	}
	n, ok := t.a2ToNum[alpha2]
	return n, ok
}

// Countries returns the matched countries ordered by alpha-2 code.
func (t *Topology) Countries() []*Country {
	if t == nil {
		return nil
	}
	out := make([]*Country, len(t.countries))
	copy(out, t.countries)
	return out
}

// World returns the source geometry.
func (t *Topology) World() *geojson.FeatureCollection {
	if t == nil {
		return nil
	}
	return t.world
}

// Len returns the number of matched countries.
func (t *Topology) Len() int {
	if t == nil {
		return 0
	}
	return len(t.countries)
}
