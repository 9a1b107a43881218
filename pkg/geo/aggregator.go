// Package geo projects the hot-country leaderboard onto the world topology
// as a decaying heat map.
package geo

import (
	"image/color"
	"math"
	"sort"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

// Defaults
const (
	DefaultScaleFactor  = 50.0
	DefaultDecayHorizon = 24 * time.Hour
	DefaultMaxIntensity = 5.0
)

// minHorizonMinutes keeps ln(horizon) positive.
const minHorizonMinutes = 2.0

// HeatCountry is one leaderboard entry joined with its geometry.
type HeatCountry struct {
	ISOCode   string            `json:"isoCode"`
	Numeric   string            `json:"numeric"`
	Name      string            `json:"name,omitempty"`
	Count     int64             `json:"count"`
	LastSeen  time.Time         `json:"lastSeen"`
	Share     float64           `json:"share"`
	Intensity float64           `json:"intensity"`
	Shade     float64           `json:"shade"`
	Color     string            `json:"color"`
	Centroid  []float64         `json:"centroid,omitempty"`
	Geometry  *geojson.Geometry `json:"-"`
}

// Projection is the heat map derived from one snapshot at one instant.
// It is never written back into the snapshot.
type Projection struct {
	At        time.Time     `json:"at"`
	Total     int64         `json:"total"`
	Ranked    []HeatCountry `json:"ranked"`
	Focus     *HeatCountry  `json:"focus,omitempty"`
	Unmatched []string      `json:"unmatched,omitempty"`
}

// Aggregator turns leaderboard counts into per-country intensities.
// Zero fields take the package defaults.
type Aggregator struct {
	ScaleFactor  float64
	DecayHorizon time.Duration
	BaseColor    color.RGBA
	MaxIntensity float64
}

// NewAggregator returns an aggregator with the default tuning.
func NewAggregator() *Aggregator {
	return &Aggregator{
		ScaleFactor:  DefaultScaleFactor,
		DecayHorizon: DefaultDecayHorizon,
		BaseColor:    DefaultBaseColor,
		MaxIntensity: DefaultMaxIntensity,
	}
}

func (a *Aggregator) scale() float64 {
	if a.ScaleFactor <= 0 {
		return DefaultScaleFactor
	}
	return a.ScaleFactor
}

func (a *Aggregator) horizonMinutes() float64 {
	h := a.DecayHorizon
	if h <= 0 {
		h = DefaultDecayHorizon
	}
	return math.Max(h.Minutes(), minHorizonMinutes)
}

func (a *Aggregator) maxIntensity() float64 {
	if a.MaxIntensity <= 0 {
		return DefaultMaxIntensity
	}
	return a.MaxIntensity
}

func (a *Aggregator) baseColor() color.RGBA {
	if a.BaseColor == (color.RGBA{}) {
		return DefaultBaseColor
	}
	return a.BaseColor
}

// Intensity scores one country. A fresh country scores scale*share; the
// score fades logarithmically with the minutes since lastSeen and reaches
// zero at the decay horizon. A lastSeen in the future counts as one minute.
// The result is clamped to [0, MaxIntensity].
func (a *Aggregator) Intensity(count, total int64, lastSeen, now time.Time) float64 {
	if total <= 0 || count <= 0 {
		return 0
	}

	minutes := math.Floor(now.Sub(lastSeen).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	share := float64(count) / float64(total)
	peak := a.scale() * share
	fade := math.Log(minutes) * peak
	v := peak - fade/math.Log(a.horizonMinutes())

	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return math.Min(v, a.maxIntensity())
}

// Shade is the unclamped lighten amount ln(1+m)*scale*share, where m is the
// whole minutes since lastSeen. A renderer that lightens a dark base color by
// it reproduces the classic attack map shading, which brightens with age.
func (a *Aggregator) Shade(count, total int64, lastSeen, now time.Time) float64 {
	if total <= 0 || count <= 0 {
		return 0
	}
	minutes := math.Max(0, math.Floor(now.Sub(lastSeen).Minutes()))
	share := float64(count) / float64(total)
	return math.Log1p(minutes) * a.scale() * share
}

// Color returns the fill for an intensity.
func (a *Aggregator) Color(intensity float64) color.RGBA {
	return Lighten(a.baseColor(), intensity)
}

// Project joins the snapshot leaderboard with its topology. Countries the
// topology does not know are listed in Unmatched and otherwise ignored.
// Without a topology the projection is empty.
func (a *Aggregator) Project(s state.Snapshot, now time.Time) Projection {
	now = now.UTC()
	stats := s.HotCountryList()

	p := Projection{At: now}
	for _, st := range stats {
		p.Total += st.Count
	}

	topo := s.Topology()
	if topo == nil {
		for _, st := range stats {
			p.Unmatched = append(p.Unmatched, st.ISOCode)
		}
		return p
	}

	p.Ranked = make([]HeatCountry, 0, len(stats))
	for _, st := range stats {
		country, ok := topo.Lookup(st.ISOCode)
		if !ok {
			p.Unmatched = append(p.Unmatched, st.ISOCode)
			continue
		}
		p.Ranked = append(p.Ranked, a.heat(st, country.Numeric, country.Name, country.Geometry, p.Total, now))
	}

	sort.SliceStable(p.Ranked, func(i, j int) bool {
		if p.Ranked[i].Count != p.Ranked[j].Count {
			return p.Ranked[i].Count > p.Ranked[j].Count
		}
		return p.Ranked[i].ISOCode < p.Ranked[j].ISOCode
	})

	p.Focus = Focus(p.Ranked)
	return p
}

func (a *Aggregator) heat(st models.CountryStat, numeric, name string, geom *geojson.Geometry, total int64, now time.Time) HeatCountry {
	intensity := a.Intensity(st.Count, total, st.LastSeen.Time, now)
	h := HeatCountry{
		ISOCode:   st.ISOCode,
		Numeric:   numeric,
		Name:      name,
		Count:     st.Count,
		LastSeen:  st.LastSeen.Time,
		Intensity: intensity,
		Shade:     a.Shade(st.Count, total, st.LastSeen.Time, now),
		Color:     Hex(a.Color(intensity)),
		Centroid:  Centroid(geom),
		Geometry:  geom,
	}
	if total > 0 {
		h.Share = float64(st.Count) / float64(total)
	}
	return h
}

// Focus returns the most recently active country, or nil for an empty list.
// Ties on LastSeen go to the greater ISO code. Its Centroid is where a globe
// view should rotate to.
func Focus(countries []HeatCountry) *HeatCountry {
	if len(countries) == 0 {
		return nil
	}
	byRecency := make([]HeatCountry, len(countries))
	copy(byRecency, countries)
	sort.SliceStable(byRecency, func(i, j int) bool {
		if !byRecency[i].LastSeen.Equal(byRecency[j].LastSeen) {
			return byRecency[i].LastSeen.Before(byRecency[j].LastSeen)
		}
		return byRecency[i].ISOCode < byRecency[j].ISOCode
	})
	last := byRecency[len(byRecency)-1]
	return &last
}

// Lookup returns the ranked entry for iso.
func (p Projection) Lookup(iso string) (HeatCountry, bool) {
	for _, h := range p.Ranked {
		if h.ISOCode == iso {
			return h, true
		}
	}
	return HeatCountry{}, false
}

// FeatureCollection renders the ranked countries as GeoJSON features with
// their heat as properties.
func FeatureCollection(p Projection) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, h := range p.Ranked {
		if h.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(h.Geometry)
		f.ID = h.Numeric
		f.SetProperty("iso", h.ISOCode)
		f.SetProperty("name", h.Name)
		f.SetProperty("count", h.Count)
		f.SetProperty("intensity", h.Intensity)
		f.SetProperty("shade", h.Shade)
		if h.Centroid != nil {
			f.SetProperty("centroid", h.Centroid)
		}
		f.SetProperty("color", h.Color)
		if !h.LastSeen.IsZero() {
			f.SetProperty("lastSeen", h.LastSeen.Format(time.RFC3339))
		}
		fc.AddFeature(f)
	}
	return fc
}
