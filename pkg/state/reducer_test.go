package state

import (
	"bytes"
	"fmt"
	"reflect"
	"testing"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/topology"
)

const testWorld = `{"type":"FeatureCollection","features":[
	{"type":"Feature","id":"528","properties":{},"geometry":{"type":"Point","coordinates":[5.0,52.0]}},
	{"type":"Feature","id":"276","properties":{},"geometry":{"type":"Point","coordinates":[10.0,51.0]}},
	{"type":"Feature","id":"999","properties":{},"geometry":{"type":"Point","coordinates":[0.0,0.0]}}
]}`

var testNames = topology.NameTable{
	{Numeric: "528", Alpha2: "NL", Alpha3: "NLD"},
	{Numeric: "276", Alpha2: "DE", Alpha3: "DEU"},
}

func testWorldCollection(t *testing.T) *geojson.FeatureCollection {
	t.Helper()
	fc, err := topology.ParseWorld([]byte(testWorld))
	if err != nil {
		t.Fatalf("ParseWorld() error = %v", err)
	}
	return fc
}

func sshEvent(ip string) models.Event {
	return models.Event{SourceIP: ip, Category: "ssh"}
}

func TestReduce_ConnectionStatus(t *testing.T) {
	s := New(0)

	s = Reduce(s, Connecting{})
	if s.Connection().Status != models.Connecting {
		t.Errorf("Expected connecting, got %v", s.Connection().Status)
	}

	s = Reduce(s, ConnectionStatus{Connected: true})
	if s.Connection().Status != models.Connected {
		t.Errorf("Expected connected, got %v", s.Connection().Status)
	}

	s = Reduce(s, ConnectionStatus{Connected: false, Code: 1006, Reason: "Abnormal closure"})
	conn := s.Connection()
	if conn.Status != models.Disconnected {
		t.Errorf("Expected disconnected, got %v", conn.Status)
	}
	if conn.Code != 1006 || conn.Reason != "Abnormal closure" {
		t.Errorf("Expected close 1006 with reason, got %+v", conn)
	}
}

func TestReduce_SetMetadata(t *testing.T) {
	start := time.Date(2024, 1, 15, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	action := SetMetadata{Metadata: models.Metadata{
		Version:   "1.2.3",
		CommitID:  "abcd",
		StartTime: models.Instant{Time: start},
	}}

	once := Reduce(New(0), action)
	md, ok := once.Metadata()
	if !ok {
		t.Fatal("Expected metadata to be set")
	}
	if md.Version != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %s", md.Version)
	}
	if md.StartTime.Location() != time.UTC || !md.StartTime.Equal(start) {
		t.Errorf("Expected UTC-normalized start, got %v", md.StartTime.Time)
	}

	twice := Reduce(once, action)
	if !reflect.DeepEqual(once, twice) {
		t.Error("Applying SetMetadata twice must equal applying it once")
	}

	// Wholesale replacement: fields absent in the new value are cleared.
	replaced := Reduce(twice, SetMetadata{Metadata: models.Metadata{Version: "2.0.0"}})
	md, _ = replaced.Metadata()
	if md.CommitID != "" {
		t.Errorf("Expected commit id cleared by replacement, got %s", md.CommitID)
	}
}

func TestReduce_SetHotCountries(t *testing.T) {
	now := time.Now().UTC()
	action := SetHotCountries{Countries: []models.CountryStat{
		{ISOCode: "NL", Count: 5, LastSeen: models.NewInstant(now)},
	}}

	once := Reduce(New(0), action)
	twice := Reduce(once, action)
	if !reflect.DeepEqual(once, twice) {
		t.Error("Applying SetHotCountries twice must equal applying it once")
	}

	countries := twice.HotCountries()
	if len(countries) != 1 {
		t.Fatalf("Expected exactly one country, got %d", len(countries))
	}
	if countries["NL"].Count != 5 {
		t.Errorf("Expected NL count 5, got %d", countries["NL"].Count)
	}

	replaced := Reduce(twice, SetHotCountries{Countries: []models.CountryStat{{ISOCode: "DE", Count: 1}}})
	if _, ok := replaced.HotCountry("NL"); ok {
		t.Error("Expected NL to be gone after wholesale replacement")
	}
}

func TestReduce_SetHotCountriesUnique(t *testing.T) {
	s := Reduce(New(0), SetHotCountries{Countries: []models.CountryStat{
		{ISOCode: "nl", Count: 1},
		{ISOCode: "NL", Count: 7},
		{ISOCode: "", Count: 3},
		{ISOCode: "DE", Count: -4},
	}})

	countries := s.HotCountries()
	if len(countries) != 2 {
		t.Fatalf("Expected 2 unique countries, got %d: %v", len(countries), countries)
	}
	if countries["NL"].Count != 7 {
		t.Errorf("Expected later NL entry to win with count 7, got %d", countries["NL"].Count)
	}
	if countries["DE"].Count != 0 {
		t.Errorf("Expected negative count clamped to 0, got %d", countries["DE"].Count)
	}
}

func TestReduce_AppendEventMostRecentFirst(t *testing.T) {
	s := New(0)
	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		s = Reduce(s, AppendEvent{Event: sshEvent(ip)})
	}

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].SourceIP != "3.3.3.3" || events[2].SourceIP != "1.1.1.1" {
		t.Errorf("Expected most recent first, got %s ... %s", events[0].SourceIP, events[2].SourceIP)
	}

	seen := map[string]bool{}
	for _, ev := range events {
		if ev.ID == "" {
			t.Error("Expected an arrival id to be assigned")
		}
		if seen[ev.ID] {
			t.Errorf("Duplicate id %s", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestReduce_AppendEventDuplicateID(t *testing.T) {
	s := New(0)
	s = Reduce(s, AppendEvent{Event: models.Event{ID: "a", SourceIP: "1.1.1.1"}})
	s = Reduce(s, AppendEvent{Event: models.Event{ID: "b", SourceIP: "2.2.2.2"}})
	s = Reduce(s, AppendEvent{Event: models.Event{ID: "a", SourceIP: "3.3.3.3"}})

	events := s.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events after duplicate id, got %d", len(events))
	}
	if events[0].ID != "a" || events[0].SourceIP != "3.3.3.3" {
		t.Errorf("Expected newest copy of a at front, got %+v", events[0])
	}
	if !s.HasEvent("b") {
		t.Error("Expected b to remain")
	}
}

func TestReduce_AppendEventEvictsOldest(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s = Reduce(s, AppendEvent{Event: models.Event{ID: fmt.Sprintf("e%d", i)}})
	}

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("Expected log capped at 3, got %d", len(events))
	}
	want := []string{"e4", "e3", "e2"}
	for i, id := range want {
		if events[i].ID != id {
			t.Errorf("events[%d]: expected %s, got %s", i, id, events[i].ID)
		}
	}
	if s.HasEvent("e0") {
		t.Error("Expected e0 to be evicted from the id index")
	}
}

func TestReduce_ReplaceEvents(t *testing.T) {
	s := Reduce(New(0), AppendEvent{Event: models.Event{ID: "old"}})

	ts := time.Date(2024, 1, 15, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	s = Reduce(s, ReplaceEvents{Events: []models.Event{
		{ID: "x", Timestamp: models.Instant{Time: ts}},
		{ID: "y"},
		{ID: "x"},
		{},
	}})

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events after dedup, got %d", len(events))
	}
	if events[0].ID != "x" || events[1].ID != "y" {
		t.Errorf("Expected input order preserved, got %s, %s", events[0].ID, events[1].ID)
	}
	if events[0].Timestamp.Location() != time.UTC {
		t.Errorf("Expected UTC timestamp, got %v", events[0].Timestamp.Location())
	}
	if events[2].ID == "" {
		t.Error("Expected an arrival id for the event without id")
	}
	if s.HasEvent("old") {
		t.Error("Expected previous log to be replaced")
	}
}

func TestReduce_ReplaceEventsCapped(t *testing.T) {
	var events []models.Event
	for i := 0; i < 10; i++ {
		events = append(events, models.Event{ID: fmt.Sprintf("e%d", i)})
	}
	s := Reduce(New(4), ReplaceEvents{Events: events})
	if s.EventCount() != 4 {
		t.Errorf("Expected 4 events, got %d", s.EventCount())
	}
	if got := s.Events()[0].ID; got != "e0" {
		t.Errorf("Expected first entries kept, got %s", got)
	}
}

func TestReduce_TopologyLoaded(t *testing.T) {
	action := TopologyLoaded{World: testWorldCollection(t), Names: testNames}

	s := Reduce(New(0), action)
	topo := s.Topology()
	if topo == nil {
		t.Fatal("Expected topology to be loaded")
	}
	if topo.Len() != 2 {
		t.Errorf("Expected 2 matched countries, got %d", topo.Len())
	}
	countries := topo.Countries()
	if countries[0].Alpha2 != "DE" || countries[1].Alpha2 != "NL" {
		t.Errorf("Expected alpha-2 ordering DE, NL; got %s, %s", countries[0].Alpha2, countries[1].Alpha2)
	}

	again := Reduce(s, action)
	if !reflect.DeepEqual(again.Topology().Countries(), topo.Countries()) {
		t.Error("Expected identical topology on repeated load")
	}
}

func TestReduce_TopologyLoadedWritesNoLogs(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "trace", Output: &buf})
	defer logging.Init(logging.Config{})

	Reduce(New(0), TopologyLoaded{World: testWorldCollection(t), Names: testNames})
	Reduce(New(0), TopologyLoaded{World: nil, Names: testNames})

	if buf.Len() != 0 {
		t.Errorf("Expected reducer to log nothing, got %s", buf.String())
	}
}

func TestReduce_TopologyFailureLeavesSnapshot(t *testing.T) {
	s := Reduce(New(0), TopologyLoaded{World: nil, Names: testNames})
	if s.Topology() != nil {
		t.Error("Expected topology to stay absent on failure")
	}

	loaded := Reduce(New(0), TopologyLoaded{World: testWorldCollection(t), Names: testNames})
	after := Reduce(loaded, TopologyLoaded{World: testWorldCollection(t), Names: nil})
	if after.Topology() != loaded.Topology() {
		t.Error("Expected failed reload to keep the existing topology")
	}
}

type unknownAction struct{ SetMetadata }

func TestReduce_UnknownActionNoOp(t *testing.T) {
	s := Reduce(New(0), AppendEvent{Event: sshEvent("1.2.3.4")})

	if got := Reduce(s, nil); !reflect.DeepEqual(got, s) {
		t.Error("Expected nil action to be a no-op")
	}
	if got := Reduce(s, &AppendEvent{Event: sshEvent("5.6.7.8")}); !reflect.DeepEqual(got, s) {
		t.Error("Expected pointer action to fall through to the no-op arm")
	}
	if got := Reduce(s, unknownAction{}); !reflect.DeepEqual(got, s) {
		t.Error("Expected unknown action to be a no-op")
	}
}

func TestReduce_Deterministic(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	actions := []Action{
		Connecting{},
		ConnectionStatus{Connected: true},
		SetMetadata{Metadata: models.Metadata{Version: "1.0", StartTime: models.NewInstant(now)}},
		ReplaceEvents{Events: []models.Event{sshEvent("1.1.1.1"), sshEvent("2.2.2.2")}},
		AppendEvent{Event: sshEvent("3.3.3.3")},
		SetHotCountries{Countries: []models.CountryStat{{ISOCode: "NL", Count: 3, LastSeen: models.NewInstant(now)}}},
		TopologyLoaded{World: testWorldCollection(t), Names: testNames},
		ConnectionStatus{Connected: false, Code: 1006, Reason: "Abnormal closure"},
	}

	run := func() Snapshot {
		s := New(10)
		for _, a := range actions {
			s = Reduce(s, a)
		}
		return s
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Error("Expected identical snapshots for identical action sequences")
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := Reduce(New(0), AppendEvent{Event: models.Event{ID: "a"}})
	s = Reduce(s, SetHotCountries{Countries: []models.CountryStat{{ISOCode: "NL", Count: 1}}})

	_ = Reduce(s, AppendEvent{Event: models.Event{ID: "b"}})
	_ = Reduce(s, SetHotCountries{Countries: []models.CountryStat{{ISOCode: "DE", Count: 2}}})

	if s.EventCount() != 1 || s.HasEvent("b") {
		t.Error("Expected original snapshot event log unchanged")
	}
	if _, ok := s.HotCountry("DE"); ok {
		t.Error("Expected original snapshot leaderboard unchanged")
	}

	events := s.Events()
	events[0].ID = "mutated"
	if !s.HasEvent("a") || s.Events()[0].ID != "a" {
		t.Error("Expected Events() to return a copy")
	}
}
