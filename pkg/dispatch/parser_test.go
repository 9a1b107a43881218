package dispatch

import (
	"errors"
	"testing"

	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
)

func apply(t *testing.T, s state.Snapshot, msg string) state.Snapshot {
	t.Helper()
	action, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("Parse(%s) failed: %v", msg, err)
	}
	return state.Reduce(s, action)
}

func TestParse_Metadata(t *testing.T) {
	msg := `{"type":"metadata","data":{"version":"1.2.3","shortcommitid":"abcd","start":"2024-01-15T12:00:00Z"}}`

	action, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := action.(state.SetMetadata); !ok {
		t.Fatalf("Expected SetMetadata, got %T", action)
	}

	s := apply(t, state.New(0), msg)
	md, ok := s.Metadata()
	if !ok {
		t.Fatal("Expected metadata in snapshot")
	}
	if md.Version != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %s", md.Version)
	}
	if md.CommitID != "abcd" {
		t.Errorf("Expected commit abcd, got %s", md.CommitID)
	}
}

func TestParse_EventThreeTimes(t *testing.T) {
	s := state.New(0)
	for i := 0; i < 3; i++ {
		s = apply(t, s, `{"type":"event","data":{"sourceIP":"1.2.3.4","category":"ssh","destinationPort":22}}`)
	}

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].ID == events[1].ID || events[1].ID == events[2].ID {
		t.Error("Expected distinct arrival ids")
	}
	if events[0].ID != "arrival-3" {
		t.Errorf("Expected most recent event first, got %s", events[0].ID)
	}
}

func TestParse_HotCountriesTwice(t *testing.T) {
	msg := `{"type":"hot_countries","data":[{"isocode":"NL","count":5,"last":"2024-01-15T12:00:00Z"}]}`

	once := apply(t, state.New(0), msg)
	twice := apply(t, once, msg)

	countries := twice.HotCountries()
	if len(countries) != 1 {
		t.Fatalf("Expected exactly one country, got %d", len(countries))
	}
	if countries["NL"].Count != 5 {
		t.Errorf("Expected NL count 5, got %d", countries["NL"].Count)
	}
	if once.HotCountries()["NL"] != countries["NL"] {
		t.Error("Expected leaderboard unchanged by the repeated message")
	}
}

func TestParse_Events(t *testing.T) {
	msg := `{"type":"events","data":[
		{"id":"1","source-ip":"1.1.1.1","category":"telnet","date":"2024-01-15T12:00:00Z"},
		{"id":"2","source-ip":"2.2.2.2","category":"ssh"}
	]}`

	action, err := Parse([]byte(msg))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	replace, ok := action.(state.ReplaceEvents)
	if !ok {
		t.Fatalf("Expected ReplaceEvents, got %T", action)
	}
	if len(replace.Events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(replace.Events))
	}
	if replace.Events[0].SourceIP != "1.1.1.1" {
		t.Errorf("Expected source ip 1.1.1.1, got %s", replace.Events[0].SourceIP)
	}
}

func TestParse_NullLists(t *testing.T) {
	tests := []string{
		`{"type":"events","data":null}`,
		`{"type":"hot_countries"}`,
	}
	for _, msg := range tests {
		action, err := Parse([]byte(msg))
		if err != nil {
			t.Errorf("Parse(%s) failed: %v", msg, err)
		}
		if action == nil {
			t.Errorf("Parse(%s): expected an action for an empty list", msg)
		}
	}
}

func TestParse_UnknownType(t *testing.T) {
	action, err := Parse([]byte(`{"type":"heartbeat","data":{"n":1}}`))
	if err != nil {
		t.Fatalf("Expected no error for unknown type, got %v", err)
	}
	if action != nil {
		t.Errorf("Expected nil action for unknown type, got %T", action)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"not json", `hello`},
		{"truncated", `{"type":"event","data":{"sourceIP":`},
		{"array envelope", `[1,2,3]`},
		{"bad event", `{"type":"event","data":"oops"}`},
		{"missing event", `{"type":"event"}`},
		{"bad countries", `{"type":"hot_countries","data":{"isocode":"NL"}}`},
		{"bad metadata", `{"type":"metadata","data":[1]}`},
		{"bad timestamp", `{"type":"event","data":{"timestamp":"tomorrow"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := Parse([]byte(tt.msg))
			if err == nil {
				t.Fatalf("Expected error, got action %T", action)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDispatcher_NeverFails(t *testing.T) {
	d := NewDispatcher()

	if _, ok := d.Dispatch([]byte(`garbage`)); ok {
		t.Error("Expected malformed message to be discarded")
	}
	if _, ok := d.Dispatch([]byte(`{"type":"future_type","data":{}}`)); ok {
		t.Error("Expected unknown type to be discarded")
	}
	action, ok := d.Dispatch([]byte(`{"type":"event","data":{"sourceIP":"1.2.3.4"}}`))
	if !ok || action == nil {
		t.Fatal("Expected valid event to dispatch after discarded messages")
	}

	stats := d.Stats()
	if stats["malformed"].(uint64) != 1 || stats["unknown"].(uint64) != 1 || stats["parsed"].(uint64) != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}
}
