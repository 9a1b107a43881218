package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
	"github.com/hervehildenbrand/honeypot-radar/pkg/state"
	"github.com/hervehildenbrand/honeypot-radar/pkg/transport"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(ip string) string { return m[ip] }
func (m mapResolver) Close() error             { return nil }

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func feedServer(t *testing.T, messages ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, msg := range messages {
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		// Drop without a close frame.
		conn.UnderlyingConn().Close()
	}))
}

func waitFor(t *testing.T, store *state.Store, cond func(state.Snapshot) bool) state.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := store.Current(); cond(s) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for store condition")
	return state.Snapshot{}
}

func TestRunner_AbnormalClosure(t *testing.T) {
	server := feedServer(t,
		`{"type":"metadata","data":{"version":"1.0.0","shortcommitid":"abcd"}}`,
		`{"type":"event","data":{"id":"e1","source-ip":"1.2.3.4","category":"ssh"}}`,
		`{"type":"event","data":{"id":"hb","category":"heartbeat"}}`,
		`{"type":"hot_countries","data":[{"isocode":"NL","count":2}]}`,
	)
	defer server.Close()

	store := state.NewStore(0)
	var statuses []models.ConnectionStatus
	store.Subscribe(func(prev, next state.Snapshot, a state.Action) {
		statuses = append(statuses, next.Connection().Status)
	})

	runner := NewRunner(store, Options{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		ReconnectInitial: time.Hour,
		Resolver:         mapResolver{"1.2.3.4": "NL"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Serve(ctx) }()

	s := waitFor(t, store, func(s state.Snapshot) bool {
		return s.Connection().Status == models.Disconnected && s.Connection().Code != 0
	})

	conn := s.Connection()
	if conn.Code != websocket.CloseAbnormalClosure {
		t.Errorf("Expected close code 1006, got %d", conn.Code)
	}
	if conn.Reason != transport.CloseReason(websocket.CloseAbnormalClosure) {
		t.Errorf("Expected abnormal closure reason, got %q", conn.Reason)
	}

	events := s.Events()
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("Expected only event e1, got %+v", events)
	}
	if events[0].SourceCountryISO != "NL" {
		t.Errorf("Expected enriched country NL, got %q", events[0].SourceCountryISO)
	}
	if md, ok := s.Metadata(); !ok || md.Version != "1.0.0" {
		t.Errorf("Expected metadata version 1.0.0, got %+v", md)
	}
	if c, ok := s.HotCountry("NL"); !ok || c.Count != 2 {
		t.Errorf("Expected NL count 2, got %+v", c)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if len(statuses) < 2 || statuses[0] != models.Connecting {
		t.Errorf("Expected connecting first, got %v", statuses)
	}
	if runner.Stats()["filtered"].(uint64) != 1 {
		t.Errorf("Expected 1 filtered event, got %v", runner.Stats()["filtered"])
	}
}

func TestRunner_StopDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	store := state.NewStore(0)
	runner := NewRunner(store, Options{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		ReconnectInitial: time.Hour,
	})

	done := make(chan error, 1)
	go func() { done <- runner.Serve(context.Background()) }()

	waitFor(t, store, func(s state.Snapshot) bool {
		return s.Connection().Code == websocket.CloseAbnormalClosure
	})

	runner.Stop()
	runner.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error after Stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestRunner_PrepareReplaceEvents(t *testing.T) {
	runner := NewRunner(state.NewStore(0), Options{
		IgnoreCategories: []string{"Heartbeat", "ping"},
		Resolver:         mapResolver{"5.6.7.8": "de"},
	})

	action, ok := runner.prepare(state.ReplaceEvents{Events: []models.Event{
		{ID: "1", Category: "heartbeat"},
		{ID: "2", Category: "ssh", SourceIP: "5.6.7.8"},
		{ID: "3", Category: "PING"},
		{ID: "4", Category: "telnet", SourceIP: "9.9.9.9", SourceCountryISO: "FR"},
	}})
	if !ok {
		t.Fatal("Expected replace action to survive")
	}

	events := action.(state.ReplaceEvents).Events
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].SourceCountryISO != "de" {
		t.Errorf("Expected resolver result, got %q", events[0].SourceCountryISO)
	}
	if events[1].SourceCountryISO != "FR" {
		t.Errorf("Expected existing country kept, got %q", events[1].SourceCountryISO)
	}

	if _, ok := runner.prepare(state.AppendEvent{Event: models.Event{Category: "ping"}}); ok {
		t.Error("Expected ignored category to be dropped")
	}
	if _, ok := runner.prepare(state.Connecting{}); !ok {
		t.Error("Expected non-event actions to pass through")
	}
}
