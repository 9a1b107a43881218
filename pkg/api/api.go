// Package api serves a read-only HTTP view of the feed state and heat map.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/geo"
	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
)

const (
	defaultEventLimit = 100
	shutdownTimeout   = 10 * time.Second
)

// HeatSource provides heat projections. *geo.Ticker implements it.
type HeatSource interface {
	Latest() (geo.Projection, bool)
	Recompute() geo.Projection
}

// Server is the HTTP API.
type Server struct {
	store  geo.Source
	heat   HeatSource
	log    zerolog.Logger
	server *http.Server
}

// NewServer creates an API server listening on addr.
func NewServer(addr string, store geo.Source, heat HeatSource) *Server {
	s := &Server{
		store: store,
		heat:  heat,
		log:   logging.WithComponent("api"),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.snapshot)
		r.Get("/events", s.events)
		r.Get("/countries", s.countries)
		r.Get("/heat", s.heatMap)
		r.Get("/heat/geojson", s.heatGeoJSON)
		r.Get("/focus", s.focus)
	})
	return r
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "http-api"
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Current()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"connection": snap.Connection(),
		"events":     snap.EventCount(),
		"topology":   snap.Topology().Len(),
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Current())
}

// events lists the event log, newest first. Query parameters: limit
// (default 100), category.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	category := strings.ToLower(r.URL.Query().Get("category"))

	all := s.store.Current().Events()
	events := make([]models.Event, 0, min(limit, len(all)))
	for _, ev := range all {
		if category != "" && strings.ToLower(ev.Category) != category {
			continue
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) countries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Current().HotCountryList())
}

// projection returns the latest heat map, computing one when none exists
// yet or when the client asks with refresh=1.
func (s *Server) projection(r *http.Request) geo.Projection {
	if r.URL.Query().Get("refresh") != "1" {
		if p, ok := s.heat.Latest(); ok {
			return p
		}
	}
	return s.heat.Recompute()
}

func (s *Server) heatMap(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.projection(r))
}

func (s *Server) heatGeoJSON(w http.ResponseWriter, r *http.Request) {
	data, err := geo.FeatureCollection(s.projection(r)).MarshalJSON()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode heat map")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

func (s *Server) focus(w http.ResponseWriter, r *http.Request) {
	p := s.projection(r)
	if p.Focus == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, p.Focus)
}
