// Package server exposes the quality snapshot, schema metadata, and zone
// dimension over a read-only HTTP API.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citystream/tripflow/internal/monitoring"
	"github.com/citystream/tripflow/internal/schema"
	"github.com/citystream/tripflow/internal/sink"
)

// Server serves read-only pipeline state over HTTP.
type Server struct {
	out     sink.Sink
	table   *schema.Table
	alerter *monitoring.Alerter
	addr    string
}

// New creates a server over the output sink and vintage table.
func New(out sink.Sink, table *schema.Table, alerter *monitoring.Alerter, addr string) *Server {
	return &Server{out: out, table: table, alerter: alerter, addr: addr}
}

// Handler builds the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}),
	)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/quality", s.handleQuality)
	r.Get("/api/vintages", s.handleVintages)
	r.Get("/api/zones/count", s.handleZoneCount)

	return r
}

// Serve listens on the configured address until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	eg, egctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		zap.L().Info("server: listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server: listen")
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQuality returns the live quality snapshot plus any threshold
// breaches, the same evaluation the report command performs.
func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	snap, err := monitoring.NewCollector(s.out).Collect(r.Context())
	if err != nil {
		serveError(w, err)
		return
	}
	alerts := s.alerter.Evaluate(snap)
	if alerts == nil {
		alerts = []monitoring.Alert{}
	}
	writeJSON(w, http.StatusOK, struct {
		Snapshot *monitoring.QualitySnapshot `json:"snapshot"`
		Alerts   []monitoring.Alert          `json:"alerts"`
	}{snap, alerts})
}

func (s *Server) handleVintages(w http.ResponseWriter, r *http.Request) {
	type vintageInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Columns     int    `json:"columns"`
	}

	infos := make([]vintageInfo, 0, len(s.table.Names()))
	for _, name := range s.table.Names() {
		v, err := s.table.Lookup(name)
		if err != nil {
			serveError(w, err)
			return
		}
		infos = append(infos, vintageInfo{Name: v.Name, Description: v.Description, Columns: len(v.Columns)})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleZoneCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.out.CountZones(r.Context())
	if err != nil {
		serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"zones": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func serveError(w http.ResponseWriter, err error) {
	zap.L().Error("server: request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
