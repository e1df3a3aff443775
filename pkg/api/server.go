// Package api is the daemon's HTTP control plane: status and metrics,
// stream management, archive search and a websocket firehose of stream
// events.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/metrics"
	"github.com/rubiojr/chainstream/pkg/realtime"
	"github.com/rubiojr/chainstream/pkg/storage"
	"github.com/rubiojr/chainstream/pkg/stream"
	"github.com/rubiojr/chainstream/pkg/warehouse"
)

// Controller is the part of the streamer the API drives.
// *stream.Streamer implements it.
type Controller interface {
	Status() stream.Status
	Metrics() metrics.Snapshot
	AddStream(stream.StreamConfig) (string, error)
	RemoveStream(id string) bool
	SetSubscriptionEnabled(id string, enabled bool) bool
	UpdateStream(id string, p stream.StreamPatch) error
	Pause()
	Resume()
	Reconnect()
	Events() *realtime.Hub
}

type Options struct {
	// Store enables the archive endpoints when set.
	Store *storage.Store
	// ArchiveStats reports warehouse counters in /api/status when set.
	ArchiveStats func() warehouse.Stats
	// ABIDir resolves relative abi_file paths of streams added over HTTP.
	ABIDir string
}

type Server struct {
	ctrl     Controller
	opts     Options
	registry *prometheus.Registry
	l        *log.Logger
}

func NewServer(ctrl Controller, opts Options) (*Server, error) {
	reg, err := metrics.NewRegistry(ctrl.Metrics)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	return &Server{
		ctrl:     ctrl,
		opts:     opts,
		registry: reg,
		l:        log.ForService("api"),
	}, nil
}

// Handler returns the routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CorsMiddleware(mux)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.l.Warnf("error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
