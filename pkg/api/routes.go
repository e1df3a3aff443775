package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /api/status", s.HandleStatus)
	mux.HandleFunc("GET /api/metrics", s.HandleMetrics)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/streams", s.HandleListStreams)
	mux.HandleFunc("POST /api/streams", s.HandleAddStream)
	mux.HandleFunc("GET /api/streams/{id}", s.HandleGetStream)
	mux.HandleFunc("PUT /api/streams/{id}", s.HandleUpdateStream)
	mux.HandleFunc("DELETE /api/streams/{id}", s.HandleRemoveStream)
	mux.HandleFunc("POST /api/streams/{id}/enable", s.HandleEnableStream)
	mux.HandleFunc("POST /api/streams/{id}/disable", s.HandleDisableStream)

	mux.HandleFunc("POST /api/reconnect", s.HandleReconnect)
	mux.HandleFunc("POST /api/pause", s.HandlePause)
	mux.HandleFunc("POST /api/resume", s.HandleResume)

	mux.HandleFunc("GET /api/items", s.HandleSearchItems)
	mux.HandleFunc("GET /api/items/{id}", s.HandleGetItem)
	mux.HandleFunc("GET /api/stats", s.HandleStats)

	mux.HandleFunc("GET /api/firehose/ws", s.HandleFirehoseWS)
}
