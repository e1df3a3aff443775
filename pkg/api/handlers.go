package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/storage"
	"github.com/rubiojr/chainstream/pkg/stream"
	"github.com/rubiojr/chainstream/pkg/version"
)

const maxBodyBytes = 1 << 20

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.APIVersion(),
	})
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  s.ctrl.Status(),
		Version: version.APIVersion(),
	}
	if s.opts.ArchiveStats != nil {
		stats := s.opts.ArchiveStats()
		resp.Archive = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Metrics())
}

func (s *Server) HandleListStreams(w http.ResponseWriter, r *http.Request) {
	streams := s.ctrl.Status().Subscriptions
	if streams == nil {
		streams = []stream.SubscriptionStatus{}
	}
	s.writeJSON(w, http.StatusOK, ListStreamsResponse{
		Streams: streams,
		Count:   len(streams),
	})
}

func (s *Server) findStream(id string) (*stream.SubscriptionStatus, bool) {
	for _, st := range s.ctrl.Status().Subscriptions {
		if st.ID == id {
			return &st, true
		}
	}
	return nil, false
}

func (s *Server) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.findStream(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Stream not found", fmt.Sprintf("Stream '%s' does not exist", id))
		return
	}
	s.writeJSON(w, http.StatusOK, StreamResponse{ID: id, Stream: st})
}

func (s *Server) decodeStream(w http.ResponseWriter, r *http.Request) (StreamRequest, core.Source, bool) {
	var req StreamRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return req, nil, false
	}
	src, err := req.info().Source(s.opts.ABIDir)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid stream", err.Error())
		return req, nil, false
	}
	return req, src, true
}

// HandleAddStream adds a stream without a callback: its items reach the
// event hub (archive, bridge, firehose) only.
func (s *Server) HandleAddStream(w http.ResponseWriter, r *http.Request) {
	req, src, ok := s.decodeStream(w, r)
	if !ok {
		return
	}

	id, err := s.ctrl.AddStream(stream.StreamConfig{
		ID:       req.ID,
		Source:   src,
		Disabled: req.Enabled != nil && !*req.Enabled,
	})
	if err != nil {
		s.writeStreamError(w, err)
		return
	}

	st, _ := s.findStream(id)
	s.writeJSON(w, http.StatusCreated, StreamResponse{ID: id, Stream: st})
}

func (s *Server) HandleUpdateStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.findStream(id); !ok {
		s.writeError(w, http.StatusNotFound, "Stream not found", fmt.Sprintf("Stream '%s' does not exist", id))
		return
	}
	req, src, ok := s.decodeStream(w, r)
	if !ok {
		return
	}

	if err := s.ctrl.UpdateStream(id, stream.StreamPatch{Source: src}); err != nil {
		s.writeStreamError(w, err)
		return
	}
	if req.Enabled != nil {
		s.ctrl.SetSubscriptionEnabled(id, *req.Enabled)
	}

	st, _ := s.findStream(id)
	s.writeJSON(w, http.StatusOK, StreamResponse{ID: id, Stream: st})
}

func (s *Server) HandleRemoveStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.ctrl.RemoveStream(id) {
		s.writeError(w, http.StatusNotFound, "Stream not found", fmt.Sprintf("Stream '%s' does not exist", id))
		return
	}
	s.writeJSON(w, http.StatusOK, StreamResponse{ID: id})
}

func (s *Server) HandleEnableStream(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r.PathValue("id"), true)
}

func (s *Server) HandleDisableStream(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r.PathValue("id"), false)
}

func (s *Server) setEnabled(w http.ResponseWriter, id string, enabled bool) {
	if !s.ctrl.SetSubscriptionEnabled(id, enabled) {
		s.writeError(w, http.StatusNotFound, "Stream not found", fmt.Sprintf("Stream '%s' does not exist", id))
		return
	}
	st, _ := s.findStream(id)
	s.writeJSON(w, http.StatusOK, StreamResponse{ID: id, Stream: st})
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	var cfgErr *core.ConfigError
	switch {
	case errors.Is(err, core.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, "Shutting down", err.Error())
	case errors.As(err, &cfgErr) && cfgErr.Reason == core.ReasonDuplicateID:
		s.writeError(w, http.StatusConflict, "Stream exists", err.Error())
	case errors.Is(err, core.ErrSubscriptionConfig):
		s.writeError(w, http.StatusBadRequest, "Invalid stream", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "Stream operation failed", err.Error())
	}
}

func (s *Server) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Reconnect()
	s.writeJSON(w, http.StatusAccepted, ActionResponse{Status: "reconnecting"})
}

func (s *Server) HandlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	s.writeJSON(w, http.StatusOK, ActionResponse{Status: "paused"})
}

func (s *Server) HandleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume()
	s.writeJSON(w, http.StatusOK, ActionResponse{Status: "resumed"})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.opts.Store == nil {
		s.writeError(w, http.StatusNotFound, "Archive disabled", "The item archive is not enabled")
		return false
	}
	return true
}

func (s *Server) HandleSearchItems(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	params, err := storage.ParseSearchParams(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid search parameters", err.Error())
		return
	}

	results, err := s.opts.Store.Search(params)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Search failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	item, err := s.opts.Store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Item not found", fmt.Sprintf("Item '%s' does not exist", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve item", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	stats, err := s.opts.Store.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get stats", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
