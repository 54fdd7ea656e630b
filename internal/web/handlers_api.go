package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.res.All())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := modelIDFromPath(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model id"})
		return
	}
	state, ok := s.res.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAPIDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history not enabled"})
		return
	}
	id, ok := modelIDFromPath(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model id"})
		return
	}
	since, ok := parseSince(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since duration"})
		return
	}

	samples, err := s.history.Samples(id, since)
	if err != nil {
		s.logger.Error("history query", "model_id", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	s.handleOperation(w, r, true)
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.handleOperation(w, r, false)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request, connect bool) {
	if s.connector == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no bluetooth connector configured"})
		return
	}
	id, ok := modelIDFromPath(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model id"})
		return
	}
	if _, ok := s.res.Get(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var err error
	if connect {
		err = s.connector.Connect(ctx, id)
	} else {
		err = s.connector.Disconnect(ctx, id)
	}
	if err != nil {
		s.logger.Error("device operation", "model_id", id, "connect", connect, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
