package swcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const maxMessageBytes = 64 << 10

// handleMessage logs an opaque text payload. Nothing is sent back.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	fields := []zap.Field{zap.String("data", string(b))}
	if wk := s.active.Load(); wk != nil {
		fields = append(fields, zap.String("worker", wk.id))
	}
	s.log.Info("SW: message received", fields...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	// The install must not be cut short by the caller going away.
	ctx := context.WithoutCancel(r.Context())
	if err := s.Update(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	s.handleStatus(w, r)
}

type StatusReport struct {
	Worker  string   `json:"worker,omitempty"`
	Label   string   `json:"label,omitempty"`
	State   State    `json:"state,omitempty"`
	Assets  int      `json:"assets"`
	Buckets []string `json:"buckets"`
}

// Status describes the active worker and the buckets currently stored.
func (s *Service) Status() (StatusReport, error) {
	var out StatusReport
	if wk := s.active.Load(); wk != nil {
		out.Worker = wk.id
		out.Label = wk.cache.Label
		out.State = wk.State()
		out.Assets = len(wk.cache.Assets)
	}
	labels, err := s.storage.Keys()
	if err != nil {
		return StatusReport{}, err
	}
	out.Buckets = labels
	if out.Buckets == nil {
		out.Buckets = []string{}
	}
	return out, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status()
	if err != nil {
		s.log.Error("status: list buckets", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
