package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const maxConfigBody = 1 << 20

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clients")

	active, err := s.tracker.Active(r.Context())
	if err != nil {
		s.logger.Error("listing clients failed", "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "listing clients failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": active, "count": len(active)})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "users")

	users, err := s.store.ListUserActivity(r.Context())
	if err != nil {
		s.logger.Error("listing users failed", "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "listing users failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading stats failed", "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "reading stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleClearCache drops the hot and link tiers. The permanent item path
// map is kept.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear_cache")

	n, err := s.cache.ClearVolatile(r.Context())
	if err != nil {
		s.logger.Error("clearing cache failed", "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "clearing cache failed")
		return
	}
	s.logger.Info("cache cleared", "entries", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "config")
	writeJSON(w, http.StatusOK, s.settings.Current(r.Context()).Redacted())
}

// handlePutConfig replaces the configuration. Fields absent from the body
// keep their current values, and secrets sent back still redacted are
// restored before saving.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "config")
	ctx := r.Context()

	current := s.settings.Current(ctx)
	next := current.Clone()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		download.WriteJSONError(w, http.StatusBadRequest, "invalid config: "+err.Error())
		return
	}
	next.Unredact(current)

	if err := s.settings.Save(ctx, next); err != nil {
		if errors.Is(err, config.ErrInvalid) {
			download.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, config.ErrTemplated) {
			download.WriteJSONError(w, http.StatusConflict, "config file uses templates, edit it on disk")
			return
		}
		s.logger.Error("saving config failed", "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "saving config failed")
		return
	}

	s.logger.Info("config updated")
	writeJSON(w, http.StatusOK, next.Redacted())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
