package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

const (
	apiTimeout          = time.Minute
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// LocationStore records location fixes. An empty deviceID is the host's own
// location.
type LocationStore interface {
	StoreLocation(ctx context.Context, deviceID string, loc tag.Location) error
}

// AutoSyncControl toggles the auto-sync policy at runtime.
type AutoSyncControl interface {
	SetEnabled(enabled bool)
	SetDevice(deviceID string, enabled bool)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/healthz", s.handleHealthCheck)
	r.Get(protocol.WebSocketPath, s.handleWebSocket)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(apiTimeout))
		api.Use(s.requireSecret)

		api.Get("/tags", s.handleListTags)
		api.Post("/tags/{id}/sync", s.handleSync)
		api.Post("/tags/{id}/ring", s.handleStartRing)
		api.Delete("/tags/{id}/ring", s.handleStopRing)
		api.Get("/tags/{id}/history", s.handleHistory)
		api.Put("/location", s.handleLocation)
		api.Put("/autosync", s.handleAutoSync)
		api.Put("/tags/{id}/autosync", s.handleAutoSync)
	})
	return r
}

// enableCORS adds CORS headers and answers preflight requests.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSecret checks the X-API-Secret header when a secret is configured.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APISecret != "" && r.Header.Get(APISecretHeader) != s.config.APISecret {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "invalid API secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	cache := s.registry.BatteryCache()

	info := func(id, state string) protocol.TagInfo {
		t := protocol.TagInfo{ID: id, State: state}
		if cache != nil {
			if level, ok := cache.CachedBattery(r.Context(), id); ok {
				t.Battery = level.String()
			}
		}
		if st, ok := s.registry.SyncState(id); ok {
			t.Syncing = st.Syncing
		}
		return t
	}

	resp := protocol.TagListResponse{Tags: make([]protocol.TagInfo, 0, len(snap.Connected)+len(snap.Scanned))}
	for _, id := range snap.Connected {
		resp.Tags = append(resp.Tags, info(id, tag.StateConnected.String()))
	}
	for _, id := range snap.Scanned {
		resp.Tags = append(resp.Tags, info(id, tag.StateScanned.String()))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.registry.Syncer(id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.ErrCodeUnknownDevice, "unknown tag: "+id)
		return
	}
	result := c.SyncLocation(r.Context())
	writeJSON(w, http.StatusOK, protocol.SyncResponse{DeviceID: c.DeviceID(), Result: result.String()})
}

// handleStartRing rings over Bluetooth when the tag is connected and falls
// back to the backend otherwise, unless bluetoothOnly=true.
func (s *Server) handleStartRing(w http.ResponseWriter, r *http.Request) {
	id := canonicalID(chi.URLParam(r, "id"))
	bluetoothOnly, _ := strconv.ParseBool(r.URL.Query().Get("bluetoothOnly"))

	resp := protocol.RingResponse{DeviceID: id}
	if c, ok := s.registry.Local(id); ok {
		if res, ok := c.StartRinging(r.Context(), true).(tag.RingSuccessBluetooth); ok {
			resp.Ringing = true
			resp.Transport = "bluetooth"
			if res.VolumeKnown {
				resp.Volume = res.Volume.String()
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	if !bluetoothOnly && s.registry.NetworkAPI() != nil {
		ok, err := s.registry.NetworkAPI().SetRinging(r.Context(), id, true)
		if err != nil {
			s.logger.Warn("network ring failed", "device", id, "error", err)
		}
		if err == nil && ok {
			resp.Ringing = true
			resp.Transport = "network"
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	writeJSON(w, http.StatusBadGateway, resp)
}

func (s *Server) handleStopRing(w http.ResponseWriter, r *http.Request) {
	id := canonicalID(chi.URLParam(r, "id"))
	stopped := false
	if c, ok := s.registry.Local(id); ok {
		stopped = c.StopRinging(r.Context())
	}
	if !stopped && s.registry.NetworkAPI() != nil {
		ok, err := s.registry.NetworkAPI().SetRinging(r.Context(), id, false)
		stopped = err == nil && ok
	}
	status := http.StatusOK
	if !stopped {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, protocol.RingResponse{DeviceID: id, Ringing: !stopped})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.config.History == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrCodeUnsupported, "history is not stored")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.config.History.History(r.Context(), canonicalID(chi.URLParam(r, "id")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternalError, err.Error())
		return
	}
	if entries == nil {
		entries = []protocol.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, protocol.HistoryResponse{Entries: entries})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.config.Locations == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrCodeUnsupported, "locations are not stored")
		return
	}
	var req protocol.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "failed to parse request body: "+err.Error())
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 || req.Accuracy < 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "coordinates out of range")
		return
	}

	loc := tag.Location{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		Method:    req.Method,
		Time:      time.Now().UTC(),
	}
	if req.Time != nil {
		loc.Time = req.Time.UTC()
	}
	if loc.Method == "" {
		loc.Method = "manual"
	}

	deviceID := ""
	if req.DeviceID != "" {
		deviceID = canonicalID(req.DeviceID)
	}
	if err := s.config.Locations.StoreLocation(r.Context(), deviceID, loc); err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAutoSync switches auto-sync globally, or for one tag when the route
// carries an id.
func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	if s.config.AutoSync == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrCodeUnsupported, "auto-sync policy is fixed")
		return
	}
	var req protocol.AutoSyncUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, `body must be {"enabled": true|false}`)
		return
	}

	if id := chi.URLParam(r, "id"); id != "" {
		id = canonicalID(id)
		s.config.AutoSync.SetDevice(id, *req.Enabled)
		s.logger.Info("auto-sync toggled", "device", id, "enabled", *req.Enabled)
	} else {
		s.config.AutoSync.SetEnabled(*req.Enabled)
		s.logger.Info("auto-sync toggled", "enabled", *req.Enabled)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, ErrorCode: code})
}
