package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/control"
)

// adapterResponse is GET adapters' row shape (spec §6: `{name, status,
// healthy, metrics}`).
type adapterResponse struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Healthy bool           `json:"healthy"`
	Metrics map[string]any `json:"metrics"`
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	infos := s.surface.Adapters()
	out := make([]adapterResponse, len(infos))
	for i, a := range infos {
		out[i] = adapterResponse{Name: a.Name, Status: a.Status, Healthy: a.Healthy, Metrics: a.Metrics}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := control.SubscriptionFilter{
		Exchange: q.Get("exchange"),
		Symbol:   q.Get("symbol"),
	}
	writeJSON(w, http.StatusOK, s.surface.Subscriptions(filter))
}

// addSubscriptionRequest is POST subscriptions' body (spec §6: `{exchange,
// symbol, dataTypes[]}`).
type addSubscriptionRequest struct {
	Exchange  string   `json:"exchange"`
	Symbol    string   `json:"symbol"`
	DataTypes []string `json:"dataTypes"`
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var req addSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	types := make([]canonical.Type, len(req.DataTypes))
	for i, t := range req.DataTypes {
		types[i] = canonical.Type(t)
	}
	res := s.surface.AddSubscription(r.Context(), req.Exchange, req.Symbol, types)
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res := s.surface.RemoveSubscription(r.Context(), vars["exchange"], vars["symbol"])
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.surface.Stats())
}

// handleStatsStream serves GET stats/stream as SSE (spec §6 "exact
// transport left to implementer"; SPEC_FULL.md binds it to SSE here).
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}
	ch, cancel := s.surface.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var errStreamingUnsupported = &streamingUnsupportedError{}

type streamingUnsupportedError struct{}

func (*streamingUnsupportedError) Error() string { return "response writer does not support flushing" }

type pubsubStatusResponse struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handlePubsubStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pubsubStatusResponse{Enabled: s.surface.Stats().Publisher.Enabled})
}

type pubsubToggleRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handlePubsubToggle(w http.ResponseWriter, r *http.Request) {
	var req pubsubToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.surface.TogglePublication(r.Context(), req.Enabled, req.Reason)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

type migrateRequest struct {
	Exchange   string `json:"exchange"`
	FromConnID string `json:"fromConnId"`
	ToConnID   string `json:"toConnId"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.surface.Migrate(r.Context(), req.Exchange, req.FromConnID, req.ToConnID)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}
