package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// Heartbeats flow through Kafka when a producer is wired so the consumer can
// fan them into Redis; otherwise they land on the in-process index directly.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := decode(r, &hb); err != nil {
		s.writeError(w, err)
		return
	}
	if hb.ProviderID == "" {
		s.writeError(w, apperr.Validation("provider_id is required"))
		return
	}
	if hb.Pos.Timestamp.IsZero() {
		hb.Pos.Timestamp = time.Now().UTC()
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat publish failed, applying locally", "provider_id", hb.ProviderID, "error", err)
		} else {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
			return
		}
	}
	pos := hb.Pos
	s.Geo.Upsert(models.Provider{
		ID:        hb.ProviderID,
		Pos:       &pos,
		Available: hb.Available,
		Status:    hb.Status,
		Vehicle:   hb.Vehicle,
		Rating:    hb.Rating,
		Updated:   time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleNearbyProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, apperr.Validation("lat and lon query params are required"))
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 50 {
			s.writeError(w, apperr.Validation("limit must be within [1,50]"))
			return
		}
		limit = n
	}
	providers := s.Geo.Nearby(models.Position{Lat: lat, Lon: lon}, limit)
	writeJSON(w, http.StatusOK, providers)
}

type createRequestBody struct {
	PickupAddr  string          `json:"pickup_addr"`
	DropoffAddr string          `json:"dropoff_addr"`
	Pickup      models.Position `json:"pickup"`
	Dropoff     models.Position `json:"dropoff"`
	Notes       string          `json:"notes,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if caller.ID == "" {
		s.writeError(w, apperr.Validation("missing actor identity"))
		return
	}
	var body createRequestBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req, offered, err := s.Dispatcher.CreateRequest(caller.ID, body.PickupAddr, body.DropoffAddr, body.Pickup, body.Dropoff, body.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"request": req, "offered": offered})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Dispatcher.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	req, err := s.Dispatcher.AcceptRequest(mux.Vars(r)["id"], caller.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	req, err := s.Dispatcher.MarkPickedUp(mux.Vars(r)["id"], caller.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	var proof *models.Proof
	if r.ContentLength > 0 {
		proof = &models.Proof{}
		if err := decode(r, proof); err != nil {
			s.writeError(w, err)
			return
		}
		if proof.Timestamp.IsZero() {
			proof.Timestamp = time.Now().UTC()
		}
	}
	req, err := s.Dispatcher.MarkDelivered(mux.Vars(r)["id"], caller.ID, proof)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	req, err := s.Dispatcher.CancelRequest(mux.Vars(r)["id"], caller.ID, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestDispute(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	var body struct {
		Reason      string           `json:"reason"`
		Description string           `json:"description,omitempty"`
		Evidence    *models.Evidence `json:"evidence,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.Dispatcher.OpenDispute(mux.Vars(r)["id"], caller.ID, body.Reason, body.Description, body.Evidence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}
