package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/ingest"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/lifecycle"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/logging"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

type estimateRequest struct {
	lifecycle.Itinerary
	Vehicle models.VehicleType `json:"vehicle_type"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.rides.Estimate(r.Context(), req.Itinerary, req.Vehicle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleOrderRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	var req lifecycle.OrderRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.CreatorID = caller
	ride, err := s.rides.OrderRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Cancel(r.Context(), mux.Vars(r)["id"], caller, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	ride, err := s.rides.Start(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRequestStop(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	ride, err := s.rides.RequestStop(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type completeRequest struct {
	// FinalStop, when set, replaces the dropoff with where the ride ended.
	FinalStop *models.Place `json:"final_stop,omitempty"`
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Complete(r.Context(), mux.Vars(r)["id"], caller, req.FinalStop)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type locationRequest struct {
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Heading    *float64   `json:"heading,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

func (l locationRequest) sample(driverID string) models.TrackingSample {
	out := models.TrackingSample{DriverID: driverID, Lat: l.Lat, Lon: l.Lon, Heading: l.Heading, Speed: l.Speed}
	if l.RecordedAt != nil {
		out.RecordedAt = l.RecordedAt.UTC()
	}
	return out
}

func (s *Server) handleRideLocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	rideID := mux.Vars(r)["id"]
	sample := req.sample(caller)

	if s.pings != nil {
		if !sample.Coord().Valid() {
			s.writeError(w, r, rideerr.Validation("location", "latitude must be in [-90,90] and longitude in [-180,180]"))
			return
		}
		if sample.RecordedAt.IsZero() {
			sample.RecordedAt = time.Now().UTC()
		}
		ping := ingest.LocationPing{
			RideID: rideID, DriverID: caller,
			Lat: sample.Lat, Lon: sample.Lon, Heading: sample.Heading, Speed: sample.Speed,
			RecordedAt: sample.RecordedAt,
		}
		if err := s.pings.PublishPing(r.Context(), ping); err != nil {
			logging.FromContext(r.Context(), s.logger).Warn("location_ping_publish_failed", "ride_id", rideID, "error", err)
			s.writeError(w, r, rideerr.ErrTrackingDegraded)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := s.tracking.UpdateLocation(r.Context(), rideID, caller, sample); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	snap, err := s.tracking.GetTracking(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleTrackingWS authorizes before the upgrade so refusals stay plain HTTP.
func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}
	rideID := mux.Vars(r)["id"]
	if err := s.tracking.Authorize(r.Context(), rideID, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		logging.FromContext(r.Context(), s.logger).Warn("ws_upgrade_failed", "ride_id", rideID, "error", err)
		return
	}
	if snap, err := s.tracking.GetTracking(r.Context(), rideID, caller); err == nil {
		_ = conn.WriteJSON(map[string]any{"type": "tracking", "data": snap})
	}
	s.wsreg.Serve(rideID, conn)
}

// driverPath resolves {id} and insists it is the caller.
func (s *Server) driverPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return "", false
	}
	id := mux.Vars(r)["id"]
	if id != caller {
		writeJSON(w, http.StatusForbidden, errorBody{Code: "FORBIDDEN", Message: "drivers may only update their own presence"})
		return "", false
	}
	return id, true
}

type statusRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverPath(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Online == nil {
		s.writeError(w, r, rideerr.Validation("online", "is required"))
		return
	}
	p, err := s.presence.SetOnline(r.Context(), driverID, *req.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverPath(w, r)
	if !ok {
		return
	}
	var pos models.Coord
	if err := decode(r, &pos, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.presence.UpdateLocation(r.Context(), driverID, pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := queryInt(r, "size", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.presence.ListOnline(r.Context(), page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "size": size, "drivers": drivers})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, rideerr.Validation(key, "must be an integer")
	}
	return n, nil
}
