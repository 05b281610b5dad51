// Package httpapi exposes the ride lifecycle over HTTP and websockets.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

type Server struct {
	Rides       *rides.Service
	Tracker     *tracking.Manager
	Coordinator *dispatch.Coordinator
	Directory   geo.Directory
	WSReg       *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *rides.Service, tracker *tracking.Manager, coord *dispatch.Coordinator, dir geo.Directory, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Rides:       svc,
		Tracker:     tracker,
		Coordinator: coord,
		Directory:   dir,
		WSReg:       wsreg,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/enroute", s.handleEnRoute).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/arrived", s.handleArrived).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/locations", s.handleReportLocation).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/location", s.handleCurrentLocation).Methods("GET")
	api.HandleFunc("/assignments/{assignment_id}/accept", s.handleAssignmentResponse(true)).Methods("POST")
	api.HandleFunc("/assignments/{assignment_id}/reject", s.handleAssignmentResponse(false)).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverAvailability).Methods("POST")
	s.mux.HandleFunc("/ws/rides/{ride_id}/location", s.handleLocationStream)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrRideNotFound), errors.Is(err, storage.ErrAssignmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrAssignmentConflict),
		errors.Is(err, tracking.ErrRideNotActive):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrAssignmentUnavailable):
		status = http.StatusGone
	case errors.Is(err, tracking.ErrStaleSample):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, rides.ErrUnknownVehicleClass),
		errors.Is(err, rides.ErrOutsideArrivalRadius):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type quoteRequest struct {
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Pickup       models.Coord        `json:"pickup"`
	Destination  models.Coord        `json:"destination"`
	PromoCode    string              `json:"promo_code,omitempty"`
	LoyaltyTier  string              `json:"loyalty_tier,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var q quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if q.VehicleClass == "" {
		q.VehicleClass = models.VehicleStandard
	}
	distanceKm, err := geo.DistanceKm(q.Pickup, q.Destination)
	if err != nil {
		writeError(w, err)
		return
	}
	durationMin := eta.EstimateDurationMinutes(distanceKm, q.VehicleClass)
	est := pricing.Quote(distanceKm, durationMin, q.VehicleClass, pricing.BandFor(time.Now()), q.PromoCode, q.LoyaltyTier)
	writeJSON(w, http.StatusOK, map[string]any{
		"estimate":     est,
		"distance_km":  distanceKm,
		"duration_min": durationMin,
	})
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in rides.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ride, err := s.Rides.Request(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var c cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	actor := lifecycle.Actor(c.Actor)
	switch actor {
	case lifecycle.ActorRider, lifecycle.ActorDriver, lifecycle.ActorSystem:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "actor must be rider, driver or system"})
		return
	}
	if err := s.Rides.Cancel(r.Context(), mux.Vars(r)["ride_id"], actor, c.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.DriverEnRoute(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type arrivedRequest struct {
	Position *models.Coord `json:"position,omitempty"`
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	var a arrivedRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if err := s.Rides.Arrived(r.Context(), mux.Vars(r)["ride_id"], a.Position); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.Start(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var c completeRequest
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ride, err := s.Rides.Complete(r.Context(), mux.Vars(r)["ride_id"], c.DistanceKm, c.DurationMin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sample.RideID = mux.Vars(r)["ride_id"]
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now()
	}
	if err := s.Tracker.Ingest(r.Context(), sample); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCurrentLocation(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	sample, ok := s.Tracker.Current(rideID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no location reported yet"})
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

type assignmentResponse struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAssignmentResponse(accepted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp assignmentResponse
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if resp.DriverID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id is required"})
			return
		}
		err := s.Coordinator.Resolve(r.Context(), mux.Vars(r)["assignment_id"], resp.DriverID, accepted)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleDriverAvailability updates a driver's position and availability
// in the directory. Driver apps post here between rides.
func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if d.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver id is required"})
		return
	}
	if err := geo.Validate(d.Loc); err != nil {
		writeError(w, err)
		return
	}
	d.Updated = time.Now()
	if err := s.Directory.Upsert(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleLocationStream streams a ride's accepted location samples to
// the rider app. The socket closes when the ride ends.
func (s *Server) handleLocationStream(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	sub, err := s.Tracker.Subscribe(r.Context(), rideID)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}
	defer conn.Close()
	defer sub.Cancel()

	for {
		select {
		case sample, open := <-sub.C:
			if !open {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "ride ended"), deadline)
				return
			}
			if err := conn.WriteJSON(sample); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(driverID, conn)
	// Read pump: offers flow the other way, but reading is what detects
	// the disconnect so the dead session gets dropped.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.WSReg.Remove(driverID, conn)
	_ = conn.Close()
}
