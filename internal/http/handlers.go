package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

type Server struct {
	Presence presence.Registry
	Orch     *dispatch.Orchestrator
	Tracker  *tracking.Manager
	Rides    storage.RideStore
	Kafka    *ingest.KafkaProducer
	DriverWS *notify.WSRegistry
	RideWS   *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the service from config: Redis-backed presence and locks
// when REDIS_ADDR is set, in-process fallbacks otherwise; Postgres ride
// store when PG_DSN is set; Kafka producer when brokers are configured.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var reg presence.Registry
	var locks lock.Coordinator
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		reg = presence.NewRedis(rc, cfg.RedisGeoKey, cfg.LivenessWindow)
		locks = lock.NewRedis(rc)
	} else {
		reg = presence.NewMemory(cfg.LivenessWindow)
		locks = lock.NewMemory()
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.AvgSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	driverWS := notify.NewWSRegistry()
	rideWS := notify.NewWSRegistry()
	var notifier notify.Notifier = &notify.WSFirst{WS: driverWS}
	if cfg.PushEndpoint != "" {
		notifier = &notify.WSFirst{WS: driverWS, Fallback: notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)}
	}

	orch := dispatch.NewOrchestrator(reg, locks, store, notifier, est, dispatch.Config{
		OfferTTL:      cfg.OfferTTL,
		RadiusKm:      cfg.SearchRadiusKm,
		MaxCandidates: cfg.MaxCandidates,
	}, logger)

	var publisher tracking.SamplePublisher
	if kp != nil {
		publisher = kp
	}
	tracker := tracking.NewManager(store, reg, rideWS, publisher, est, cfg.HistoryLimit, cfg.Operators, logger)

	s := &Server{
		Presence: reg,
		Orch:     orch,
		Tracker:  tracker,
		Rides:    store,
		Kafka:    kp,
		DriverWS: driverWS,
		RideWS:   rideWS,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/driver/heartbeat", s.handleHeartbeat).Methods("POST")
	api.HandleFunc("/driver/availability", s.handleAvailability).Methods("POST")
	api.HandleFunc("/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/dispatch/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/dispatch/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/tracking/start", s.handleTrackingStart).Methods("POST")
	api.HandleFunc("/tracking/stop", s.handleTrackingStop).Methods("POST")
	api.HandleFunc("/tracking/location", s.handleLocation).Methods("POST")
	api.HandleFunc("/tracking/location/batch", s.handleLocationBatch).Methods("POST")
	api.HandleFunc("/tracking/status/{ride_id}", s.handleTrackingStatus).Methods("GET")

	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/ride/{ride_id}", s.handleRideWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string  `json:"driver_id"`
		Lat      float64 `json:"lat"`
		Lng      float64 `json:"lng"`
		Heading  float64 `json:"heading"`
		Speed    float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" || !geo.ValidCoord(req.Lat, req.Lng) {
		http.Error(w, "invalid driver_id or coordinates", http.StatusBadRequest)
		return
	}
	if err := s.Presence.Heartbeat(r.Context(), req.DriverID, models.Coord{Lat: req.Lat, Lng: req.Lng}, req.Heading, req.Speed); err != nil {
		s.log(r).Error("heartbeat failed", "driver_id", req.DriverID, "error", err)
		http.Error(w, "heartbeat failed", http.StatusInternalServerError)
		return
	}
	if s.Kafka != nil {
		_ = s.Kafka.PublishSample(req.DriverID, models.LocationSample{Lat: req.Lat, Lng: req.Lng, Heading: req.Heading, Speed: req.Speed, Timestamp: time.Now()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID  string `json:"driver_id"`
		Available bool   `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" {
		http.Error(w, "missing driver_id", http.StatusBadRequest)
		return
	}
	if err := s.Presence.SetAvailability(r.Context(), req.DriverID, req.Available); err != nil {
		http.Error(w, "availability update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": req.DriverID, "available": req.Available})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID      string        `json:"ride_id"`
		RiderID     string        `json:"rider_id"`
		Pickup      models.Coord  `json:"pickup"`
		Destination *models.Coord `json:"destination"`
		RadiusKm    float64       `json:"radius_km"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !geo.ValidCoord(req.Pickup.Lat, req.Pickup.Lng) {
		http.Error(w, "invalid pickup coordinates", http.StatusBadRequest)
		return
	}

	// no ride id: read-only candidate probe
	if req.RideID == "" {
		cands, err := s.Orch.Probe(r.Context(), req.Pickup.Lat, req.Pickup.Lng, req.RadiusKm)
		if err != nil {
			http.Error(w, "candidate lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
		return
	}

	ride, err := s.Rides.Get(r.Context(), req.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		ride = &models.Ride{
			ID:        req.RideID,
			RiderID:   req.RiderID,
			Pickup:    req.Pickup,
			Status:    models.RideRequested,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if req.Destination != nil {
			ride.Destination = *req.Destination
		}
		if err := s.Rides.Create(r.Context(), ride); err != nil {
			http.Error(w, "ride create failed", http.StatusInternalServerError)
			return
		}
	} else if err != nil {
		http.Error(w, "ride lookup failed", http.StatusInternalServerError)
		return
	}

	driverID, err := s.Orch.Dispatch(r.Context(), ride, req.RadiusKm)
	switch {
	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		// retried request for a settled ride; report the standing assignment
		writeJSON(w, http.StatusOK, map[string]any{"assigned": true, "driver_id": driverID})
	case errors.Is(err, dispatch.ErrRideClosed):
		http.Error(w, "ride is not dispatchable", http.StatusConflict)
	case errors.Is(err, dispatch.ErrNoDrivers):
		http.Error(w, "no drivers available", http.StatusServiceUnavailable)
	case err != nil:
		s.log(r).Error("dispatch failed", "ride_id", req.RideID, "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"assigned": false, "pending_driver_id": driverID})
	}
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID   string `json:"ride_id"`
		DriverID string `json:"driver_id"`
		Accept   bool   `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RideID == "" || req.DriverID == "" {
		http.Error(w, "missing ride_id or driver_id", http.StatusBadRequest)
		return
	}
	res, err := s.Orch.Respond(r.Context(), req.RideID, req.DriverID, req.Accept)
	switch {
	case errors.Is(err, dispatch.ErrStaleResponse):
		// not the driver we are waiting on; absorbed with no state change
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	case errors.Is(err, dispatch.ErrNoDrivers):
		writeJSON(w, http.StatusOK, map[string]any{"assigned": false, "exhausted": true})
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "ride not found", http.StatusNotFound)
	case err != nil:
		s.log(r).Error("respond failed", "ride_id", req.RideID, "error", err)
		http.Error(w, "respond failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID string `json:"ride_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RideID == "" {
		http.Error(w, "missing ride_id", http.StatusBadRequest)
		return
	}
	if err := s.Orch.Cancel(r.Context(), req.RideID); err != nil {
		s.log(r).Error("cancel failed", "ride_id", req.RideID, "error", err)
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	s.Tracker.CloseForRide(req.RideID, "ride_cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"status": models.RideCancelled})
}

func (s *Server) handleTrackingStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID  string `json:"ride_id"`
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessionID, err := s.Tracker.Start(r.Context(), req.RideID, req.ActorID)
	if writeTrackingErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID})
}

func (s *Server) handleTrackingStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID  string `json:"ride_id"`
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dur, count, err := s.Tracker.Stop(r.Context(), req.RideID, req.ActorID, req.Reason)
	if writeTrackingErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duration_seconds": dur.Seconds(), "sample_count": count})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		models.LocationSample
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" || !geo.ValidCoord(req.Lat, req.Lng) {
		http.Error(w, "invalid driver_id or coordinates", http.StatusBadRequest)
		return
	}
	if writeTrackingErr(w, s.Tracker.Ingest(r.Context(), req.DriverID, req.LocationSample)) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLocationBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID  string                  `json:"driver_id"`
		Locations []models.LocationSample `json:"locations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" || len(req.Locations) == 0 || len(req.Locations) > tracking.MaxBatchSize {
		http.Error(w, "driver_id required and batch size must be 1..50", http.StatusBadRequest)
		return
	}
	for _, l := range req.Locations {
		if !geo.ValidCoord(l.Lat, l.Lng) {
			http.Error(w, "invalid coordinates in batch", http.StatusBadRequest)
			return
		}
	}
	if writeTrackingErr(w, s.Tracker.IngestBatch(r.Context(), req.DriverID, req.Locations)) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": len(req.Locations)})
}

func (s *Server) handleTrackingStatus(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	snap, err := s.Tracker.Status(r.Context(), rideID)
	if writeTrackingErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.DriverWS, mux.Vars(r)["driver_id"])
}

func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.RideWS, mux.Vars(r)["ride_id"])
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, reg *notify.WSRegistry, id string) {
	// Upgrade writes its own error response on failure
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("websocket upgrade failed", "error", err)
		return
	}
	sess := reg.Add(id, conn)
	go func() {
		defer func() {
			reg.Remove(id, sess)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeTrackingErr(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "ride not found", http.StatusNotFound)
	case errors.Is(err, tracking.ErrNoActiveSession):
		http.Error(w, "no active tracking session", http.StatusNotFound)
	case errors.Is(err, tracking.ErrNotAuthorized):
		http.Error(w, "not authorized for this ride", http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
