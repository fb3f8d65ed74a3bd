package csms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/chargefleet/csms/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type identityContextKey struct{}

// HTTPAPI is the operator surface: the command endpoint, charger
// reads, health probes, metrics, and the WebSocket routes.
type HTTPAPI struct {
	store        *storage.ChargerStore
	arbitrator   *Arbitrator
	registry     *Registry
	sessions     *SessionServer
	introspector TokenIntrospector
	db           *sql.DB
	logger       *zap.Logger
	metrics      *Metrics
}

func NewHTTPAPI(
	store *storage.ChargerStore,
	arbitrator *Arbitrator,
	registry *Registry,
	sessions *SessionServer,
	introspector TokenIntrospector,
	db *sql.DB,
	logger *zap.Logger,
) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		store:        store,
		arbitrator:   arbitrator,
		registry:     registry,
		sessions:     sessions,
		introspector: introspector,
		db:           db,
		logger:       logger,
		metrics:      GetMetrics(),
	}
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/chargers", a.requireAuth(http.HandlerFunc(a.handleListChargers)))
	mux.Handle("GET /api/v1/chargers/{serial}", a.requireAuth(http.HandlerFunc(a.handleGetCharger)))
	mux.Handle("POST /api/v1/commands", a.requireAuth(http.HandlerFunc(a.handleCommand)))

	if a.sessions != nil {
		mux.HandleFunc("GET /ws/charging/station/{station}/{serial}/{$}", a.sessions.ServeWS)
		mux.HandleFunc("GET /ws/charging/station/{station}/{serial}/charge/{$}", a.sessions.ServeMonitorWS)
	}

	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// requireAuth resolves the caller through token introspection. The
// operator surface is stricter than the session layer: anonymous
// callers are rejected outright.
func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := resolveIdentity(r.Context(), a.introspector, r, a.logger)
		if identity.Anonymous() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) Identity {
	if identity, ok := ctx.Value(identityContextKey{}).(Identity); ok {
		return identity
	}
	return Identity{}
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type chargerView struct {
	SerialNumber    string    `json:"serial_number"`
	StationCode     string    `json:"station_code"`
	Vendor          string    `json:"vendor,omitempty"`
	Model           string    `json:"model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Status          string    `json:"status"`
	Activity        string    `json:"activity"`
	Connected       bool      `json:"connected"`
	SessionLive     bool      `json:"session_live"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (a *HTTPAPI) chargerView(c storage.Charger) chargerView {
	_, live := a.registry.Lookup(c.SerialNumber)
	return chargerView{
		SerialNumber:    c.SerialNumber,
		StationCode:     c.StationCode,
		Vendor:          c.Vendor,
		Model:           c.Model,
		FirmwareVersion: c.FirmwareVersion,
		Status:          c.Status,
		Activity:        c.Activity,
		Connected:       c.Connected,
		SessionLive:     live,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (a *HTTPAPI) handleListChargers(w http.ResponseWriter, r *http.Request) {
	chargers, err := a.store.ListChargers(r.Context())
	if err != nil {
		a.logger.Error("failed to list chargers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list chargers", "INTERNAL")
		return
	}

	views := make([]chargerView, 0, len(chargers))
	for _, c := range chargers {
		views = append(views, a.chargerView(c))
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: views, Meta: &apiMeta{Total: len(views)}})
}

func (a *HTTPAPI) handleGetCharger(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	charger, err := a.store.GetCharger(r.Context(), serial)
	if err != nil {
		if errors.Is(err, storage.ErrChargerNotFound) {
			writeError(w, http.StatusNotFound, "charger not found", "NOT_FOUND")
			return
		}
		a.logger.Error("failed to get charger", zap.String("serial", serial), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get charger", "INTERNAL")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: a.chargerView(charger)})
}

// commandRequest tolerates both spellings of the target field: the
// dashboard sends targetCharger, older automation sends target_charger.
type commandRequest struct {
	Command            string `json:"command"`
	TargetCharger      string `json:"targetCharger"`
	TargetChargerSnake string `json:"target_charger,omitempty"`
}

type commandResponse struct {
	Status        string `json:"status"`
	Command       string `json:"command"`
	TargetCharger string `json:"targetCharger"`
	TransactionID string `json:"transaction_id"`
}

func (a *HTTPAPI) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.TargetCharger == "" {
		req.TargetCharger = req.TargetChargerSnake
	}
	if req.Command == "" || req.TargetCharger == "" {
		writeError(w, http.StatusBadRequest, "command and targetCharger are required", "BAD_REQUEST")
		return
	}

	receipt, err := a.arbitrator.Dispatch(r.Context(), CommandRequest{
		Command:  req.Command,
		Serial:   req.TargetCharger,
		Identity: identityFromContext(r.Context()),
	})
	if err != nil {
		a.writeCommandError(w, req, err)
		return
	}

	writeJSON(w, http.StatusAccepted, commandResponse{
		Status:        "accepted",
		Command:       string(receipt.Command),
		TargetCharger: req.TargetCharger,
		TransactionID: receipt.TransactionID,
	})
}

func (a *HTTPAPI) writeCommandError(w http.ResponseWriter, req commandRequest, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Message, "CONFLICT")
	case errors.Is(err, ErrUnsupportedCommand):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "UNSUPPORTED_COMMAND")
	case errors.Is(err, ErrChargerNotFound):
		writeError(w, http.StatusNotFound, "target charger not found", "NOT_FOUND")
	case errors.Is(err, ErrNoCustomerProfile):
		writeError(w, http.StatusForbidden, "no customer profile linked to command issuer", "NO_CUSTOMER")
	default:
		a.logger.Error("command dispatch failed",
			zap.String("command", req.Command),
			zap.String("serial", req.TargetCharger),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "command dispatch failed", "INTERNAL")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}
