package csms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/chargefleet/csms/internal/ocpp"
	"github.com/chargefleet/csms/internal/storage"
	"go.uber.org/zap"
)

// Router dispatches inbound protocol frames from charger sessions.
// Every call gets exactly one response frame; a handler failure
// produces an error frame and leaves the session open.
type Router struct {
	store   *storage.ChargerStore
	fanout  *Fanout
	alerter *Alerter
	logger  *zap.Logger
	metrics *Metrics

	firmwareFloor     *semver.Version
	heartbeatInterval time.Duration

	// OCPP transaction ids are integers on the wire; the audit trail
	// keeps its own UUIDs.
	nextTransactionID atomic.Int64
}

type RouterOptions struct {
	Store             *storage.ChargerStore
	Fanout            *Fanout
	Alerter           *Alerter
	FirmwareFloor     string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Metrics           *Metrics
}

func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Router{
		store:             opts.Store,
		fanout:            opts.Fanout,
		alerter:           opts.Alerter,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		heartbeatInterval: opts.HeartbeatInterval,
	}
	if opts.FirmwareFloor != "" {
		floor, err := semver.NewVersion(opts.FirmwareFloor)
		if err != nil {
			return nil, fmt.Errorf("invalid firmware floor %q: %w", opts.FirmwareFloor, err)
		}
		r.firmwareFloor = floor
	}
	r.nextTransactionID.Store(time.Now().Unix())
	return r, nil
}

// Handle processes one raw frame from the charger identified by
// serial. It returns the response frame to send back, or nil when the
// frame needs no response (inbound call results and errors).
func (r *Router) Handle(ctx context.Context, serial string, raw []byte) (response []byte) {
	frame, err := ocpp.ParseFrame(raw)
	if err != nil {
		r.logger.Warn("malformed frame",
			zap.String("serial", serial),
			zap.Error(err),
		)
		r.metrics.RecordFrame("malformed", "error")
		return errorFrame(frame, ocpp.ErrorCodeProtocol, err.Error())
	}

	switch frame.MessageType {
	case ocpp.MessageTypeCall:
		// Fall through to dispatch below.
	case ocpp.MessageTypeCallResult, ocpp.MessageTypeCallError:
		// Acks for commands we forwarded. Delivery was fire-and-forget,
		// so these are observed but not correlated.
		r.logger.Debug("inbound call response",
			zap.String("serial", serial),
			zap.String("unique_id", frame.UniqueID),
			zap.Int("message_type", frame.MessageType),
		)
		r.metrics.RecordFrame("call_response", "observed")
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				zap.String("serial", serial),
				zap.String("action", frame.Action),
				zap.Any("panic", rec),
			)
			r.metrics.RecordError("router", "panic")
			response = errorFrame(frame, ocpp.ErrorCodeInternal, "internal error")
		}
	}()

	payload, err := r.dispatch(ctx, serial, frame)
	if err != nil {
		r.logger.Error("frame handling failed",
			zap.String("serial", serial),
			zap.String("action", frame.Action),
			zap.Error(err),
		)
		r.metrics.RecordFrame(frame.Action, "error")
		return errorFrame(frame, ocpp.ErrorCodeInternal, "internal error")
	}

	r.metrics.RecordFrame(frame.Action, "ok")
	result, err := frame.Result(payload)
	if err != nil {
		r.metrics.RecordError("router", "encode")
		return errorFrame(frame, ocpp.ErrorCodeInternal, "failed to encode response")
	}
	return result
}

func (r *Router) dispatch(ctx context.Context, serial string, frame *ocpp.Frame) (any, error) {
	switch frame.Action {
	case ocpp.ActionBootNotification:
		return r.handleBoot(ctx, serial, frame.Payload)
	case ocpp.ActionHeartbeat:
		return r.handleHeartbeat(ctx, serial, frame.Payload)
	case ocpp.ActionStatusNotification, ocpp.ActionDiagnosticsStatusNotification:
		return r.handleStatus(ctx, serial, frame.Payload)
	case ocpp.ActionMeterValues:
		return r.handleMeterValues(ctx, serial, frame.Payload)
	case ocpp.ActionStartTransaction:
		return r.handleStartTransaction(ctx, serial, frame.Payload)
	case ocpp.ActionStopTransaction:
		return r.handleStopTransaction(ctx, serial, frame.Payload)
	default:
		// Unrecognized actions are acked so a newer charger firmware
		// does not wedge on an unanswered call.
		r.logger.Info("unrecognized action acked",
			zap.String("serial", serial),
			zap.String("action", frame.Action),
		)
		return map[string]any{}, nil
	}
}

type bootPayload struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
	FirmwareVersion   string `json:"firmwareVersion"`
}

func (r *Router) handleBoot(ctx context.Context, serial string, raw json.RawMessage) (any, error) {
	var boot bootPayload
	if err := json.Unmarshal(raw, &boot); err != nil {
		return nil, fmt.Errorf("decode boot payload: %w", err)
	}

	if _, err := r.store.GetOrCreateCharger(ctx, serial, ""); err != nil {
		return nil, err
	}
	if err := r.store.RecordBootInfo(ctx, serial, boot.ChargePointVendor, boot.ChargePointModel, boot.FirmwareVersion); err != nil {
		return nil, err
	}

	r.checkFirmwareFloor(serial, boot.FirmwareVersion)

	r.logger.Info("charger booted",
		zap.String("serial", serial),
		zap.String("vendor", boot.ChargePointVendor),
		zap.String("model", boot.ChargePointModel),
		zap.String("firmware", boot.FirmwareVersion),
	)

	return map[string]any{
		"status":      "Accepted",
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    int(r.heartbeatInterval.Seconds()),
	}, nil
}

// checkFirmwareFloor alerts when a charger reports firmware below the
// configured minimum. Unparseable versions alert too; a charger that
// cannot state its version needs eyes on it.
func (r *Router) checkFirmwareFloor(serial, reported string) {
	if r.firmwareFloor == nil || reported == "" {
		return
	}

	v, err := semver.NewVersion(reported)
	if err != nil {
		r.logger.Warn("unparseable firmware version",
			zap.String("serial", serial),
			zap.String("firmware", reported),
		)
		r.alerter.FirmwareBelowFloor(serial, reported, r.firmwareFloor.String())
		return
	}
	if v.LessThan(r.firmwareFloor) {
		r.logger.Warn("firmware below minimum",
			zap.String("serial", serial),
			zap.String("firmware", reported),
			zap.String("minimum", r.firmwareFloor.String()),
		)
		r.alerter.FirmwareBelowFloor(serial, reported, r.firmwareFloor.String())
	}
}

func (r *Router) handleHeartbeat(ctx context.Context, serial string, raw json.RawMessage) (any, error) {
	if _, err := r.store.GetOrCreateCharger(ctx, serial, ""); err != nil {
		return nil, err
	}
	if err := r.store.AppendHeartbeat(ctx, serial, raw); err != nil {
		return nil, err
	}

	r.fanout.Publish(GroupName(serial), Update{
		Event:  EventHeartbeatUpdate,
		Serial: serial,
	})

	return map[string]any{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type statusPayload struct {
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
}

func (r *Router) handleStatus(ctx context.Context, serial string, raw json.RawMessage) (any, error) {
	var report statusPayload
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode status payload: %w", err)
	}

	if _, err := r.store.GetOrCreateCharger(ctx, serial, ""); err != nil {
		return nil, err
	}
	if err := r.store.AppendStatus(ctx, serial, report.Status, raw); err != nil {
		return nil, err
	}
	if err := r.store.UpdateChargerState(ctx, serial, stateFromReport(report.Status)); err != nil {
		return nil, err
	}

	r.fanout.Publish(GroupName(serial), Update{
		Event:  EventStatusUpdate,
		Serial: serial,
		Status: report.Status,
	})

	if strings.EqualFold(report.Status, "Faulted") {
		r.alerter.ChargerFaulted(serial, report.ErrorCode)
	}

	return map[string]any{}, nil
}

// stateFromReport maps a device-reported status string onto the
// internal state triple. Device reports are authoritative, and the
// device is talking to us, so connected is always true here.
func stateFromReport(status string) storage.ChargerState {
	switch strings.ToLower(status) {
	case "charging", "preparing", "finishing":
		return storage.ChargerState{Status: storage.StatusBusy, Activity: storage.ActivityCharging, Connected: true}
	case "available", "idle":
		return storage.ChargerState{Status: storage.StatusAvailable, Activity: storage.ActivityIdle, Connected: true}
	default:
		return storage.ChargerState{Status: storage.StatusUnknown, Activity: storage.ActivityUnknown, Connected: true}
	}
}

func (r *Router) handleMeterValues(ctx context.Context, serial string, raw json.RawMessage) (any, error) {
	if _, err := r.store.GetOrCreateCharger(ctx, serial, ""); err != nil {
		return nil, err
	}
	if err := r.store.AppendMeterSample(ctx, serial, raw); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

type startTransactionPayload struct {
	IDTag string `json:"idTag"`
}

func (r *Router) handleStartTransaction(ctx context.Context, serial string, raw json.RawMessage) (any, error) {
	var start startTransactionPayload
	if err := json.Unmarshal(raw, &start); err != nil {
		return nil, fmt.Errorf("decode start transaction payload: %w", err)
	}

	if _, err := r.store.GetOrCreateCharger(ctx, serial, ""); err != nil {
		return nil, err
	}
	if _, err := r.store.AppendTransaction(ctx, serial, ocpp.ActionStartTransaction, start.IDTag, raw); err != nil {
		return nil, err
	}
	if err := r.store.UpdateChargerState(ctx, serial, storage.ChargerState{
		Status: storage.StatusBusy, Activity: storage.ActivityCharging, Connected: true,
	}); err != nil {
		return nil, err
	}

	r.fanout.Publish(GroupName(serial), Update{
		Event:  EventStatusUpdate,
		Serial: serial,
		Status: storage.StatusBusy,
	})

	return map[string]any{
		"transactionId": r.nextTransactionID.Add(1),
		"idTagInfo":     map[string]any{"status": "Accepted"},
	}, nil
}

type stopTransactionPayload struct {
	IDTag string `json:"idTag"`
}

func (r *Router) handleStopTransaction(ctx context.Context, serial string, raw json.RawMessage) (any, error) {
	var stop stopTransactionPayload
	if err := json.Unmarshal(raw, &stop); err != nil {
		return nil, fmt.Errorf("decode stop transaction payload: %w", err)
	}

	if _, err := r.store.GetOrCreateCharger(ctx, serial, ""); err != nil {
		return nil, err
	}
	if _, err := r.store.AppendTransaction(ctx, serial, ocpp.ActionStopTransaction, stop.IDTag, raw); err != nil {
		return nil, err
	}
	if err := r.store.UpdateChargerState(ctx, serial, storage.ChargerState{
		Status: storage.StatusAvailable, Activity: storage.ActivityIdle, Connected: false,
	}); err != nil {
		return nil, err
	}

	r.fanout.Publish(GroupName(serial), Update{
		Event:  EventStatusUpdate,
		Serial: serial,
		Status: storage.StatusAvailable,
	})

	// Stop is acked with an empty result, unlike start which assigns a
	// transaction id.
	return map[string]any{}, nil
}

// errorFrame builds a call error even when parsing never produced a
// frame to respond to.
func errorFrame(frame *ocpp.Frame, code, description string) []byte {
	if frame == nil {
		frame = &ocpp.Frame{UniqueID: "-"}
	}
	data, err := frame.Error(code, description)
	if err != nil {
		return nil
	}
	return data
}
