package csms

import (
	"context"
	"errors"
	"fmt"

	"github.com/chargefleet/csms/internal/ocpp"
	"github.com/chargefleet/csms/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandRequest is an operator's attempt to drive a charger.
type CommandRequest struct {
	Command  string
	Serial   string
	Identity Identity
}

// CommandReceipt reports an accepted command: the audit transaction
// id and the state the charger was moved to, if any.
type CommandReceipt struct {
	TransactionID string
	Command       ChargeCommand
	NewState      *storage.ChargerState
}

// Arbitrator decides whether an operator command is allowed to reach
// a charger. Acceptance is atomic against competing device reports:
// the activity precondition is re-checked inside the persistence
// transaction, so a lost race rolls everything back.
type Arbitrator struct {
	store    *storage.ChargerStore
	registry *Registry
	fanout   *Fanout
	logger   *zap.Logger
	metrics  *Metrics
}

func NewArbitrator(store *storage.ChargerStore, registry *Registry, fanout *Fanout, logger *zap.Logger, metrics *Metrics) *Arbitrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbitrator{
		store:    store,
		registry: registry,
		fanout:   fanout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch runs the full arbitration sequence: classify the command,
// resolve the target, check the activity precondition, resolve the
// issuing customer, persist atomically, broadcast, and forward the
// call to the live session fire-and-forget.
func (a *Arbitrator) Dispatch(ctx context.Context, req CommandRequest) (*CommandReceipt, error) {
	cmd, err := ParseChargeCommand(req.Command)
	if err != nil {
		a.metrics.RecordCommand(req.Command, "unsupported")
		return nil, err
	}

	charger, err := a.store.GetCharger(ctx, req.Serial)
	if err != nil {
		if errors.Is(err, storage.ErrChargerNotFound) {
			a.metrics.RecordCommand(string(cmd), "not_found")
			return nil, ErrChargerNotFound
		}
		a.metrics.RecordCommand(string(cmd), "error")
		return nil, err
	}

	tr := commandTransition(cmd)
	if tr.forbidActivity != "" && charger.Activity == tr.forbidActivity {
		a.metrics.RecordCommand(string(cmd), "conflict")
		return nil, &ConflictError{Serial: req.Serial, Message: tr.conflictMsg}
	}

	if req.Identity.Anonymous() {
		a.metrics.RecordCommand(string(cmd), "no_customer")
		return nil, ErrNoCustomerProfile
	}
	customer, err := a.store.CustomerByUsername(ctx, req.Identity.Username)
	if err != nil {
		if errors.Is(err, storage.ErrCustomerNotFound) {
			a.metrics.RecordCommand(string(cmd), "no_customer")
			return nil, fmt.Errorf("%w: %s", ErrNoCustomerProfile, req.Identity.Username)
		}
		a.metrics.RecordCommand(string(cmd), "error")
		return nil, err
	}

	txID, err := a.store.ApplyCommand(ctx, req.Serial, storage.CommandEffect{
		Command:        string(cmd),
		Customer:       customer.Username,
		ForbidActivity: tr.forbidActivity,
		NewState:       tr.next,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			// A device report won the race after the pre-check.
			a.metrics.RecordCommand(string(cmd), "conflict")
			return nil, &ConflictError{Serial: req.Serial, Message: tr.conflictMsg}
		case errors.Is(err, storage.ErrChargerNotFound):
			a.metrics.RecordCommand(string(cmd), "not_found")
			return nil, ErrChargerNotFound
		default:
			a.metrics.RecordCommand(string(cmd), "error")
			return nil, err
		}
	}

	if tr.next != nil {
		a.fanout.Publish(GroupName(req.Serial), Update{
			Event:  EventStatusUpdate,
			Serial: req.Serial,
			Status: tr.next.Status,
		})
	}

	a.forward(req.Serial, cmd, customer.Username)

	a.logger.Info("command accepted",
		zap.String("serial", req.Serial),
		zap.String("command", string(cmd)),
		zap.String("customer", customer.Username),
		zap.String("transaction_id", txID),
	)
	a.metrics.RecordCommand(string(cmd), "accepted")

	return &CommandReceipt{TransactionID: txID, Command: cmd, NewState: tr.next}, nil
}

// forward pushes the call at the charger's live session if one
// exists. Delivery is best-effort; the command already took effect.
func (a *Arbitrator) forward(serial string, cmd ChargeCommand, idTag string) {
	conn, ok := a.registry.Lookup(serial)
	if !ok {
		a.logger.Warn("no live session for command forward",
			zap.String("serial", serial),
			zap.String("command", string(cmd)),
		)
		return
	}

	data, err := ocpp.NewCall(uuid.NewString(), string(cmd), wirePayload(cmd, idTag))
	if err != nil {
		a.logger.Error("failed to encode command call",
			zap.String("command", string(cmd)),
			zap.Error(err),
		)
		a.metrics.RecordError("arbitrator", "encode")
		return
	}

	if !conn.Deliver(data) {
		a.logger.Warn("command forward dropped, session buffer full",
			zap.String("serial", serial),
			zap.String("command", string(cmd)),
		)
		a.metrics.RecordError("arbitrator", "forward_dropped")
	}
}
