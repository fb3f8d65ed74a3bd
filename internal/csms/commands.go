package csms

import (
	"fmt"
	"strings"

	"github.com/chargefleet/csms/internal/storage"
)

// ChargeCommand is an operator command the arbitrator knows how to
// forward. Anything outside this set is rejected up front.
type ChargeCommand string

const (
	CommandRemoteStart     ChargeCommand = "RemoteStartTransaction"
	CommandRemoteStop      ChargeCommand = "RemoteStopTransaction"
	CommandReset           ChargeCommand = "Reset"
	CommandUnlockConnector ChargeCommand = "UnlockConnector"
)

// ParseChargeCommand maps operator input onto the closed command set.
// Matching is case-insensitive and accepts the short start/stop forms
// the dashboard sends.
func ParseChargeCommand(raw string) (ChargeCommand, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "remotestarttransaction", "start":
		return CommandRemoteStart, nil
	case "remotestoptransaction", "stop":
		return CommandRemoteStop, nil
	case "reset":
		return CommandReset, nil
	case "unlockconnector", "unlock":
		return CommandUnlockConnector, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCommand, raw)
	}
}

// transition describes what accepting a command does to the charger
// row. forbidActivity is the precondition re-checked inside the write
// transaction; a nil next leaves the state triple untouched.
type transition struct {
	forbidActivity string
	next           *storage.ChargerState
	conflictMsg    string
}

func commandTransition(cmd ChargeCommand) transition {
	switch cmd {
	case CommandRemoteStart:
		return transition{
			forbidActivity: storage.ActivityCharging,
			next:           &storage.ChargerState{Status: storage.StatusBusy, Activity: storage.ActivityCharging, Connected: true},
			conflictMsg:    "target charger is busy, cannot start charging.",
		}
	case CommandRemoteStop:
		return transition{
			forbidActivity: storage.ActivityIdle,
			next:           &storage.ChargerState{Status: storage.StatusAvailable, Activity: storage.ActivityIdle, Connected: false},
			conflictMsg:    "target charger is already idle, cannot stop charging.",
		}
	default:
		// Reset and UnlockConnector are pass-through maintenance
		// commands with no activity precondition.
		return transition{}
	}
}

// wirePayload is the payload forwarded to the charger for cmd. idTag
// identifies the customer the session is billed to.
func wirePayload(cmd ChargeCommand, idTag string) any {
	switch cmd {
	case CommandRemoteStart:
		return map[string]any{"connectorId": 1, "idTag": idTag}
	case CommandRemoteStop:
		return map[string]any{"transactionId": 1}
	case CommandReset:
		return map[string]any{"type": "Soft"}
	case CommandUnlockConnector:
		return map[string]any{"connectorId": 1}
	default:
		return map[string]any{}
	}
}
