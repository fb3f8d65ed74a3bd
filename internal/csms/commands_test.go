package csms

import (
	"errors"
	"testing"

	"github.com/chargefleet/csms/internal/storage"
)

func TestParseChargeCommand(t *testing.T) {
	cases := []struct {
		raw  string
		want ChargeCommand
	}{
		{"RemoteStartTransaction", CommandRemoteStart},
		{"remotestarttransaction", CommandRemoteStart},
		{"start", CommandRemoteStart},
		{" Start ", CommandRemoteStart},
		{"RemoteStopTransaction", CommandRemoteStop},
		{"stop", CommandRemoteStop},
		{"Reset", CommandReset},
		{"UnlockConnector", CommandUnlockConnector},
		{"unlock", CommandUnlockConnector},
	}
	for _, tc := range cases {
		got, err := ParseChargeCommand(tc.raw)
		if err != nil {
			t.Errorf("ParseChargeCommand(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseChargeCommand(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestParseChargeCommandRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "Reboot", "startCharging", "DELETE FROM chargers"} {
		if _, err := ParseChargeCommand(raw); !errors.Is(err, ErrUnsupportedCommand) {
			t.Errorf("ParseChargeCommand(%q): expected ErrUnsupportedCommand, got %v", raw, err)
		}
	}
}

func TestCommandTransitions(t *testing.T) {
	start := commandTransition(CommandRemoteStart)
	if start.forbidActivity != storage.ActivityCharging {
		t.Errorf("start should forbid charging, got %q", start.forbidActivity)
	}
	if start.next == nil || start.next.Status != storage.StatusBusy || start.next.Activity != storage.ActivityCharging || !start.next.Connected {
		t.Errorf("start should transition to (busy, charging, true), got %+v", start.next)
	}

	stop := commandTransition(CommandRemoteStop)
	if stop.forbidActivity != storage.ActivityIdle {
		t.Errorf("stop should forbid idle, got %q", stop.forbidActivity)
	}
	if stop.next == nil || stop.next.Status != storage.StatusAvailable || stop.next.Activity != storage.ActivityIdle || stop.next.Connected {
		t.Errorf("stop should transition to (available, idle, false), got %+v", stop.next)
	}

	for _, cmd := range []ChargeCommand{CommandReset, CommandUnlockConnector} {
		tr := commandTransition(cmd)
		if tr.forbidActivity != "" || tr.next != nil {
			t.Errorf("%s should be a pass-through command, got %+v", cmd, tr)
		}
	}
}
