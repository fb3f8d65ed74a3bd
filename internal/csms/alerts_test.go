package csms

import (
	"errors"
	"testing"
)

func TestAlerterSendsEmbeds(t *testing.T) {
	session := &fakeAlertSession{}
	a := NewAlerterWithSession(session, "chan-1", nil)

	a.ChargerOffline("CHG001")
	a.ChargerFaulted("CHG001", "GroundFailure")
	a.FirmwareBelowFloor("CHG001", "1.0.0", "2.0.0")

	titles := session.titles()
	want := []string{"Charger Offline", "Charger Faulted", "Firmware Below Minimum"}
	if len(titles) != len(want) {
		t.Fatalf("expected %d alerts, got %d", len(want), len(titles))
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Errorf("alert %d: expected %q, got %q", i, want[i], titles[i])
		}
	}
}

func TestAlerterFaultFieldsDefault(t *testing.T) {
	session := &fakeAlertSession{}
	a := NewAlerterWithSession(session, "chan-1", nil)

	a.ChargerFaulted("CHG001", "")

	if len(session.embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(session.embeds))
	}
	fields := session.embeds[0].Fields
	if len(fields) != 1 || fields[0].Value != "unspecified" {
		t.Errorf("expected unspecified error code field, got %+v", fields)
	}
}

func TestNilAlerterIsSafe(t *testing.T) {
	var a *Alerter

	// Alerting is optional; call sites never branch.
	a.ChargerOffline("CHG001")
	a.ChargerFaulted("CHG001", "x")
	a.FirmwareBelowFloor("CHG001", "1.0.0", "2.0.0")
}

func TestAlerterSendFailureIsSwallowed(t *testing.T) {
	session := &fakeAlertSession{err: errors.New("rate limited")}
	a := NewAlerterWithSession(session, "chan-1", nil)

	a.ChargerOffline("CHG001")
}

func TestNewAlerterRequiresToken(t *testing.T) {
	if _, err := NewAlerter("", "chan-1", nil); err == nil {
		t.Error("expected error for empty token")
	}
}
