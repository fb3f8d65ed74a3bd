package csms

import (
	"encoding/json"
	"testing"
)

func TestFanoutPublishReachesGroupMembers(t *testing.T) {
	f := NewFanout(nil, nil)

	a := &fakeMember{}
	b := &fakeMember{}
	other := &fakeMember{}

	f.Join(GroupName("CHG001"), a)
	f.Join(GroupName("CHG001"), b)
	f.Join(GroupName("CHG002"), other)

	f.Publish(GroupName("CHG001"), Update{Event: EventStatusUpdate, Serial: "CHG001", Status: "busy"})

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected both group members to receive the update, got %d/%d", a.count(), b.count())
	}
	if other.count() != 0 {
		t.Error("update leaked into another charger's group")
	}

	var got Update
	if err := json.Unmarshal(a.last(), &got); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if got.Event != EventStatusUpdate || got.Serial != "CHG001" || got.Status != "busy" {
		t.Errorf("unexpected update payload: %+v", got)
	}
	if got.Time == "" {
		t.Error("publish should stamp a time when none is set")
	}
}

func TestFanoutSlowMemberLosesFrame(t *testing.T) {
	f := NewFanout(nil, nil)

	fast := &fakeMember{}
	slow := &fakeMember{full: true}
	f.Join(GroupName("CHG001"), fast)
	f.Join(GroupName("CHG001"), slow)

	f.Publish(GroupName("CHG001"), Update{Event: EventHeartbeatUpdate, Serial: "CHG001"})

	if fast.count() != 1 {
		t.Errorf("fast member should still receive the frame, got %d", fast.count())
	}
	if slow.count() != 0 {
		t.Error("full member must not receive the frame")
	}
}

func TestFanoutLeaveIsIdempotent(t *testing.T) {
	f := NewFanout(nil, nil)

	m := &fakeMember{}
	f.Join(GroupName("CHG001"), m)
	f.Leave(GroupName("CHG001"), m)
	f.Leave(GroupName("CHG001"), m)
	f.Leave(GroupName("CHG999"), m)

	if f.MemberCount(GroupName("CHG001")) != 0 {
		t.Error("expected empty group after leave")
	}

	f.Publish(GroupName("CHG001"), Update{Event: EventStatusUpdate, Serial: "CHG001"})
	if m.count() != 0 {
		t.Error("departed member still received updates")
	}
}

func TestFanoutTapsObserveEveryPublish(t *testing.T) {
	f := NewFanout(nil, nil)

	var seen []Update
	f.AddTap(func(u Update) { seen = append(seen, u) })

	// Taps fire even when the group has no members.
	f.Publish(GroupName("CHG001"), Update{Event: EventStatusUpdate, Serial: "CHG001", Status: "available"})
	f.Publish(GroupName("CHG001"), Update{Event: EventHeartbeatUpdate, Serial: "CHG001"})

	if len(seen) != 2 {
		t.Fatalf("expected 2 tapped updates, got %d", len(seen))
	}
	if seen[0].Status != "available" || seen[1].Event != EventHeartbeatUpdate {
		t.Errorf("unexpected tapped updates: %+v", seen)
	}
}
