package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrMapNotFound,
		ErrSessionBusy,
		ReasonBadRequest,
		ReasonOutOfRange,
		ReasonRateLimited,
		ReasonInsufficient,
		ReasonTradeBusy,
		ReasonNotFound,
		ReasonInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestAdmissionEventNames(t *testing.T) {
	cases := map[string][2]string{
		TypeClickRuin:    {"factoryClickQueued", "factoryClickDenied"},
		TypeFactoryClick: {"factoryClickQueued", "factoryClickDenied"},
		TypeWaterTile:    {"waterClickQueued", "waterClickDenied"},
		TypeBuildFence:   {"fenceClickQueued", "fenceClickDenied"},
		TypeBuildHouse:   {"houseClickQueued", "houseClickDenied"},
	}
	for action, want := range cases {
		if got := QueuedEvent(action); got != want[0] {
			t.Fatalf("QueuedEvent(%s)=%s want=%s", action, got, want[0])
		}
		if got := DeniedEvent(action); got != want[1] {
			t.Fatalf("DeniedEvent(%s)=%s want=%s", action, got, want[1])
		}
	}
}
