package engine

import (
	"testing"
	"time"
)

func TestBroadcastKeyByIDRejectsExpiredPrevious(t *testing.T) {
	s := &Sensor{
		broadcastID:       2,
		broadcastKey:      [32]byte{2},
		haveBroadcastKey:  true,
		prevBroadcastID:   1,
		prevBroadcastKey:  [32]byte{1},
		prevValidUntil:    time.Now().Add(-time.Second),
		havePrevBroadcast: true,
	}

	if _, ok := s.broadcastKeyByID(1, time.Now()); ok {
		t.Fatal("expired previous broadcast key should not be accepted")
	}
	if key, ok := s.broadcastKeyByID(2, time.Now()); !ok || key != s.broadcastKey {
		t.Fatal("current broadcast key should always be accepted")
	}
	if _, ok := s.broadcastKeyByID(99, time.Now()); ok {
		t.Fatal("unknown broadcast key id should not be accepted")
	}
}

func TestBroadcastKeyByIDAcceptsPreviousWithinGraceWindow(t *testing.T) {
	s := &Sensor{
		broadcastID:       2,
		broadcastKey:      [32]byte{2},
		haveBroadcastKey:  true,
		prevBroadcastID:   1,
		prevBroadcastKey:  [32]byte{1},
		prevValidUntil:    time.Now().Add(time.Minute),
		havePrevBroadcast: true,
	}

	key, ok := s.broadcastKeyByID(1, time.Now())
	if !ok || key != s.prevBroadcastKey {
		t.Fatal("previous broadcast key should be accepted within its grace window")
	}
}

func TestSensorStateString(t *testing.T) {
	cases := map[SensorState]string{
		SensorDisconnected: "DISCONNECTED",
		SensorDiscovering:  "DISCOVERING",
		SensorJoining:      "JOINING",
		SensorConnected:    "CONNECTED",
		SensorState(99):    "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("SensorState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
