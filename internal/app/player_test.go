// ABOUTME: Tests for application-level helpers
// ABOUTME: Covers pairing of time sync replies with their request round
package app

import (
	"testing"

	"github.com/chorus-audio/chorus-go/internal/protocol"
)

func TestTimeSyncSampleMidpoints(t *testing.T) {
	resp := protocol.ServerTime{
		ClientTransmitted: 1_000_000,
		ServerReceived:    5_000_100,
		ServerTransmitted: 5_000_300,
	}
	sessionUs, localUs, ok := timeSyncSample(resp, 1_000_000, 1_000_400)
	if !ok {
		t.Fatal("matching reply rejected")
	}
	if sessionUs != 5_000_200 {
		t.Errorf("session midpoint = %d, want 5000200", sessionUs)
	}
	if localUs != 1_000_200 {
		t.Errorf("local midpoint = %d, want 1000200", localUs)
	}
}

func TestTimeSyncSampleRejectsStaleReply(t *testing.T) {
	// A reply carrying last round's transmit timestamp must not be
	// paired with this round's local times
	resp := protocol.ServerTime{
		ClientTransmitted: 1_000_000,
		ServerReceived:    5_000_100,
		ServerTransmitted: 5_000_300,
	}
	if _, _, ok := timeSyncSample(resp, 2_000_000, 2_000_400); ok {
		t.Error("stale reply from an earlier round was accepted")
	}
}
