// ABOUTME: Tests for the playback engine
// ABOUTME: Drives the render path with a synthetic device clock
package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/chorus-audio/chorus-go/internal/audio"
)

// testClock lets the feed-side timestamp source advance under test
// control. Reference samples still use real-epoch values so the filter's
// staleness check sees fresh data.
type testClock struct{ now int64 }

func (c *testClock) nowUs() int64 { return c.now }

type engineHarness struct {
	eng      *Engine
	clk      *testClock
	deviceUs int64
}

func newHarness() *engineHarness {
	eng := New(Config{Format: testFormat})
	clk := &testClock{now: time.Now().UnixMicro()}
	eng.nowUs = clk.nowUs
	return &engineHarness{eng: eng, clk: clk}
}

// calibrate feeds enough reference samples for a valid mapping with the
// session timeline equal to the local one
func (h *engineHarness) calibrate() {
	for i := 9; i >= 0; i-- {
		local := h.clk.now - int64(i)*1_000_000
		h.eng.UpdateReference(local, local)
	}
}

// render runs one device callback and advances both the device and the
// local clock by the block duration
func (h *engineHarness) render(frames int) []byte {
	out := make([]byte, frames*testFormat.FrameSize())
	h.eng.Render(out, frames, h.deviceUs)
	d := testFormat.FramesToMicros(int64(frames))
	h.deviceUs += d
	h.clk.now += d
	return out
}

func allZero(b []byte) bool {
	return bytes.Equal(b, make([]byte, len(b)))
}

func TestEngineSilentUntilCalibrated(t *testing.T) {
	h := newHarness()
	out := h.render(50)
	if !allZero(out) {
		t.Error("output before calibration is not silence")
	}
	if h.eng.StateOf() != StateInitializing {
		t.Errorf("state = %v, want initializing", h.eng.StateOf())
	}
}

func TestEngineStartSequence(t *testing.T) {
	h := newHarness()
	h.calibrate()

	ts := h.clk.now + 150_000
	if err := h.eng.EnqueueChunk(audio.Chunk{Sequence: 1, TimestampUs: ts, PCM: pcmOf(400, 0x11)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if h.eng.StateOf() != StateWaitingForStart {
		t.Fatalf("state after calibration = %v, want waiting_for_start", h.eng.StateOf())
	}

	// Three 50ms blocks of silence before the 150ms start boundary
	for i := 0; i < 3; i++ {
		out := h.render(50)
		if !allZero(out) {
			t.Fatalf("block %d before start is not silence", i)
		}
		if h.eng.StateOf() != StateWaitingForStart {
			t.Fatalf("started early at block %d", i)
		}
	}

	// Start boundary reached: the block carries audio
	out := h.render(50)
	if h.eng.StateOf() != StatePlaying {
		t.Fatalf("state = %v at start boundary, want playing", h.eng.StateOf())
	}
	if !bytes.Equal(out, pcmOf(50, 0x11)) {
		t.Error("first audible block does not match enqueued PCM at full volume")
	}

	// Drain the rest of the chunk, then underrun to silence
	for i := 0; i < 7; i++ {
		h.render(50)
	}
	out = h.render(50)
	if !allZero(out) {
		t.Error("underrun output is not silence")
	}
	if h.eng.StateOf() != StatePlaying {
		t.Errorf("underrun changed state to %v", h.eng.StateOf())
	}
}

func TestEngineStartWaitsForLeadTarget(t *testing.T) {
	h := newHarness()
	h.calibrate()

	// 100ms buffered is under the 200ms start lead target
	ts := h.clk.now + 150_000
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 1, TimestampUs: ts, PCM: pcmOf(100, 0x11)})

	// Render well past the scheduled start; the gate must hold
	for i := 0; i < 5; i++ {
		out := h.render(50)
		if !allZero(out) {
			t.Fatalf("block %d is not silence while under the lead target", i)
		}
	}
	if h.eng.StateOf() != StateWaitingForStart {
		t.Fatalf("state = %v, want waiting_for_start under the lead target", h.eng.StateOf())
	}

	// Topping the buffer up past the target releases the gate
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 2, TimestampUs: ts + 100_000, PCM: pcmOf(200, 0x22)})
	out := h.render(50)
	if h.eng.StateOf() != StatePlaying {
		t.Errorf("state = %v, want playing once the lead target is met", h.eng.StateOf())
	}
	if allZero(out) {
		t.Error("no audio rendered after the gate released")
	}
}

func TestEngineStaticDelayNotRetroactive(t *testing.T) {
	h := newHarness()
	h.calibrate()

	ts := h.clk.now + 150_000
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 1, TimestampUs: ts, PCM: pcmOf(400, 0x11)})

	// Raising the delay shifts only chunks enqueued afterwards; the
	// already-buffered audio keeps its play times, leaving a gap
	h.eng.SetStaticDelay(20 * time.Millisecond)
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 2, TimestampUs: ts + 400_000, PCM: pcmOf(100, 0x22)})

	stats := h.eng.GetStatus().Buffer
	if stats.GapsFilled != 1 || stats.GapFrames != 20 {
		t.Errorf("buffer stats = %+v, want one 20-frame gap", stats)
	}
}

func TestEngineRejectsAbsurdTimestamp(t *testing.T) {
	h := newHarness()
	h.calibrate()

	ts := h.clk.now + 2*time.Hour.Microseconds()
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 1, TimestampUs: ts, PCM: pcmOf(100, 0x11)})
	if got := h.eng.GetStatus().Buffer.ChunksQueued; got != 0 {
		t.Errorf("absurd-timestamp chunk was buffered (%d queued)", got)
	}
}

// startPlaying drives the harness through calibration and the start gate
func (h *engineHarness) startPlaying(t *testing.T) int64 {
	t.Helper()
	h.calibrate()
	ts := h.clk.now + 150_000
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 1, TimestampUs: ts, PCM: pcmOf(400, 0x11)})
	for i := 0; i < 4; i++ {
		h.render(50)
	}
	if h.eng.StateOf() != StatePlaying {
		t.Fatalf("failed to reach playing: %v", h.eng.StateOf())
	}
	return ts
}

func TestEngineCorrectionCadence(t *testing.T) {
	h := newHarness()
	ts := h.startPlaying(t)

	// Device consumes 60ms of frames in 50ms of wall time: the cursor
	// runs 10ms ahead of the session timeline
	out := make([]byte, 60*testFormat.FrameSize())
	h.eng.Render(out, 60, h.deviceUs)
	h.deviceUs += 60_000
	h.clk.now += 50_000

	h.render(50) // measures the error at the block boundary

	h.eng.EnqueueChunk(audio.Chunk{Sequence: 2, TimestampUs: ts + 400_000, PCM: pcmOf(100, 0x22)})

	// The device mapping's slope clamp rounds a step this large, so the
	// measured lag comes in just under 10ms and the cadence just over the
	// nominal one-in-200
	if got := h.eng.insertEveryN.Load(); got < 195 || got > 215 {
		t.Errorf("insertEveryN = %d, want ~200 for a 10ms lag over a 2s window", got)
	}
	if got := h.eng.dropEveryN.Load(); got != 0 {
		t.Errorf("dropEveryN = %d, want 0", got)
	}
}

func TestEngineHardErrorReanchors(t *testing.T) {
	h := newHarness()
	ts := h.startPlaying(t)

	// 650ms of frames consumed in 50ms of wall time: far beyond what
	// micro-correction may absorb
	out := make([]byte, 650*testFormat.FrameSize())
	h.eng.Render(out, 650, h.deviceUs)
	h.deviceUs += 650_000
	h.clk.now += 50_000

	h.render(50)

	h.eng.EnqueueChunk(audio.Chunk{Sequence: 2, TimestampUs: ts + 1_050_000, PCM: pcmOf(100, 0x22)})

	if h.eng.StateOf() != StateReanchoring {
		t.Errorf("state = %v, want reanchoring after hard sync error", h.eng.StateOf())
	}
}

func TestEngineSustainedUnderrunReanchors(t *testing.T) {
	h := newHarness()
	h.startPlaying(t)

	// Drain everything still buffered
	h.render(400)
	if lead := h.eng.GetStatus().Lead; lead != 0 {
		t.Fatalf("lead = %v after drain, want 0", lead)
	}

	// A brief underrun is tolerated
	if err := h.eng.HealthCheck(); err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.eng.StateOf() != StatePlaying {
		t.Fatalf("state = %v, want playing within the grace window", h.eng.StateOf())
	}

	h.clk.now += 1_500_000
	if err := h.eng.HealthCheck(); err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.eng.StateOf() != StateReanchoring {
		t.Errorf("state = %v, want reanchoring after sustained underrun", h.eng.StateOf())
	}
}

func TestEngineForceResync(t *testing.T) {
	h := newHarness()
	h.startPlaying(t)

	if err := h.eng.ForceResync(); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if h.eng.StateOf() != StateReanchoring {
		t.Fatalf("state = %v, want reanchoring", h.eng.StateOf())
	}

	// The first block carries the attenuated tail of the waveform, then
	// silence; a resync must not cut mid-waveform
	fs := testFormat.FrameSize()
	out := h.render(50)
	if allZero(out[:10*fs]) {
		t.Error("no fade tail rendered, audio was cut instead of ramped")
	}
	if !allZero(out[10*fs:]) {
		t.Error("output past the fade is not silence")
	}
	out = h.render(50)
	if !allZero(out) {
		t.Error("output after the fade block is not silence")
	}

	// Buffer and clock are discarded once the fade has rendered
	if lead := h.eng.GetStatus().Lead; lead != 0 {
		t.Errorf("buffered lead %v after reanchor, want 0", lead)
	}

	// Fresh calibration brings the engine back to waiting
	h.calibrate()
	if err := h.eng.HealthCheck(); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if h.eng.StateOf() != StateWaitingForStart {
		t.Errorf("state = %v after recalibration, want waiting_for_start", h.eng.StateOf())
	}
	if h.eng.GetStatus().Reanchors != 1 {
		t.Errorf("reanchor count = %d, want 1", h.eng.GetStatus().Reanchors)
	}
}

func TestEngineStopSilencesWithinOneCallback(t *testing.T) {
	h := newHarness()
	h.startPlaying(t)

	h.eng.Stop()
	if h.eng.StateOf() != StateStopped {
		t.Fatalf("state = %v, want stopped", h.eng.StateOf())
	}

	// Faded tail first, silence for the rest of the block
	fs := testFormat.FrameSize()
	out := h.render(50)
	if allZero(out[:10*fs]) {
		t.Error("no fade tail rendered, stop cut the waveform")
	}
	if !allZero(out[10*fs:]) {
		t.Error("output past the fade is not silence")
	}
	out = h.render(50)
	if !allZero(out) {
		t.Error("output after the fade block is not silence")
	}

	// Stopped is terminal
	h.calibrate()
	h.eng.HealthCheck()
	if h.eng.StateOf() != StateStopped {
		t.Errorf("state = %v, stopped must be terminal", h.eng.StateOf())
	}
}

func TestEngineMutedOutputIsSilence(t *testing.T) {
	h := newHarness()
	h.calibrate()
	h.eng.SetMuted(true)

	ts := h.clk.now + 150_000
	h.eng.EnqueueChunk(audio.Chunk{Sequence: 1, TimestampUs: ts, PCM: pcmOf(400, 0x11)})
	for i := 0; i < 4; i++ {
		h.render(50)
	}
	out := h.render(50)
	if !allZero(out) {
		t.Error("muted output is not silence")
	}
	if h.eng.GetStatus().Volume != 100 {
		t.Errorf("mute changed the stored level to %d", h.eng.GetStatus().Volume)
	}
}
