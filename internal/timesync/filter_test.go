// ABOUTME: Tests for the session clock filter
// ABOUTME: Covers convergence, drift tracking, outliers, and validity
package timesync

import (
	"math"
	"testing"
	"time"
)

const (
	localBase  = int64(1_000_000_000_000) // arbitrary local epoch, μs
	trueOffset = int64(1_000_000)         // session leads local by 1s
)

// feedConstantOffset feeds n samples 1s apart with a fixed offset
func feedConstantOffset(f *TimeFilter, n int) int64 {
	local := localBase
	for i := 0; i < n; i++ {
		f.UpdateReference(local+trueOffset, local)
		local += 1_000_000
	}
	return local - 1_000_000 // last local timestamp
}

func TestFilterConvergesToOffset(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())
	last := feedConstantOffset(f, 10)

	stats := f.GetStats()
	if math.Abs(stats.OffsetUs-float64(trueOffset)) > 100 {
		t.Errorf("offset estimate %.0fμs, want ~%dμs", stats.OffsetUs, trueOffset)
	}

	got := f.LocalToSession(last)
	want := last + trueOffset
	if diff := got - want; diff > 1000 || diff < -1000 {
		t.Errorf("LocalToSession off by %dμs", diff)
	}
}

func TestFilterRoundTrip(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())
	last := feedConstantOffset(f, 10)

	session := last + trueOffset + 500_000
	local := f.SessionToLocal(session)
	back := f.LocalToSession(local)
	if diff := back - session; diff > 100 || diff < -100 {
		t.Errorf("round trip off by %dμs", diff)
	}
}

func TestFilterTracksDrift(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())

	// Session clock runs 1000μs/s fast relative to local
	const driftPerSec = 1000.0
	local := localBase
	for i := 0; i < 30; i++ {
		elapsed := float64(local-localBase) / 1_000_000.0
		session := local + trueOffset + int64(driftPerSec*elapsed)
		f.UpdateReference(session, local)
		local += 1_000_000
	}

	stats := f.GetStats()
	if math.Abs(stats.DriftPerSec-driftPerSec) > 300 {
		t.Errorf("drift estimate %.1fμs/s, want ~%.0f", stats.DriftPerSec, driftPerSec)
	}

	// Extrapolate 1s past the last sample
	last := local - 1_000_000
	probe := last + 1_000_000
	elapsed := float64(probe-localBase) / 1_000_000.0
	want := probe + trueOffset + int64(driftPerSec*elapsed)
	got := f.LocalToSession(probe)
	if diff := got - want; diff > 2000 || diff < -2000 {
		t.Errorf("extrapolation off by %dμs", diff)
	}
}

func TestFilterDownweightsOutlier(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())
	last := feedConstantOffset(f, 10)
	before := f.GetStats().OffsetUs

	// One wildly delayed sample must not drag the estimate along
	f.UpdateReference(last+1_000_000+trueOffset+50_000, last+1_000_000)

	after := f.GetStats().OffsetUs
	if math.Abs(after-before) > 5000 {
		t.Errorf("outlier moved offset by %.0fμs", after-before)
	}
}

func TestFilterValidity(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())
	if f.Valid() {
		t.Error("filter valid with no samples")
	}

	last := feedConstantOffset(f, 3)
	f.nowUs = func() int64 { return last }
	if f.Valid() {
		t.Error("filter valid below minimum sample count")
	}

	last = feedConstantOffset(f, 10)
	f.nowUs = func() int64 { return last }
	if !f.Valid() {
		t.Error("filter not valid after convergence")
	}

	// Goes stale without fresh samples
	f.nowUs = func() int64 { return last + 11*time.Second.Microseconds() }
	if f.Valid() {
		t.Error("filter still valid after staleness window")
	}
}

func TestFilterReset(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())
	last := feedConstantOffset(f, 10)
	f.nowUs = func() int64 { return last }

	f.Reset()
	if f.Valid() {
		t.Error("filter valid after reset")
	}
	if got := f.GetStats().Samples; got != 0 {
		t.Errorf("sample count %d after reset, want 0", got)
	}
}

func TestFilterIgnoresNonMonotonicSamples(t *testing.T) {
	f := NewTimeFilter(DefaultFilterConfig())
	last := feedConstantOffset(f, 10)
	before := f.GetStats().Samples

	f.UpdateReference(last+trueOffset, last) // same local timestamp again
	if got := f.GetStats().Samples; got != before {
		t.Errorf("non-monotonic sample accepted: %d -> %d", before, got)
	}
}
