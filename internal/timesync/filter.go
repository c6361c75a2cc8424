// ABOUTME: Recursive clock filter mapping session time to local time
// ABOUTME: Tracks both offset AND drift to handle clock frequency differences
package timesync

import (
	"log"
	"math"
	"sync"
	"time"
)

// FilterConfig holds the tunable noise and validity parameters
type FilterConfig struct {
	// ProcessNoiseOffset is how much the offset can wander per second (μs²/s)
	ProcessNoiseOffset float64
	// ProcessNoiseDrift is how stable the drift rate is (μs²/s²)
	ProcessNoiseDrift float64
	// MeasurementNoise is the expected network/measurement noise (μs²)
	MeasurementNoise float64
	// OutlierSigma is how many standard deviations a residual may stray
	// before the sample is down-weighted instead of accepted outright
	OutlierSigma float64
	// MaxUncertainty is the offset std-dev ceiling for a valid calibration (μs)
	MaxUncertainty float64
	// StaleAfter invalidates the calibration when no sample has landed
	StaleAfter time.Duration
	// MinSamples is the measurement count required before convergence
	MinSamples int
}

// DefaultFilterConfig returns the tuning used for session clock tracking
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		ProcessNoiseOffset: 100.0,
		ProcessNoiseDrift:  1.0,
		MeasurementNoise:   10000.0, // ~3ms std dev from the network
		OutlierSigma:       3.0,
		MaxUncertainty:     1000.0, // 1ms
		StaleAfter:         10 * time.Second,
		MinSamples:         5,
	}
}

// TimeFilter estimates the mapping between the session timeline and the
// local clock with a two-state Kalman filter over (offset, drift).
// Offset is session_time - local_time in microseconds; drift is the rate
// that offset changes in μs per second of local time.
type TimeFilter struct {
	mu  sync.RWMutex
	cfg FilterConfig

	offset         float64
	drift          float64
	offsetVariance float64
	driftVariance  float64
	covariance     float64

	lastUpdateUs int64
	sampleCount  int
	downweighted int64

	nowUs func() int64
}

// Stats is a diagnostic snapshot of the filter state
type Stats struct {
	OffsetUs      float64
	DriftPerSec   float64
	UncertaintyUs float64
	Samples       int
	Valid         bool
}

// NewTimeFilter creates a filter with the given configuration
func NewTimeFilter(cfg FilterConfig) *TimeFilter {
	f := &TimeFilter{
		cfg:   cfg,
		nowUs: func() int64 { return time.Now().UnixMicro() },
	}
	f.resetLocked()
	return f
}

func (f *TimeFilter) resetLocked() {
	f.offset = 0
	f.drift = 0
	f.offsetVariance = 1e12 // start with 1 second uncertainty
	f.driftVariance = 1e6
	f.covariance = 0
	f.lastUpdateUs = 0
	f.sampleCount = 0
}

// Reset discards all calibration state, as on a reanchor
func (f *TimeFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

// UpdateReference folds a correlated (session, local) time pair into the
// estimator. Both timestamps are in microseconds.
func (f *TimeFilter) UpdateReference(sessionUs, localUs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	measured := float64(sessionUs - localUs)

	// First sample: take the measurement as-is with loose uncertainty
	if f.sampleCount == 0 {
		f.offset = measured
		f.offsetVariance = 1e8 // 10ms std dev until more samples arrive
		f.lastUpdateUs = localUs
		f.sampleCount = 1
		return
	}

	dt := float64(localUs-f.lastUpdateUs) / 1_000_000.0
	if dt <= 0 {
		log.Printf("timesync: non-monotonic sample (dt=%.4fs), skipping", dt)
		return
	}

	// Predict step
	predictedOffset := f.offset + f.drift*dt
	p00 := f.offsetVariance + 2*f.covariance*dt + f.driftVariance*dt*dt + f.cfg.ProcessNoiseOffset*dt
	p01 := f.covariance + f.driftVariance*dt
	p11 := f.driftVariance + f.cfg.ProcessNoiseDrift*dt

	innovation := measured - predictedOffset

	// Down-weight outliers rather than accepting them outright: a single
	// bad network sample must not destabilize the offset
	noise := f.cfg.MeasurementNoise
	sigma := math.Sqrt(p00 + noise)
	if dev := math.Abs(innovation); dev > f.cfg.OutlierSigma*sigma {
		scale := dev / (f.cfg.OutlierSigma * sigma)
		noise *= scale * scale
		f.downweighted++
		log.Printf("timesync: down-weighting outlier residual %.0fμs (%.1fσ)", innovation, dev/sigma)
	}

	// Update step
	innovationVariance := p00 + noise
	k0 := p00 / innovationVariance
	k1 := p01 / innovationVariance

	f.offset = predictedOffset + k0*innovation
	f.drift = f.drift + k1*innovation
	f.offsetVariance = (1 - k0) * p00
	f.covariance = (1 - k0) * p01
	f.driftVariance = p11 - k1*p01

	// Keep covariance positive definite
	if f.offsetVariance < 0 {
		f.offsetVariance = 1
	}
	if f.driftVariance < 0 {
		f.driftVariance = 0.01
	}

	f.lastUpdateUs = localUs
	f.sampleCount++

	if f.sampleCount <= 10 {
		log.Printf("timesync: #%d offset=%.0fμs (±%.0f) drift=%.2fμs/s",
			f.sampleCount, f.offset, math.Sqrt(f.offsetVariance), f.drift)
	}
}

// offsetAtLocked extrapolates the offset to the given local time
func (f *TimeFilter) offsetAtLocked(localUs int64) float64 {
	elapsed := float64(localUs-f.lastUpdateUs) / 1_000_000.0
	return f.offset + f.drift*elapsed
}

// SessionToLocal converts a session timestamp to local microseconds.
// Before the first sample it assumes the timelines are identical.
func (f *TimeFilter) SessionToLocal(sessionUs int64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.sampleCount == 0 {
		return sessionUs
	}

	// session = local + offset + drift*(local - lastUpdate)/1e6
	// Solve for local; drift is tiny so one refinement pass suffices.
	local := sessionUs - int64(f.offset)
	local = sessionUs - int64(f.offsetAtLocked(local))
	return local
}

// LocalToSession converts a local timestamp to session microseconds
func (f *TimeFilter) LocalToSession(localUs int64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.sampleCount == 0 {
		return localUs
	}
	return localUs + int64(f.offsetAtLocked(localUs))
}

// Valid reports whether the calibration is usable: enough samples, offset
// uncertainty below the ceiling, and a recent update
func (f *TimeFilter) Valid() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.validLocked()
}

func (f *TimeFilter) validLocked() bool {
	if f.sampleCount < f.cfg.MinSamples {
		return false
	}
	if math.Sqrt(f.offsetVariance) > f.cfg.MaxUncertainty {
		return false
	}
	age := f.nowUs() - f.lastUpdateUs
	return age < f.cfg.StaleAfter.Microseconds()
}

// GetStats returns a diagnostic snapshot
func (f *TimeFilter) GetStats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		OffsetUs:      f.offset,
		DriftPerSec:   f.drift,
		UncertaintyUs: math.Sqrt(f.offsetVariance),
		Samples:       f.sampleCount,
		Valid:         f.validLocked(),
	}
}
