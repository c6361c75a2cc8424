// ABOUTME: Incremental drift correction planning
// ABOUTME: Schedules bounded sample drop/insert cadences from smoothed sync error
package engine

import (
	"math"
	"time"
)

// CorrectorConfig tunes the correction feedback loop
type CorrectorConfig struct {
	SampleRate int
	// DeadBand is the error magnitude below which no correction runs
	DeadBand time.Duration
	// Window is the target time to converge the current error to zero
	Window time.Duration
	// MaxRate caps corrections as a fraction of the sample rate (playback
	// speed deviation); 0.04 means at most ±4% speed variation
	MaxRate float64
	// HardLimit is the error magnitude beyond which micro-correction
	// cannot converge acceptably and a re-anchor is demanded instead
	HardLimit time.Duration
	// ErrorNoise is the expected jitter of a single error measurement (μs)
	ErrorNoise float64
}

// DefaultCorrectorConfig returns the tuning for the fixed device format
func DefaultCorrectorConfig(sampleRate int) CorrectorConfig {
	return CorrectorConfig{
		SampleRate: sampleRate,
		DeadBand:   2 * time.Millisecond,
		Window:     2 * time.Second,
		MaxRate:    0.04,
		HardLimit:  500 * time.Millisecond,
		ErrorNoise: 5000, // 5ms
	}
}

// CorrectionPlan is the cadence the render path applies: drop one frame
// every DropEveryN frames, or duplicate one every InsertEveryN. At most
// one of the two is non-zero.
type CorrectionPlan struct {
	DropEveryN   int
	InsertEveryN int
}

// Corrector turns smoothed sync error into bounded correction plans.
// It is a plain value type mutated only from the feed context; the render
// path consumes published plans through the engine's atomics.
type Corrector struct {
	cfg CorrectorConfig

	// 1-state recursive smoother over the raw error measurements
	errEst  float64
	errVar  float64
	primed  bool
	lastUs  int64
	samples int
}

// NewCorrector creates a corrector with the given tuning
func NewCorrector(cfg CorrectorConfig) Corrector {
	return Corrector{cfg: cfg, errVar: 1e10}
}

// Reset discards the smoothed error, as on a reanchor
func (c *Corrector) Reset() {
	c.errEst = 0
	c.errVar = 1e10
	c.primed = false
	c.lastUs = 0
	c.samples = 0
}

// Observe folds a raw sync error measurement (μs) into the smoothed
// estimate, weighting by measurement noise so single jittery samples do
// not swing the cadence
func (c *Corrector) Observe(errUs int64, nowUs int64) {
	m := float64(errUs)
	if !c.primed {
		c.errEst = m
		c.errVar = c.cfg.ErrorNoise * c.cfg.ErrorNoise
		c.primed = true
		c.lastUs = nowUs
		c.samples = 1
		return
	}

	dt := float64(nowUs-c.lastUs) / 1_000_000.0
	if dt < 0 {
		dt = 0
	}
	// The true error wanders with residual drift; let variance grow with time
	p := c.errVar + 100.0*dt
	r := c.cfg.ErrorNoise * c.cfg.ErrorNoise
	k := p / (p + r)
	c.errEst += k * (m - c.errEst)
	c.errVar = (1 - k) * p
	c.lastUs = nowUs
	c.samples++
}

// SmoothedErrorUs returns the current filtered sync error
func (c *Corrector) SmoothedErrorUs() int64 {
	return int64(c.errEst)
}

// Plan computes the correction cadence for the current smoothed error.
// reanchor is true when the error exceeds the hard limit and must be
// handled by the state machine instead of micro-correction.
//
// Positive error means the device timeline is ahead of the buffer cursor:
// frames are dropped to catch up. Negative error inserts duplicates to
// slow down.
func (c *Corrector) Plan() (plan CorrectionPlan, reanchor bool) {
	absErr := math.Abs(c.errEst)

	if absErr > float64(c.cfg.HardLimit.Microseconds()) {
		return CorrectionPlan{}, true
	}
	if absErr <= float64(c.cfg.DeadBand.Microseconds()) {
		return CorrectionPlan{}, false
	}

	framesError := absErr * float64(c.cfg.SampleRate) / 1_000_000.0
	perSec := framesError / c.cfg.Window.Seconds()

	maxPerSec := float64(c.cfg.SampleRate) * c.cfg.MaxRate
	if perSec > maxPerSec {
		perSec = maxPerSec
	}
	if perSec <= 0 {
		return CorrectionPlan{}, false
	}

	interval := int(float64(c.cfg.SampleRate) / perSec)
	if interval < 1 {
		interval = 1
	}

	if c.errEst > 0 {
		plan.DropEveryN = interval
	} else {
		plan.InsertEveryN = interval
	}
	return plan, false
}
