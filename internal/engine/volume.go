// ABOUTME: Software volume stage with perceptual power curve
// ABOUTME: Applies gain and mute to 16-bit PCM blocks in place
package engine

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// volumeExponent shapes the level→gain curve so perceived loudness scales
// roughly linearly across 0-100 (gentler at high levels than linear gain)
const volumeExponent = 1.5

// VolumeStage holds the level and mute state. Commands store small atomic
// fields; the render path reads them once per block.
type VolumeStage struct {
	level atomic.Int32
	muted atomic.Bool
}

// NewVolumeStage creates a stage at the given initial level
func NewVolumeStage(level int) *VolumeStage {
	v := &VolumeStage{}
	v.SetLevel(level)
	return v
}

// SetLevel sets the volume level, clamped to 0-100
func (v *VolumeStage) SetLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	v.level.Store(int32(level))
}

// Level returns the stored level; it survives mute/unmute unchanged
func (v *VolumeStage) Level() int {
	return int(v.level.Load())
}

// SetMuted sets the mute state without touching the stored level
func (v *VolumeStage) SetMuted(muted bool) {
	v.muted.Store(muted)
}

// Muted returns the mute state
func (v *VolumeStage) Muted() bool {
	return v.muted.Load()
}

// Gain returns the effective linear gain for the current state
func (v *VolumeStage) Gain() float64 {
	return gainFor(v.Level(), v.Muted())
}

// gainFor maps a 0-100 level through the power curve; mute forces zero
func gainFor(level int, muted bool) float64 {
	if muted || level <= 0 {
		return 0
	}
	if level >= 100 {
		return 1
	}
	return math.Pow(float64(level)/100.0, volumeExponent)
}

// Apply scales a block of 16-bit LE PCM in place by the current gain
func (v *VolumeStage) Apply(pcm []byte) {
	applyGain(pcm, v.Gain())
}

// applyGain scales 16-bit LE samples in place. Gain 1 is a no-op so that
// full volume is bit-identical to the input; gain 0 zero-fills.
func applyGain(pcm []byte, gain float64) {
	if gain == 1 {
		return
	}
	if gain == 0 {
		zero(pcm)
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		scaled := float64(s) * gain
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		}
		if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(scaled)))
	}
}

// applyFade ramps the block linearly from startGain to endGain across its
// frames; used when entering a reanchor so the cut is not audible as a click
func applyFade(pcm []byte, frameSize int, startGain, endGain float64) {
	frames := len(pcm) / frameSize
	if frames == 0 {
		return
	}
	for f := 0; f < frames; f++ {
		g := startGain + (endGain-startGain)*float64(f)/float64(frames)
		applyGain(pcm[f*frameSize:(f+1)*frameSize], g)
	}
}
