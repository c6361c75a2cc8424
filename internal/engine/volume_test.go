// ABOUTME: Tests for the software volume stage
// ABOUTME: Covers the power curve, mute semantics, and fade ramps
package engine

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestGainPowerCurve(t *testing.T) {
	cases := []struct {
		level int
		want  float64
	}{
		{0, 0},
		{100, 1},
		{50, math.Pow(0.5, 1.5)},
		{25, math.Pow(0.25, 1.5)},
	}
	for _, c := range cases {
		if got := gainFor(c.level, false); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("gainFor(%d) = %f, want %f", c.level, got, c.want)
		}
	}
}

func TestGainMonotonic(t *testing.T) {
	prev := -1.0
	for level := 0; level <= 100; level += 5 {
		g := gainFor(level, false)
		if g <= prev && level > 0 {
			t.Errorf("gain not strictly increasing at level %d", level)
		}
		prev = g
	}
}

func TestMutePreservesLevel(t *testing.T) {
	v := NewVolumeStage(70)
	v.SetMuted(true)
	if v.Gain() != 0 {
		t.Errorf("muted gain = %f, want 0", v.Gain())
	}
	if v.Level() != 70 {
		t.Errorf("level = %d while muted, want 70", v.Level())
	}
	v.SetMuted(false)
	if got := v.Gain(); math.Abs(got-gainFor(70, false)) > 1e-9 {
		t.Errorf("gain after unmute = %f", got)
	}
}

func TestLevelZeroEquivalentToMute(t *testing.T) {
	if gainFor(0, false) != gainFor(50, true) {
		t.Error("level 0 and mute should both yield zero gain")
	}
}

func TestLevelClamped(t *testing.T) {
	v := NewVolumeStage(150)
	if v.Level() != 100 {
		t.Errorf("level = %d, want clamp to 100", v.Level())
	}
	v.SetLevel(-5)
	if v.Level() != 0 {
		t.Errorf("level = %d, want clamp to 0", v.Level())
	}
}

func TestFullVolumeBitIdentical(t *testing.T) {
	pcm := []byte{0x34, 0x12, 0xCC, 0xED, 0xFF, 0x7F, 0x00, 0x80}
	orig := bytes.Clone(pcm)

	v := NewVolumeStage(100)
	v.Apply(pcm)
	if !bytes.Equal(pcm, orig) {
		t.Error("full volume altered samples")
	}

	// Mute then unmute at full volume: output identical again
	v.SetMuted(true)
	muted := bytes.Clone(orig)
	v.Apply(muted)
	if !bytes.Equal(muted, make([]byte, len(orig))) {
		t.Error("muted output is not silence")
	}
	v.SetMuted(false)
	restored := bytes.Clone(orig)
	v.Apply(restored)
	if !bytes.Equal(restored, orig) {
		t.Error("unmuted output not bit-identical to input")
	}
}

func TestApplyGainScalesAndClamps(t *testing.T) {
	pcm := make([]byte, 4)
	pos, neg := int16(10000), int16(-10000)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(pos))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(neg))

	applyGain(pcm, 0.5)
	if got := int16(binary.LittleEndian.Uint16(pcm[0:])); got != 5000 {
		t.Errorf("scaled sample = %d, want 5000", got)
	}
	if got := int16(binary.LittleEndian.Uint16(pcm[2:])); got != -5000 {
		t.Errorf("scaled sample = %d, want -5000", got)
	}

	// Gains above 1 must clamp, not wrap
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(30000)))
	applyGain(pcm, 1.5)
	if got := int16(binary.LittleEndian.Uint16(pcm[0:])); got != math.MaxInt16 {
		t.Errorf("clamped sample = %d, want %d", got, math.MaxInt16)
	}
}

func TestApplyFadeRampsToZero(t *testing.T) {
	const frames = 100
	frameSize := 2
	pcm := make([]byte, frames*frameSize)
	for f := 0; f < frames; f++ {
		binary.LittleEndian.PutUint16(pcm[f*frameSize:], uint16(int16(10000)))
	}

	applyFade(pcm, frameSize, 1.0, 0.0)

	first := int16(binary.LittleEndian.Uint16(pcm[0:]))
	if first != 10000 {
		t.Errorf("fade start = %d, want 10000", first)
	}
	last := int16(binary.LittleEndian.Uint16(pcm[(frames-1)*frameSize:]))
	if last < 0 || last > 200 {
		t.Errorf("fade end = %d, want near 0", last)
	}

	// Monotonically non-increasing magnitude
	prev := int16(math.MaxInt16)
	for f := 0; f < frames; f++ {
		s := int16(binary.LittleEndian.Uint16(pcm[f*frameSize:]))
		if s > prev {
			t.Fatalf("fade not monotonic at frame %d", f)
		}
		prev = s
	}
}
