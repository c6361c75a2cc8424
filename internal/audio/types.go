// ABOUTME: Audio type definitions
// ABOUTME: Defines the fixed stream format and timestamped PCM chunks
package audio

import "time"

// Format describes an audio stream format
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is the fixed device format: 44.1kHz, 16-bit, stereo PCM
func DefaultFormat() Format {
	return Format{Codec: "pcm", SampleRate: 44100, Channels: 2, BitDepth: 16}
}

// FrameSize returns the size of one frame (all channels) in bytes
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the PCM data rate in bytes
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// FramesToDuration converts a frame count to wall duration
func (f Format) FramesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// DurationToFrames converts a duration to the nearest frame count
func (f Format) DurationToFrames(d time.Duration) int64 {
	return int64(d) * int64(f.SampleRate) / int64(time.Second)
}

// MicrosToFrames converts a microsecond timestamp to an absolute frame index
func (f Format) MicrosToFrames(us int64) int64 {
	return us * int64(f.SampleRate) / 1_000_000
}

// FramesToMicros converts an absolute frame index back to microseconds
func (f Format) FramesToMicros(frames int64) int64 {
	return frames * 1_000_000 / int64(f.SampleRate)
}

// Chunk is one timestamped unit of decoded PCM from the session layer.
// TimestampUs is the session-timeline play time of the first frame.
type Chunk struct {
	Sequence    uint64
	TimestampUs int64
	PCM         []byte
}

// Frames returns the number of frames in the chunk for the given format
func (c Chunk) Frames(f Format) int64 {
	return int64(len(c.PCM) / f.FrameSize())
}
