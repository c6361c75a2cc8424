// ABOUTME: Time-indexed jitter buffer for timestamped PCM chunks
// ABOUTME: Resolves gaps and overlaps at insertion, never at read time
package engine

import (
	"log"
	"sync"
	"time"

	"github.com/chorus-audio/chorus-go/internal/audio"
)

// bufferedRange is a contiguous run of PCM anchored at an absolute frame
// index on the session timeline
type bufferedRange struct {
	startFrame int64
	pcm        []byte
	silence    bool
}

func (r *bufferedRange) frames(frameSize int) int64 {
	return int64(len(r.pcm) / frameSize)
}

func (r *bufferedRange) endFrame(frameSize int) int64 {
	return r.startFrame + r.frames(frameSize)
}

// BufferStats counts buffer events for diagnostics
type BufferStats struct {
	ChunksQueued  int64
	ChunksStale   int64
	GapsFilled    int64
	GapFrames     int64
	OverlapFrames int64
	ReadGapFrames int64
}

// PlaybackBuffer holds timestamped PCM between the session feed and the
// device callback. The producer enqueues chunks; the callback drains
// frames. The invariant is a single sample value per play-time position:
// gaps are filled with silence and overlaps resolved when a chunk is
// inserted, so reads only ever copy.
//
// The lock guards in-memory slices only; neither side performs I/O or
// allocation proportional to buffer depth while holding it.
type PlaybackBuffer struct {
	mu     sync.Mutex
	format audio.Format

	ranges []bufferedRange

	// cursorFrame is the session-timeline frame index of the next frame
	// the consumer will read; unset until the first chunk arrives
	cursorFrame int64
	cursorSet   bool

	stats BufferStats
}

// NewPlaybackBuffer creates an empty buffer for the given format
func NewPlaybackBuffer(format audio.Format) *PlaybackBuffer {
	return &PlaybackBuffer{format: format}
}

// Enqueue inserts a chunk whose timestamp has already been adjusted by the
// static delay offset. Stale data (entirely behind the read cursor) is
// dropped; a leading gap is filled with silence; an overlap with buffered
// data keeps the newly arrived chunk's samples for the intersecting range.
func (b *PlaybackBuffer) Enqueue(c audio.Chunk) {
	frameSize := b.format.FrameSize()
	if len(c.PCM) == 0 || len(c.PCM)%frameSize != 0 {
		log.Printf("buffer: dropping misaligned chunk seq=%d (%d bytes)", c.Sequence, len(c.PCM))
		return
	}

	start := b.format.MicrosToFrames(c.TimestampUs)
	end := start + int64(len(c.PCM)/frameSize)
	pcm := c.PCM

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cursorSet {
		if end <= b.cursorFrame {
			// Entirely played out already
			b.stats.ChunksStale++
			return
		}
		if start < b.cursorFrame {
			// Head of the chunk is behind the cursor; keep the rest
			trim := (b.cursorFrame - start) * int64(frameSize)
			pcm = pcm[trim:]
			start = b.cursorFrame
		}
	}

	if len(b.ranges) == 0 {
		b.ranges = append(b.ranges, bufferedRange{startFrame: start, pcm: pcm})
		b.stats.ChunksQueued++
		if !b.cursorSet {
			b.cursorFrame = start
			b.cursorSet = true
		}
		return
	}

	tail := b.ranges[len(b.ranges)-1].endFrame(frameSize)

	switch {
	case start > tail:
		// Gap: fill with silence now so reads stay a pure copy
		gapFrames := start - tail
		b.ranges = append(b.ranges, bufferedRange{
			startFrame: tail,
			pcm:        make([]byte, gapFrames*int64(frameSize)),
			silence:    true,
		})
		b.stats.GapsFilled++
		b.stats.GapFrames += gapFrames
		log.Printf("buffer: gap of %v filled with silence before seq=%d",
			b.format.FramesToDuration(gapFrames), c.Sequence)

	case start < tail:
		// Overlap: the later-arriving chunk supersedes whatever is still
		// buffered for the intersecting range only. Anything buffered
		// beyond the chunk's end stays.
		overlap := min64(end, tail) - start
		b.spliceLocked(bufferedRange{startFrame: start, pcm: pcm})
		b.stats.OverlapFrames += overlap
		b.stats.ChunksQueued++
		log.Printf("buffer: overlap of %v superseded by seq=%d",
			b.format.FramesToDuration(overlap), c.Sequence)
		return
	}

	b.ranges = append(b.ranges, bufferedRange{startFrame: start, pcm: pcm})
	b.stats.ChunksQueued++
}

// spliceLocked overwrites the buffered interval covered by nr with nr's
// samples, splitting any partially-overlapped range so the data on either
// side survives
func (b *PlaybackBuffer) spliceLocked(nr bufferedRange) {
	frameSize := b.format.FrameSize()
	start := nr.startFrame
	end := nr.endFrame(frameSize)

	out := make([]bufferedRange, 0, len(b.ranges)+2)
	inserted := false
	for _, r := range b.ranges {
		rEnd := r.endFrame(frameSize)
		if rEnd <= start {
			out = append(out, r)
			continue
		}
		if r.startFrame >= end {
			if !inserted {
				out = append(out, nr)
				inserted = true
			}
			out = append(out, r)
			continue
		}
		if r.startFrame < start {
			head := r
			head.pcm = r.pcm[:(start-r.startFrame)*int64(frameSize)]
			out = append(out, head)
		}
		if !inserted {
			out = append(out, nr)
			inserted = true
		}
		if rEnd > end {
			rest := r
			rest.startFrame = end
			rest.pcm = r.pcm[(end-r.startFrame)*int64(frameSize):]
			out = append(out, rest)
		}
	}
	if !inserted {
		out = append(out, nr)
	}
	b.ranges = out
}

// Read copies exactly frames frames at the cursor into dst, advancing the
// cursor. Missing ranges come out as silence and set gap; silence-filled
// positions are final and never retried. Called from the device callback:
// no blocking, no allocation.
func (b *PlaybackBuffer) Read(dst []byte, frames int) (gap bool) {
	frameSize := b.format.FrameSize()
	need := frames * frameSize
	dst = dst[:need]

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cursorSet {
		zero(dst)
		return false
	}

	offset := 0
	for offset < need {
		if len(b.ranges) == 0 {
			zero(dst[offset:])
			missing := int64((need - offset) / frameSize)
			b.cursorFrame += missing
			b.stats.ReadGapFrames += missing
			return true
		}

		r := &b.ranges[0]
		if b.cursorFrame < r.startFrame {
			// Should not happen: insertion keeps ranges contiguous. Guard
			// by emitting silence up to the next range.
			span := int(min64(r.startFrame-b.cursorFrame, int64((need-offset)/frameSize)))
			zero(dst[offset : offset+span*frameSize])
			offset += span * frameSize
			b.cursorFrame += int64(span)
			b.stats.ReadGapFrames += int64(span)
			gap = true
			continue
		}

		skip := (b.cursorFrame - r.startFrame) * int64(frameSize)
		avail := len(r.pcm) - int(skip)
		if avail <= 0 {
			b.ranges = b.ranges[1:]
			continue
		}

		n := need - offset
		if n > avail {
			n = avail
		}
		copy(dst[offset:offset+n], r.pcm[skip:int(skip)+n])
		offset += n
		b.cursorFrame += int64(n / frameSize)

		if int(skip)+n >= len(r.pcm) {
			b.ranges = b.ranges[1:]
		}
	}
	return gap
}

// SkipFrames advances the cursor without producing output, discarding
// buffered audio. Used to catch up after a late start.
func (b *PlaybackBuffer) SkipFrames(frames int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cursorSet {
		return
	}
	b.cursorFrame += frames
	frameSize := b.format.FrameSize()
	for len(b.ranges) > 0 && b.ranges[0].endFrame(frameSize) <= b.cursorFrame {
		b.ranges = b.ranges[1:]
	}
}

// Lead returns how much audio is buffered ahead of the read cursor
func (b *PlaybackBuffer) Lead() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cursorSet || len(b.ranges) == 0 {
		return 0
	}
	end := b.ranges[len(b.ranges)-1].endFrame(b.format.FrameSize())
	if end <= b.cursorFrame {
		return 0
	}
	return b.format.FramesToDuration(end - b.cursorFrame)
}

// CursorSessionUs returns the session-timeline position of the next frame
// to be read, and whether the cursor has been established
func (b *PlaybackBuffer) CursorSessionUs() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cursorSet {
		return 0, false
	}
	return b.format.FramesToMicros(b.cursorFrame), true
}

// StartSessionUs returns the session time of the first buffered frame
func (b *PlaybackBuffer) StartSessionUs() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ranges) == 0 {
		return 0, false
	}
	return b.format.FramesToMicros(b.ranges[0].startFrame), true
}

// Reset discards all buffered audio and the cursor, as on a reanchor
func (b *PlaybackBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ranges = nil
	b.cursorFrame = 0
	b.cursorSet = false
}

// GetStats returns a snapshot of buffer counters
func (b *PlaybackBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
