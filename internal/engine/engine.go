// ABOUTME: Time-synchronized playback engine
// ABOUTME: Reconciles the session timeline with the device clock on the render path
package engine

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chorus-audio/chorus-go/internal/audio"
	"github.com/chorus-audio/chorus-go/internal/timesync"
)

// ErrDeviceFailed reports a fatal audio device I/O failure. The engine
// instance is dead; the caller decides whether to create a new one.
var ErrDeviceFailed = errors.New("audio device failure")

// Config holds engine tuning. Zero fields take defaults.
type Config struct {
	Format audio.Format

	// BlockFrames is the expected device callback size in frames
	BlockFrames int

	// MinLead is the buffered lead required before leaving Initializing
	MinLead time.Duration

	// StartLead is the buffered lead targeted before audible playback
	StartLead time.Duration

	// MaxTimestampSkew bounds how far a chunk timestamp may sit from the
	// estimated session time before the chunk is considered malformed
	MaxTimestampSkew time.Duration

	// ReanchorCooldown is the minimum spacing between reanchor events
	ReanchorCooldown time.Duration

	// MaxReanchors bounds reanchor retries before ErrSyncFailed
	MaxReanchors int

	// FadeDuration is the gain ramp applied when audio is cut
	FadeDuration time.Duration

	// StaticDelay is the initial static delay offset
	StaticDelay time.Duration

	// Volume is the initial volume level 0-100
	Volume int

	Filter    timesync.FilterConfig
	Corrector CorrectorConfig
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate == 0 {
		c.Format = audio.DefaultFormat()
	}
	if c.BlockFrames == 0 {
		c.BlockFrames = 2048 // ~46ms at 44.1kHz
	}
	if c.MinLead == 0 {
		c.MinLead = 100 * time.Millisecond
	}
	if c.StartLead == 0 {
		c.StartLead = 200 * time.Millisecond
	}
	if c.MaxTimestampSkew == 0 {
		c.MaxTimestampSkew = time.Hour
	}
	if c.ReanchorCooldown == 0 {
		c.ReanchorCooldown = 5 * time.Second
	}
	if c.MaxReanchors == 0 {
		c.MaxReanchors = 5
	}
	if c.FadeDuration == 0 {
		c.FadeDuration = 10 * time.Millisecond
	}
	if c.Volume == 0 {
		c.Volume = 100
	}
	if c.Filter.MeasurementNoise == 0 {
		c.Filter = timesync.DefaultFilterConfig()
	}
	if c.Corrector.SampleRate == 0 {
		c.Corrector = DefaultCorrectorConfig(c.Format.SampleRate)
	}
	return c
}

// Status is the engine view exposed to the control surface
type Status struct {
	State       State
	SyncErrorMs float64
	Lead        time.Duration
	Volume      int
	Muted       bool
	StaticDelay time.Duration
	Reanchors   int

	FramesDropped  int64
	FramesInserted int64
	Buffer         BufferStats
	Clock          timesync.Stats

	Err error
}

// Engine is the time-synchronized playback core. The session feed calls
// EnqueueChunk/UpdateReference, the control surface calls the command
// methods, and the output driver calls Render once per device callback.
// The only state crossing the render boundary is the playback buffer, the
// clock filter (short read locks), and small atomic fields.
type Engine struct {
	cfg       Config
	frameSize int

	clock    *timesync.TimeFilter
	devClock *timesync.DeviceClock
	buf      *PlaybackBuffer
	machine  *Machine
	volume   *VolumeStage

	// Feed-context correction planning
	corrMu    sync.Mutex
	corrector Corrector

	// Command → render publication
	staticDelayUs atomic.Int64
	dropEveryN    atomic.Int32
	insertEveryN  atomic.Int32
	fadeFrames    atomic.Int32

	// Start gate, published by the feed, consumed by the render path
	startSet       atomic.Bool
	startSessionUs atomic.Int64
	startLocalUs   atomic.Int64

	// Render → feed measurement of raw sync error at the block boundary
	rawErrUs    atomic.Int64
	rawErrValid atomic.Bool

	framesDropped  atomic.Int64
	framesInserted atomic.Int64
	malformed      atomic.Int64

	lastReanchorUs  atomic.Int64
	underrunSinceUs atomic.Int64

	// pendingClear defers buffer/clock teardown until the render path has
	// played the fade tail out
	pendingClear atomic.Int32

	// Render-context only
	lastFrame   []byte
	scratch     []byte
	curDrop     int
	curInsert   int
	untilDrop   int
	untilInsert int

	errMu    sync.Mutex
	fatalErr error

	nowUs func() int64
}

// New creates an engine for the given configuration
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:       cfg,
		frameSize: cfg.Format.FrameSize(),
		clock:     timesync.NewTimeFilter(cfg.Filter),
		devClock:  timesync.NewDeviceClock(),
		buf:       NewPlaybackBuffer(cfg.Format),
		machine:   NewMachine(cfg.MaxReanchors),
		volume:    NewVolumeStage(cfg.Volume),
		corrector: NewCorrector(cfg.Corrector),
		nowUs:     func() int64 { return time.Now().UnixMicro() },
	}
	e.staticDelayUs.Store(cfg.StaticDelay.Microseconds())
	e.lastFrame = make([]byte, e.frameSize)
	// Room for the worst-case extra input consumed by drop corrections
	e.scratch = make([]byte, (cfg.BlockFrames+cfg.BlockFrames/8+1)*e.frameSize)
	return e
}

// ---------------------------------------------------------------------------
// Feed context

// EnqueueChunk validates a decoded chunk and inserts it into the playback
// buffer, then advances the sync feedback loop. Never called from the
// device callback.
func (e *Engine) EnqueueChunk(c audio.Chunk) error {
	if e.machine.Current() == StateStopped {
		return nil
	}
	if len(c.PCM) == 0 || len(c.PCM)%e.frameSize != 0 {
		e.malformed.Add(1)
		log.Printf("engine: dropping malformed chunk seq=%d (%d bytes)", c.Sequence, len(c.PCM))
		return nil
	}

	now := e.nowUs()

	// Reject absurd timestamps once a session time estimate exists
	if e.clock.GetStats().Samples > 0 {
		skew := c.TimestampUs - e.clock.LocalToSession(now)
		if skew > e.cfg.MaxTimestampSkew.Microseconds() || skew < -e.cfg.MaxTimestampSkew.Microseconds() {
			e.malformed.Add(1)
			log.Printf("engine: dropping chunk seq=%d with absurd timestamp (skew %dμs)", c.Sequence, skew)
			return nil
		}
	}

	// Static delay shifts the intended play time of chunks from here on;
	// already-buffered audio is never reflowed
	c.TimestampUs += e.staticDelayUs.Load()

	e.buf.Enqueue(c)

	if !e.startSet.Load() {
		e.publishStart(c.TimestampUs)
	}

	switch e.machine.Current() {
	case StateInitializing:
		if e.clock.Valid() && e.buf.Lead() >= e.cfg.MinLead {
			e.machine.Apply(EventCalibrated)
			log.Printf("engine: calibrated, waiting for start (lead=%v)", e.buf.Lead())
		}

	case StatePlaying:
		if e.rawErrValid.Load() {
			e.corrMu.Lock()
			e.corrector.Observe(e.rawErrUs.Load(), now)
			plan, reanchor := e.corrector.Plan()
			errUs := e.corrector.SmoothedErrorUs()
			e.corrMu.Unlock()

			if reanchor {
				if err := e.beginReanchor("sync error beyond hard threshold", errUs); err != nil {
					return err
				}
			} else {
				e.dropEveryN.Store(int32(plan.DropEveryN))
				e.insertEveryN.Store(int32(plan.InsertEveryN))
			}
		}
	}

	return e.fatal()
}

// UpdateReference folds a correlated (session, local) clock sample into
// the filter and refreshes anything derived from the mapping.
func (e *Engine) UpdateReference(sessionUs, localUs int64) {
	e.clock.UpdateReference(sessionUs, localUs)

	switch e.machine.Current() {
	case StateInitializing:
		if e.clock.Valid() && e.buf.Lead() >= e.cfg.MinLead {
			e.machine.Apply(EventCalibrated)
		}

	case StateWaitingForStart:
		// Keep the scheduled start aligned as the mapping improves, but
		// only when it moves enough to matter
		if e.startSet.Load() {
			updated := e.clock.SessionToLocal(e.startSessionUs.Load())
			if delta := updated - e.startLocalUs.Load(); delta > 5000 || delta < -5000 {
				e.startLocalUs.Store(updated)
			}
		}

	case StateReanchoring:
		e.maybeFinishReanchor()
	}
}

// HealthCheck runs the periodic calibration validity watch from the feed
// context. It returns ErrSyncFailed or ErrDeviceFailed once fatal.
func (e *Engine) HealthCheck() error {
	switch e.machine.Current() {
	case StateWaitingForStart:
		if !e.clock.Valid() {
			if err := e.beginReanchor("calibration invalid", 0); err != nil {
				return err
			}
		}
	case StatePlaying:
		if !e.clock.Valid() {
			if err := e.beginReanchor("calibration invalid", 0); err != nil {
				return err
			}
			break
		}
		if err := e.checkUnderrun(); err != nil {
			return err
		}
	case StateReanchoring:
		e.maybeFinishReanchor()
	}
	return e.fatal()
}

// underrunGrace is how long playback may run dry before the engine gives
// up on the current anchor and resynchronizes.
const underrunGrace = time.Second

func (e *Engine) checkUnderrun() error {
	if e.buf.Lead() > 0 {
		e.underrunSinceUs.Store(0)
		return nil
	}
	now := e.nowUs()
	since := e.underrunSinceUs.Load()
	if since == 0 {
		e.underrunSinceUs.Store(now)
		return nil
	}
	if now-since < underrunGrace.Microseconds() {
		return nil
	}
	e.underrunSinceUs.Store(0)
	return e.beginReanchor("sustained underrun", 0)
}

func (e *Engine) publishStart(sessionUs int64) {
	e.startSessionUs.Store(sessionUs)
	e.startLocalUs.Store(e.clock.SessionToLocal(sessionUs))
	e.startSet.Store(true)
}

// beginReanchor transitions to Reanchoring: fade out, then discard the
// clock mapping and buffered audio and wait for recalibration.
func (e *Engine) beginReanchor(reason string, errUs int64) error {
	now := e.nowUs()
	if last := e.lastReanchorUs.Load(); last != 0 && now-last < e.cfg.ReanchorCooldown.Microseconds() {
		return nil
	}

	state, err := e.machine.Apply(EventSyncLost)
	if state != StateReanchoring {
		return err
	}
	e.lastReanchorUs.Store(now)

	log.Printf("engine: reanchoring (%s, error=%.1fms, attempt %d)",
		reason, float64(errUs)/1000.0, e.machine.ReanchorCount())

	// Let the render path ramp the current audio down before it goes away
	e.fadeFrames.Store(int32(e.cfg.Format.DurationToFrames(e.cfg.FadeDuration)))
	e.dropEveryN.Store(0)
	e.insertEveryN.Store(0)
	e.rawErrValid.Store(false)
	e.startSet.Store(false)

	e.corrMu.Lock()
	e.corrector.Reset()
	e.corrMu.Unlock()

	// The buffer and clock survive until the fade tail has rendered; the
	// render path performs the teardown
	e.pendingClear.Store(clearBufferAndClock)

	if err != nil {
		e.recordFatal(err)
	}
	return err
}

// maybeFinishReanchor leaves Reanchoring once the fade has rendered, the
// stale state is gone, and calibration is valid again
func (e *Engine) maybeFinishReanchor() {
	if e.fadeFrames.Load() > 0 || e.pendingClear.Load() != clearNone || !e.clock.Valid() {
		return
	}
	if state, _ := e.machine.Apply(EventRecalibrated); state == StateWaitingForStart {
		log.Printf("engine: recalibrated, waiting for start")
	}
}

func (e *Engine) recordFatal(err error) {
	e.errMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.errMu.Unlock()
}

func (e *Engine) fatal() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.fatalErr
}

// ---------------------------------------------------------------------------
// Command context

// SetVolume sets the output level (0-100)
func (e *Engine) SetVolume(level int) { e.volume.SetLevel(level) }

// SetMuted sets the mute state; unmuting restores the stored level
func (e *Engine) SetMuted(muted bool) { e.volume.SetMuted(muted) }

// SetStaticDelay changes the delay applied to chunks enqueued from now
// on; already-buffered audio keeps its play times
func (e *Engine) SetStaticDelay(d time.Duration) {
	e.staticDelayUs.Store(d.Microseconds())
}

// StaticDelay returns the current static delay offset
func (e *Engine) StaticDelay() time.Duration {
	return time.Duration(e.staticDelayUs.Load()) * time.Microsecond
}

// ForceResync requests an explicit reanchor
func (e *Engine) ForceResync() error {
	return e.beginReanchor("resync requested", 0)
}

// Stop terminates playback. The render path observes the state within one
// callback and fades to silence rather than truncating mid-waveform.
func (e *Engine) Stop() {
	if state, _ := e.machine.Apply(EventStop); state == StateStopped {
		e.fadeFrames.Store(int32(e.cfg.Format.DurationToFrames(e.cfg.FadeDuration)))
		e.pendingClear.Store(clearBuffer)
	}
}

// Fail records a fatal device error and stops the engine
func (e *Engine) Fail(err error) {
	e.recordFatal(err)
	e.machine.Apply(EventStop)
	log.Printf("engine: fatal device error: %v", err)
}

// StateOf returns the authoritative playback state
func (e *Engine) StateOf() State { return e.machine.Current() }

// GetStatus returns a snapshot for the control surface
func (e *Engine) GetStatus() Status {
	e.corrMu.Lock()
	errUs := e.corrector.SmoothedErrorUs()
	e.corrMu.Unlock()

	return Status{
		State:          e.machine.Current(),
		SyncErrorMs:    float64(errUs) / 1000.0,
		Lead:           e.buf.Lead(),
		Volume:         e.volume.Level(),
		Muted:          e.volume.Muted(),
		StaticDelay:    e.StaticDelay(),
		Reanchors:      e.machine.ReanchorCount(),
		FramesDropped:  e.framesDropped.Load(),
		FramesInserted: e.framesInserted.Load(),
		Buffer:         e.buf.GetStats(),
		Clock:          e.clock.GetStats(),
		Err:            e.fatal(),
	}
}

// ---------------------------------------------------------------------------
// Render context (device callback)

// Render produces exactly frames frames of output for the device callback.
// deviceUs is the device hardware time (consumed-frame clock) at which the
// first frame of this block will play. Never blocks on I/O and never
// allocates beyond the engine's preallocated scratch.
func (e *Engine) Render(dst []byte, frames int, deviceUs int64) {
	dst = dst[:frames*e.frameSize]

	now := e.nowUs()
	e.devClock.AddSample(deviceUs, now)

	switch e.machine.Current() {
	case StateInitializing:
		zero(dst)

	case StateWaitingForStart:
		e.renderStartGate(dst, frames, deviceUs)

	case StatePlaying:
		e.measureSyncError(deviceUs)
		e.renderAudio(dst, frames)
		e.volume.Apply(dst)

	case StateReanchoring, StateStopped:
		e.renderFadeOut(dst, frames)
	}
}

// renderStartGate emits silence until the scheduled start, then arms
// playback exactly at the start boundary within the block
func (e *Engine) renderStartGate(dst []byte, frames int, deviceUs int64) {
	zero(dst)
	if !e.startSet.Load() {
		return
	}

	startDevice, ok := e.devClock.LocalToDevice(e.startLocalUs.Load())
	if !ok {
		return
	}

	blockEnd := deviceUs + e.cfg.Format.FramesToMicros(int64(frames))
	if blockEnd <= startDevice {
		return // not yet time
	}

	if e.buf.Lead() < e.cfg.StartLead {
		// Start time reached but not the lead target; hold in silence
		// until enough audio is queued to survive the ramp-up
		return
	}

	if deviceUs < startDevice {
		// Start lands inside this block: silence up to it, audio after
		silenceFrames := int(e.cfg.Format.MicrosToFrames(startDevice - deviceUs))
		if silenceFrames > frames {
			silenceFrames = frames
		}
		if state, _ := e.machine.Apply(EventStartReached); state != StatePlaying {
			return
		}
		rest := dst[silenceFrames*e.frameSize:]
		e.renderAudio(rest, frames-silenceFrames)
		e.volume.Apply(rest)
		return
	}

	// Late start: drop the stale head so the first audible frame is the
	// one that should be sounding now
	late := e.cfg.Format.MicrosToFrames(deviceUs - startDevice)
	e.buf.SkipFrames(late)
	if state, _ := e.machine.Apply(EventStartReached); state != StatePlaying {
		return
	}
	e.renderAudio(dst, frames)
	e.volume.Apply(dst)
}

// measureSyncError records the raw sync error at the block boundary: the
// session time that is sounding now versus the session time of the next
// frame the buffer will hand out
func (e *Engine) measureSyncError(deviceUs int64) {
	cursorUs, ok := e.buf.CursorSessionUs()
	if !ok {
		e.rawErrValid.Store(false)
		return
	}
	localUs, ok := e.devClock.DeviceToLocal(deviceUs)
	if !ok {
		e.rawErrValid.Store(false)
		return
	}
	e.rawErrUs.Store(e.clock.LocalToSession(localUs) - cursorUs)
	e.rawErrValid.Store(true)
}

// What applyPendingClear discards once the fade tail has rendered
const (
	clearNone int32 = iota
	clearBuffer
	clearBufferAndClock
)

func (e *Engine) applyPendingClear() {
	switch e.pendingClear.Swap(clearNone) {
	case clearBuffer:
		e.buf.Reset()
	case clearBufferAndClock:
		e.buf.Reset()
		e.clock.Reset()
	}
}

// renderFadeOut ramps the remaining audio to zero, then emits silence
func (e *Engine) renderFadeOut(dst []byte, frames int) {
	remaining := int(e.fadeFrames.Load())
	if remaining <= 0 {
		e.applyPendingClear()
		zero(dst)
		return
	}

	total := int(e.cfg.Format.DurationToFrames(e.cfg.FadeDuration))
	if total <= 0 {
		total = 1
	}

	span := frames
	if span > remaining {
		span = remaining
	}
	faded := dst[:span*e.frameSize]
	e.renderAudio(faded, span)
	e.volume.Apply(faded)

	startGain := float64(remaining) / float64(total)
	endGain := float64(remaining-span) / float64(total)
	applyFade(faded, e.frameSize, startGain, endGain)

	if span < frames {
		zero(dst[span*e.frameSize:])
	}
	if remaining == span {
		// Fade is fully rendered; now the stale state may go
		e.applyPendingClear()
	}
	e.fadeFrames.Store(int32(remaining - span))
}

// renderAudio fills dst from the buffer, applying the published drop or
// insert cadence so the stream is nudged back into alignment
func (e *Engine) renderAudio(dst []byte, frames int) {
	if frames <= 0 {
		return
	}

	drop := int(e.dropEveryN.Load())
	insert := int(e.insertEveryN.Load())

	// Reload cadence counters when the plan changes
	if drop != e.curDrop {
		e.curDrop = drop
		e.untilDrop = drop
	}
	if insert != e.curInsert {
		e.curInsert = insert
		e.untilInsert = insert
	}

	if drop == 0 && insert == 0 {
		e.buf.Read(dst, frames)
		copy(e.lastFrame, dst[(frames-1)*e.frameSize:])
		return
	}

	// Pass 1: walk the block to find how many input frames the cadence
	// will consume, so a single buffer read suffices
	drops, inserts := 0, 0
	d, ins := e.untilDrop, e.untilInsert
	for f := 0; f < frames; f++ {
		if drop > 0 {
			d--
			if d <= 0 {
				drops++
				d = drop
			}
		}
		if insert > 0 {
			ins--
			if ins <= 0 {
				inserts++
				ins = insert
			}
		}
	}

	inFrames := frames + drops - inserts
	if inFrames < 0 {
		inFrames = 0
	}
	if need := inFrames * e.frameSize; need > len(e.scratch) {
		// Callback asked for a larger block than configured; grow once
		e.scratch = make([]byte, need)
	}
	in := e.scratch[:inFrames*e.frameSize]
	if inFrames > 0 {
		e.buf.Read(in, inFrames)
	}

	// Pass 2: same walk, copying. A drop consumes one extra input frame;
	// an insert repeats the previous output frame without consuming.
	inPos := 0
	for f := 0; f < frames; f++ {
		dropped, inserted := false, false
		if drop > 0 {
			e.untilDrop--
			if e.untilDrop <= 0 {
				dropped = true
				e.untilDrop = drop
			}
		}
		if insert > 0 {
			e.untilInsert--
			if e.untilInsert <= 0 {
				inserted = true
				e.untilInsert = insert
			}
		}

		out := dst[f*e.frameSize : (f+1)*e.frameSize]
		switch {
		case inserted:
			copy(out, e.lastFrame)
			e.framesInserted.Add(1)
		case dropped:
			// Skip one input frame, emit the next
			inPos++
			if inPos < inFrames {
				copy(out, in[inPos*e.frameSize:(inPos+1)*e.frameSize])
			} else {
				copy(out, e.lastFrame)
			}
			inPos++
			e.framesDropped.Add(1)
			copy(e.lastFrame, out)
		default:
			if inPos < inFrames {
				copy(out, in[inPos*e.frameSize:(inPos+1)*e.frameSize])
			} else {
				zero(out)
			}
			inPos++
			copy(e.lastFrame, out)
		}
	}
}
