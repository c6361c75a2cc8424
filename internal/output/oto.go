// ABOUTME: Oto-based pull output driver
// ABOUTME: Feeds the render callback through oto's io.Reader player
package output

import (
	"fmt"
	"log"
	"sync"

	"github.com/chorus-audio/chorus-go/internal/audio"
	"github.com/ebitengine/oto/v3"
)

// Oto is a pull-based output backend using oto. Oto reads PCM through an
// io.Reader; each Read is satisfied by the render callback, with the
// device clock derived from the frames handed out so far. Oto's internal
// buffering adds latency over the malgo driver, so malgo is the default.
type Oto struct {
	otoCtx *oto.Context
	player *oto.Player
	format audio.Format

	errs    chan error
	closeMu sync.Mutex
	closed  bool
}

// NewOto creates an oto output driver
func NewOto() *Oto {
	return &Oto{
		errs: make(chan error, 1),
	}
}

// Open initializes oto and starts the pull loop
func (o *Oto) Open(format audio.Format, render RenderFunc) error {
	if format.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth: %d (supported: 16)", format.BitDepth)
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.format = format
	o.player = ctx.NewPlayer(&renderReader{format: format, render: render})
	o.player.Play()

	log.Printf("Audio output initialized: %dHz, %d channels, %d-bit (oto)",
		format.SampleRate, format.Channels, format.BitDepth)
	return nil
}

// Errors delivers fatal device failures
func (o *Oto) Errors() <-chan error {
	return o.errs
}

// Close stops playback and suspends the oto context
func (o *Oto) Close() error {
	o.closeMu.Lock()
	defer o.closeMu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	if o.player != nil {
		if err := o.player.Close(); err != nil {
			log.Printf("Warning: oto player close error: %v", err)
		}
		o.player = nil
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
		o.otoCtx = nil
	}
	close(o.errs)
	return nil
}

// renderReader adapts the render callback to oto's io.Reader pull model
type renderReader struct {
	format    audio.Format
	render    RenderFunc
	framesOut int64
}

func (r *renderReader) Read(p []byte) (int, error) {
	frameSize := r.format.FrameSize()
	frames := len(p) / frameSize
	if frames == 0 {
		return 0, nil
	}

	deviceUs := r.format.FramesToMicros(r.framesOut)
	r.render(p[:frames*frameSize], frames, deviceUs)
	r.framesOut += int64(frames)
	return frames * frameSize, nil
}
