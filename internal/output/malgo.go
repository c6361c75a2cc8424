// ABOUTME: Malgo-based callback output driver
// ABOUTME: Drives the render callback from the miniaudio playback thread
package output

import (
	"fmt"
	"log"
	"sync"

	"github.com/chorus-audio/chorus-go/internal/audio"
	"github.com/gen2brain/malgo"
)

// Malgo is a callback-driven output backend using malgo/miniaudio. The
// device clock is the count of frames handed to the hardware, converted
// to microseconds at the nominal sample rate.
type Malgo struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	format   audio.Format
	render   RenderFunc

	framesOut int64 // audio thread only

	errs     chan error
	errOnce  sync.Once
	closeMu  sync.Mutex
	closed   bool
}

// NewMalgo creates a malgo output driver
func NewMalgo() *Malgo {
	return &Malgo{
		errs: make(chan error, 1),
	}
}

// Open initializes the playback device and starts the callback
func (m *Malgo) Open(format audio.Format, render RenderFunc) error {
	if format.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth: %d (supported: 16)", format.BitDepth)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	m.malgoCtx = ctx
	m.format = format
	m.render = render

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			m.dataCallback(pOutput, int(frameCount))
		},
		Stop: func() {
			m.fail(fmt.Errorf("playback device stopped unexpectedly"))
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		m.teardownContext()
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		m.teardownContext()
		return fmt.Errorf("failed to start device: %w", err)
	}

	m.device = device
	log.Printf("Audio output initialized: %dHz, %d channels, %d-bit (malgo)",
		format.SampleRate, format.Channels, format.BitDepth)
	return nil
}

// dataCallback runs on the miniaudio playback thread
func (m *Malgo) dataCallback(pOutput []byte, frames int) {
	deviceUs := m.format.FramesToMicros(m.framesOut)
	m.render(pOutput, frames, deviceUs)
	m.framesOut += int64(frames)
}

// Errors delivers fatal device failures
func (m *Malgo) Errors() <-chan error {
	return m.errs
}

func (m *Malgo) fail(err error) {
	m.closeMu.Lock()
	closed := m.closed
	m.closeMu.Unlock()
	if closed {
		return // stop during Close is expected
	}
	m.errOnce.Do(func() {
		m.errs <- err
	})
}

// Close stops the device and releases malgo resources
func (m *Malgo) Close() error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	if m.device != nil {
		if err := m.device.Stop(); err != nil {
			log.Printf("Warning: device stop error: %v", err)
		}
		m.device.Uninit()
		m.device = nil
	}
	m.teardownContext()
	close(m.errs)
	return nil
}

func (m *Malgo) teardownContext() {
	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Printf("Warning: malgo context uninit error: %v", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
}
