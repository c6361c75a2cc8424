// ABOUTME: Output driver abstraction for the playback engine
// ABOUTME: Drivers pull audio through a render callback on the device clock
package output

import (
	"github.com/chorus-audio/chorus-go/internal/audio"
)

// RenderFunc fills dst with exactly frames frames of interleaved PCM.
// deviceUs is the device hardware time at which the first frame of the
// block will play, derived from the driver's consumed-frame counter. It
// runs on the driver's audio thread and must not block.
type RenderFunc func(dst []byte, frames int, deviceUs int64)

// Driver is a playback output backend
type Driver interface {
	// Open initializes the device for the format and starts pulling
	// audio through render
	Open(format audio.Format, render RenderFunc) error

	// Errors delivers fatal device failures. The channel is closed on
	// Close. A device error ends the driver; it is not retried.
	Errors() <-chan error

	// Close stops the device and releases its resources
	Close() error
}

// New creates the named driver ("malgo" or "oto")
func New(name string) Driver {
	if name == "oto" {
		return NewOto()
	}
	return NewMalgo()
}
