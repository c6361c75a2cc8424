// ABOUTME: Device clock calibration against the local monotonic clock
// ABOUTME: Maps hardware playback time to local time with a clamped slope
package timesync

import "sync"

// Slope clamp bounds to prevent wild extrapolation from noisy pairs
const (
	minDevicePerLocal = 0.999
	maxDevicePerLocal = 1.001
)

// DeviceClock maintains the mapping between the audio device's hardware
// playback clock (consumed-frame time) and the local clock. Samples are
// added from the device callback; both operations are O(1) and take the
// lock only for field copies.
type DeviceClock struct {
	mu sync.Mutex

	curDeviceUs  int64
	curLocalUs   int64
	prevDeviceUs int64
	prevLocalUs  int64
	samples      int
}

// NewDeviceClock creates an empty device clock
func NewDeviceClock() *DeviceClock {
	return &DeviceClock{}
}

// AddSample records a simultaneous (device, local) time pair
func (d *DeviceClock) AddSample(deviceUs, localUs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.samples > 0 && localUs <= d.curLocalUs {
		return
	}
	d.prevDeviceUs, d.prevLocalUs = d.curDeviceUs, d.curLocalUs
	d.curDeviceUs, d.curLocalUs = deviceUs, localUs
	d.samples++
}

// Calibrated reports whether at least one sample has been recorded
func (d *DeviceClock) Calibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samples > 0
}

// slopeLocked estimates device-time change per local-time change
func (d *DeviceClock) slopeLocked() float64 {
	if d.samples < 2 || d.curLocalUs == d.prevLocalUs {
		return 1.0
	}
	slope := float64(d.curDeviceUs-d.prevDeviceUs) / float64(d.curLocalUs-d.prevLocalUs)
	if slope < minDevicePerLocal {
		slope = minDevicePerLocal
	}
	if slope > maxDevicePerLocal {
		slope = maxDevicePerLocal
	}
	return slope
}

// LocalToDevice estimates the device time for a local timestamp.
// Returns ok=false before any sample has been recorded.
func (d *DeviceClock) LocalToDevice(localUs int64) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.samples == 0 {
		return 0, false
	}
	slope := d.slopeLocked()
	return d.curDeviceUs + int64(float64(localUs-d.curLocalUs)*slope), true
}

// DeviceToLocal estimates the local timestamp for a device time.
// Returns ok=false before any sample has been recorded.
func (d *DeviceClock) DeviceToLocal(deviceUs int64) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.samples == 0 {
		return 0, false
	}
	slope := d.slopeLocked()
	return d.curLocalUs + int64(float64(deviceUs-d.curDeviceUs)/slope), true
}

// Reset discards all calibration pairs
func (d *DeviceClock) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.curDeviceUs, d.curLocalUs = 0, 0
	d.prevDeviceUs, d.prevLocalUs = 0, 0
	d.samples = 0
}
