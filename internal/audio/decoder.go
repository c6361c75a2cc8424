// ABOUTME: Audio chunk decoder
// ABOUTME: Converts pcm and opus payloads to 16-bit little-endian PCM
package audio

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Decoder converts codec payloads into raw 16-bit LE PCM bytes
type Decoder interface {
	Decode(data []byte) ([]byte, error)
	Close() error
}

// NewDecoder creates a decoder for the specified format
func NewDecoder(format Format) (Decoder, error) {
	switch format.Codec {
	case "pcm":
		return &PCMDecoder{frameSize: format.FrameSize()}, nil
	case "opus":
		return NewOpusDecoder(format)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", format.Codec)
	}
}

// PCMDecoder passes raw PCM through after validating alignment
type PCMDecoder struct {
	frameSize int
}

func (d *PCMDecoder) Decode(data []byte) ([]byte, error) {
	if len(data)%d.frameSize != 0 {
		return nil, fmt.Errorf("pcm payload not frame aligned: %d bytes (frame size %d)",
			len(data), d.frameSize)
	}
	return data, nil
}

func (d *PCMDecoder) Close() error {
	return nil
}

// OpusDecoder decodes Opus packets to PCM
type OpusDecoder struct {
	decoder *opus.Decoder
	format  Format
	pcm     []int16
}

// NewOpusDecoder creates an Opus decoder for the given format
func NewOpusDecoder(format Format) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusDecoder{
		decoder: dec,
		format:  format,
		// 120ms is the maximum opus frame duration
		pcm: make([]int16, format.SampleRate*format.Channels*120/1000),
	}, nil
}

func (d *OpusDecoder) Decode(data []byte) ([]byte, error) {
	n, err := d.decoder.Decode(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	samples := d.pcm[:n*d.format.Channels]
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (d *OpusDecoder) Close() error {
	return nil
}
