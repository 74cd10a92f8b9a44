// Package audio captures fixed-format PCM frames from a microphone device.
package audio

import (
	"errors"
	"time"
)

// Capture format. Fixed for every device and never negotiated per call.
const (
	SampleRate     = 16000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8

	// BufferSizeFactor multiplies the device minimum buffer size to absorb
	// scheduling jitter between the capture loop and the consumer.
	BufferSizeFactor = 2
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrInvalidBufferSize = errors.New("invalid audio buffer size")
	ErrSourceClosed      = errors.New("audio source closed")
)

type ChannelConfig int

const (
	ChannelMono   ChannelConfig = 1
	ChannelStereo ChannelConfig = 2
)

type Encoding int

const (
	EncodingPCM16 Encoding = iota + 1
	EncodingPCMFloat
)

// Format describes the sample layout requested from a device.
type Format struct {
	SampleRate int
	Channel    ChannelConfig
	Encoding   Encoding
}

// DefaultFormat is 16 kHz mono 16-bit signed little-endian PCM.
var DefaultFormat = Format{SampleRate: SampleRate, Channel: ChannelMono, Encoding: EncodingPCM16}

// Supported reports whether the format matches the capture contract.
func (f Format) Supported() bool {
	return f == DefaultFormat
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * int(f.Channel) * BytesPerSample
}

// BytesFor returns the sample-aligned byte count covering d.
func (f Format) BytesFor(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * int(f.Channel) * BytesPerSample
}

// Frame is one read cycle worth of PCM. Data may be shorter than the capture
// buffer when the device returned a short read.
type Frame struct {
	Data     []byte
	Sequence int
	Captured time.Time
}

func (f Frame) Len() int { return len(f.Data) }

// Duration approximates the audio time covered by the frame.
func (f Frame) Duration() time.Duration {
	bps := DefaultFormat.BytesPerSecond()
	return time.Duration(int64(len(f.Data)) * int64(time.Second) / int64(bps))
}

// Permission gates microphone access.
type Permission func() bool

func Granted() bool { return true }

func Denied() bool { return false }

// PermissionFromConfig maps the configured permission string to a gate.
func PermissionFromConfig(value string) Permission {
	if value == "granted" {
		return Granted
	}
	return Denied
}
