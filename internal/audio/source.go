package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
)

// Device is the hardware (or stand-in) a Source pulls PCM from.
type Device interface {
	Name() string
	// MinBufferSize reports the smallest buffer the device can fill for format.
	MinBufferSize(format Format) (int, error)
	// Open starts the device. Closing the returned stream must unblock a
	// pending Read.
	Open(format Format, bufferSize int) (io.ReadCloser, error)
}

type Options struct {
	BufferFactor int
	Logger       *slog.Logger
}

// Source pumps a device stream through a blocking ring buffer and hands out
// frames on demand. ReadNext is meant to be called from a single capture loop.
type Source struct {
	device     string
	stream     io.ReadCloser
	ring       *ringbuffer.RingBuffer
	bufferSize int
	sequence   int
	log        *slog.Logger

	pumpDone  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

const pumpJoinTimeout = 2 * time.Second

// Open validates permission, format and buffer sizing, then starts the device.
func Open(dev Device, allow Permission, format Format, opts Options) (*Source, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: no device configured", ErrDeviceUnavailable)
	}
	if allow == nil || !allow() {
		return nil, ErrPermissionDenied
	}
	if !format.Supported() {
		return nil, fmt.Errorf("%w: unsupported format %+v", ErrDeviceUnavailable, format)
	}
	minSize, err := dev.MinBufferSize(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBufferSize, err)
	}
	if minSize <= 0 {
		return nil, fmt.Errorf("%w: device %s reported %d", ErrInvalidBufferSize, dev.Name(), minSize)
	}
	factor := opts.BufferFactor
	if factor <= 0 {
		factor = BufferSizeFactor
	}
	bufferSize := minSize * factor

	stream, err := dev.Open(format, bufferSize)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, dev.Name(), err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Source{
		device:     dev.Name(),
		stream:     stream,
		ring:       ringbuffer.New(bufferSize).SetBlocking(true),
		bufferSize: bufferSize,
		log:        log.With(slog.String("component", "audio-source"), slog.String("device", dev.Name())),
		pumpDone:   make(chan struct{}),
	}
	go s.pump(minSize)
	s.log.Debug("audio source opened", slog.Int("buffer_size", bufferSize))
	return s, nil
}

func (s *Source) BufferSize() int { return s.bufferSize }

func (s *Source) Device() string { return s.device }

func (s *Source) pump(chunkSize int) {
	defer close(s.pumpDone)
	chunk := make([]byte, chunkSize)
	for {
		n, err := s.stream.Read(chunk)
		if n > 0 {
			// Blocks while the ring is full; the device backs up instead of dropping audio.
			if _, werr := s.ring.Write(chunk[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.ring.CloseWriter()
			} else {
				s.ring.CloseWithError(fmt.Errorf("%w: read %s: %v", ErrDeviceUnavailable, s.device, err))
			}
			return
		}
	}
}

// ReadNext blocks until PCM is available and returns whatever one read cycle
// produced. It returns io.EOF when the device stream ended, ErrSourceClosed
// after Close, and a wrapped ErrDeviceUnavailable on device failure.
func (s *Source) ReadNext() (Frame, error) {
	for {
		if s.closed.Load() {
			return Frame{}, ErrSourceClosed
		}
		data := make([]byte, s.bufferSize)
		n, err := s.ring.Read(data)
		if n > 0 {
			s.sequence++
			return Frame{Data: data[:n], Sequence: s.sequence, Captured: time.Now()}, nil
		}
		if err == nil {
			continue
		}
		if s.closed.Load() {
			return Frame{}, ErrSourceClosed
		}
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
}

// Close stops the device and releases it. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ring.CloseWithError(ErrSourceClosed)
		s.closeErr = s.stream.Close()
		select {
		case <-s.pumpDone:
		case <-time.After(pumpJoinTimeout):
			s.log.Warn("audio pump did not exit after close")
		}
		s.log.Debug("audio source closed")
	})
	return s.closeErr
}
