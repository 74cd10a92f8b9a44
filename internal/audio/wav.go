package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes little-endian PCM16 as a WAV container.
func EncodeWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	channels := int(format.Channel)
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: format.SampleRate}}
	samples := make([]int, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, format.SampleRate, BitsPerSample, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV reads a WAV file and returns its samples as PCM16 bytes. Files
// that do not match format are rejected with ErrDeviceUnavailable.
func DecodeWAV(r io.ReadSeeker, format Format) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", ErrDeviceUnavailable)
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.NumChans) != int(format.Channel) || int(dec.BitDepth) != BitsPerSample {
		return nil, fmt.Errorf("%w: wav is %d Hz / %d ch / %d bit", ErrDeviceUnavailable, dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*BytesPerSample)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, nil
}

// WAVDevice replays a WAV file as if it were a microphone. With realtime set
// it releases one frame per frame duration.
type WAVDevice struct {
	path     string
	frame    time.Duration
	realtime bool
}

func NewWAVDevice(path string, frameDuration time.Duration, realtime bool) *WAVDevice {
	return &WAVDevice{path: path, frame: frameDuration, realtime: realtime}
}

func (d *WAVDevice) Name() string { return "wav:" + d.path }

func (d *WAVDevice) MinBufferSize(format Format) (int, error) {
	if d.frame <= 0 {
		return 0, fmt.Errorf("frame duration must be positive")
	}
	return format.BytesFor(d.frame), nil
}

func (d *WAVDevice) Open(format Format, _ int) (io.ReadCloser, error) {
	file, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	pcm, err := DecodeWAV(file, format)
	if err != nil {
		return nil, err
	}
	reader := &pacedReader{
		src:   bytes.NewReader(pcm),
		chunk: format.BytesFor(d.frame),
		done:  make(chan struct{}),
	}
	if d.realtime {
		reader.interval = d.frame
	}
	return reader, nil
}

type pacedReader struct {
	src      *bytes.Reader
	chunk    int
	interval time.Duration
	next     time.Time
	done     chan struct{}
	once     sync.Once
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if p.interval > 0 && !p.next.IsZero() {
		if wait := time.Until(p.next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-p.done:
				timer.Stop()
				return 0, io.ErrClosedPipe
			case <-timer.C:
			}
		}
	}
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	if p.chunk > 0 && len(b) > p.chunk {
		b = b[:p.chunk]
	}
	n, err := p.src.Read(b)
	if p.interval > 0 {
		p.next = time.Now().Add(p.interval)
	}
	return n, err
}

func (p *pacedReader) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
