package audio

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

type pipeDevice struct {
	minSize int
	minErr  error
	openErr error
	reader  *io.PipeReader
	writer  *io.PipeWriter
	opened  int
	gotSize int
}

func newPipeDevice(minSize int) *pipeDevice {
	r, w := io.Pipe()
	return &pipeDevice{minSize: minSize, reader: r, writer: w}
}

func (d *pipeDevice) Name() string { return "pipe" }

func (d *pipeDevice) MinBufferSize(Format) (int, error) { return d.minSize, d.minErr }

func (d *pipeDevice) Open(_ Format, bufferSize int) (io.ReadCloser, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	d.gotSize = bufferSize
	return d.reader, nil
}

func TestOpenAppliesBufferFactor(t *testing.T) {
	dev := newPipeDevice(640)
	src, err := Open(dev, Granted, DefaultFormat, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	if src.BufferSize() != 640*BufferSizeFactor {
		t.Fatalf("expected buffer %d, got %d", 640*BufferSizeFactor, src.BufferSize())
	}
	if dev.gotSize != src.BufferSize() {
		t.Fatalf("device opened with %d, want %d", dev.gotSize, src.BufferSize())
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(newPipeDevice(640), Denied, DefaultFormat, Options{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	stereo := DefaultFormat
	stereo.Channel = ChannelStereo
	if _, err := Open(newPipeDevice(640), Granted, stereo, Options{}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable for stereo, got %v", err)
	}

	if _, err := Open(newPipeDevice(0), Granted, DefaultFormat, Options{}); !errors.Is(err, ErrInvalidBufferSize) {
		t.Fatalf("expected invalid buffer size, got %v", err)
	}

	dev := newPipeDevice(640)
	dev.minErr = errors.New("bad params")
	if _, err := Open(dev, Granted, DefaultFormat, Options{}); !errors.Is(err, ErrInvalidBufferSize) {
		t.Fatalf("expected invalid buffer size on min error, got %v", err)
	}

	dev = newPipeDevice(640)
	dev.openErr = errors.New("busy")
	if _, err := Open(dev, Granted, DefaultFormat, Options{}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
}

func TestReadNextForwardsShortReads(t *testing.T) {
	dev := newPipeDevice(640)
	src, err := Open(dev, Granted, DefaultFormat, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	short := bytes.Repeat([]byte{0x01, 0x00}, 50)
	go func() {
		_, _ = dev.writer.Write(short)
	}()

	frame, err := src.ReadNext()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Len() == 0 || frame.Len() > len(short) {
		t.Fatalf("unexpected frame length %d", frame.Len())
	}
	if frame.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", frame.Sequence)
	}
	got := append([]byte(nil), frame.Data...)
	for len(got) < len(short) {
		next, err := src.ReadNext()
		if err != nil {
			t.Fatalf("read remainder: %v", err)
		}
		got = append(got, next.Data...)
	}
	if !bytes.Equal(got, short) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadNextEndOfStream(t *testing.T) {
	dev := newPipeDevice(320)
	src, err := Open(dev, Granted, DefaultFormat, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	go func() {
		_, _ = dev.writer.Write(make([]byte, 320))
		_ = dev.writer.Close()
	}()

	total := 0
	for {
		frame, err := src.ReadNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		total += frame.Len()
	}
	if total != 320 {
		t.Fatalf("expected 320 bytes before EOF, got %d", total)
	}
}

func TestReadNextDeviceError(t *testing.T) {
	dev := newPipeDevice(320)
	src, err := Open(dev, Granted, DefaultFormat, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	_ = dev.writer.CloseWithError(errors.New("usb unplugged"))
	if _, err := src.ReadNext(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
}

func TestCloseUnblocksReadAndIsIdempotent(t *testing.T) {
	dev := newPipeDevice(320)
	src, err := Open(dev, Granted, DefaultFormat, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := src.ReadNext()
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrSourceClosed) {
			t.Fatalf("expected source closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by close")
	}
}

func TestFormatBytesFor(t *testing.T) {
	if got := DefaultFormat.BytesFor(20 * time.Millisecond); got != 640 {
		t.Fatalf("expected 640 bytes for 20ms, got %d", got)
	}
	frame := Frame{Data: make([]byte, 320)}
	if frame.Duration() != 10*time.Millisecond {
		t.Fatalf("expected 10ms frame, got %s", frame.Duration())
	}
}
