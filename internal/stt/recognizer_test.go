package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func TestMockRecognizerPartialsGrow(t *testing.T) {
	rec := NewMockRecognizer("hello world", 320)
	if err := rec.StartStream(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	ok, err := rec.Init(context.Background(), Assets{})
	if err != nil || !ok {
		t.Fatalf("init: ok=%v err=%v", ok, err)
	}
	if err := rec.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}

	prev := ""
	for i := 0; i < 8; i++ {
		if err := rec.Feed(make([]byte, 320)); err != nil {
			t.Fatalf("feed: %v", err)
		}
		partial, err := rec.Partial()
		if err != nil {
			t.Fatalf("partial: %v", err)
		}
		if !strings.HasPrefix(partial, prev) {
			t.Fatalf("partial %q does not extend %q", partial, prev)
		}
		prev = partial
	}
	if prev != "hello wo" {
		t.Fatalf("unexpected partial %q", prev)
	}

	final, err := rec.StopStream()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final != "hello wo" {
		t.Fatalf("unexpected final %q", final)
	}
	if _, err := rec.StopStream(); !errors.Is(err, ErrNoStream) {
		t.Fatalf("expected no stream, got %v", err)
	}

	// Reusable after stop.
	if err := rec.StartStream(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if partial, _ := rec.Partial(); partial != "" {
		t.Fatalf("expected reset partial, got %q", partial)
	}
	if err := rec.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := rec.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestNewSelectsMode(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected unsupported mode error")
	}
	if _, err := New(config.STTConfig{Mode: "exec", Command: " "}); err == nil {
		t.Fatal("expected empty command error")
	}
}

const fakeDecoder = `#!/bin/sh
partial=0
for arg in "$@"; do
  if [ "$arg" = "--partial" ]; then partial=1; fi
done
if [ "$partial" = "1" ]; then
  echo '{"text":"hello","confidence":0.4}'
else
  echo '{"text":"hello world","confidence":0.9}'
fi
`

func newExecForTest(t *testing.T) *execRecognizer {
	t.Helper()
	script := filepath.Join(t.TempDir(), "decode.sh")
	if err := os.WriteFile(script, []byte(fakeDecoder), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	rec, err := NewExecRecognizer(config.STTConfig{
		Mode:           "exec",
		Command:        "sh " + script,
		PartialEveryMS: 500,
		TimeoutMS:      5000,
	})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	return rec.(*execRecognizer)
}

func TestExecRecognizerPartialAndFinal(t *testing.T) {
	rec := newExecForTest(t)
	now := time.Unix(0, 0)
	rec.now = func() time.Time { return now }

	if ok, err := rec.Init(context.Background(), Assets{Language: "en"}); err != nil || !ok {
		t.Fatalf("init: ok=%v err=%v", ok, err)
	}
	if err := rec.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if partial, err := rec.Partial(); err != nil || partial != "" {
		t.Fatalf("expected empty partial before audio, got %q err=%v", partial, err)
	}
	if err := rec.Feed(make([]byte, 640)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	partial, err := rec.Partial()
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if partial != "hello" {
		t.Fatalf("unexpected partial %q", partial)
	}

	// Within the interval the cached partial is returned without decoding.
	_ = rec.Feed(make([]byte, 640))
	rec.cmd = []string{"false"}
	if partial, err := rec.Partial(); err != nil || partial != "hello" {
		t.Fatalf("expected cached partial, got %q err=%v", partial, err)
	}

	now = now.Add(time.Second)
	if _, err := rec.Partial(); err == nil {
		t.Fatal("expected decode error once the interval elapsed")
	}
}

func TestExecRecognizerFinal(t *testing.T) {
	rec := newExecForTest(t)
	if ok, err := rec.Init(context.Background(), Assets{}); err != nil || !ok {
		t.Fatalf("init: ok=%v err=%v", ok, err)
	}
	if err := rec.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rec.Feed(make([]byte, 3200)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	final, err := rec.StopStream()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final != "hello world" {
		t.Fatalf("unexpected final %q", final)
	}

	if err := rec.StartStream(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if final, err := rec.StopStream(); err != nil || final != "" {
		t.Fatalf("expected empty final for silent stream, got %q err=%v", final, err)
	}
}

func TestExecRecognizerInitFailures(t *testing.T) {
	rec, err := NewExecRecognizer(config.STTConfig{Mode: "exec", Command: "definitely-not-a-decoder-binary"})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	ok, err := rec.Init(context.Background(), Assets{})
	if ok || !errors.Is(err, ErrInitFailed) {
		t.Fatalf("expected init failure, got ok=%v err=%v", ok, err)
	}

	rec = newExecForTest(t)
	ok, err = rec.Init(context.Background(), Assets{ModelPath: filepath.Join(t.TempDir(), "missing.bin")})
	if ok || !errors.Is(err, ErrInitFailed) {
		t.Fatalf("expected init failure for missing model, got ok=%v err=%v", ok, err)
	}
	if err := rec.StartStream(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized after failed init, got %v", err)
	}
}

// sizeDecoder reports the byte size of the WAV it was handed.
const sizeDecoder = `#!/bin/sh
audio=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--audio" ]; then audio="$2"; fi
  shift
done
size=$(wc -c < "$audio" | tr -d ' ')
echo "{\"text\":\"$size\"}"
`

func TestExecRecognizerPartialWindowIsBounded(t *testing.T) {
	script := filepath.Join(t.TempDir(), "size.sh")
	if err := os.WriteFile(script, []byte(sizeDecoder), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	r, err := NewExecRecognizer(config.STTConfig{
		Mode:            "exec",
		Command:         "sh " + script,
		PartialEveryMS:  100,
		PartialWindowMS: 100,
		TimeoutMS:       5000,
	})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	rec := r.(*execRecognizer)
	now := time.Unix(0, 0)
	rec.now = func() time.Time { return now }

	if ok, err := rec.Init(context.Background(), Assets{}); err != nil || !ok {
		t.Fatalf("init: ok=%v err=%v", ok, err)
	}
	if err := rec.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}

	const chunk = 3200 // 100ms of 16kHz mono PCM16
	const wavHeader = 44
	for i := 0; i < 10; i++ {
		if err := rec.Feed(make([]byte, chunk)); err != nil {
			t.Fatalf("feed: %v", err)
		}
		now = now.Add(200 * time.Millisecond)
		partial, err := rec.Partial()
		if err != nil {
			t.Fatalf("partial %d: %v", i, err)
		}
		size, err := strconv.Atoi(partial)
		if err != nil {
			t.Fatalf("partial %d: unexpected text %q", i, partial)
		}
		if size > chunk+wavHeader {
			t.Fatalf("partial %d decoded %d bytes, want at most %d", i, size, chunk+wavHeader)
		}
	}

	final, err := rec.StopStream()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if size, err := strconv.Atoi(final); err != nil || size < 10*chunk {
		t.Fatalf("final should decode the whole utterance, got %q", final)
	}
}
