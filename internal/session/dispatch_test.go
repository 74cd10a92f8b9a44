package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

func TestDispatcherDropsOldestPartialOnly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var got []TranscriptEvent
	first := true
	sink := SinkFunc(func(ev TranscriptEvent) {
		if first {
			first = false
			close(started)
			<-release
		}
		got = append(got, ev)
	})

	d := newDispatcher(sink, 2, discardLogger(), nil)
	d.publish(TranscriptEvent{Kind: KindPartial, Text: "p1", Sequence: 1})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not start delivering")
	}

	for i := 2; i <= 5; i++ {
		d.publish(TranscriptEvent{Kind: KindPartial, Text: fmt.Sprintf("p%d", i), Sequence: uint64(i)})
	}
	d.publish(TranscriptEvent{Kind: KindFinal, Text: "final", Sequence: 6})
	d.publish(TranscriptEvent{Kind: KindPartial, Text: "late", Sequence: 7})
	close(release)
	d.close()

	var texts []string
	for _, ev := range got {
		texts = append(texts, ev.Text)
	}
	want := []string{"p1", "p5", "final", "late"}
	if fmt.Sprint(texts) != fmt.Sprint(want) {
		t.Fatalf("delivered %v, want %v", texts, want)
	}
	if d.Dropped() != 3 {
		t.Fatalf("expected 3 dropped partials, got %d", d.Dropped())
	}
}

func TestDispatcherNeverDropsTerminalEvents(t *testing.T) {
	release := make(chan struct{})
	var got []TranscriptEvent
	sink := SinkFunc(func(ev TranscriptEvent) {
		<-release
		got = append(got, ev)
	})

	drops := 0
	d := newDispatcher(sink, 1, discardLogger(), func() { drops++ })
	d.publish(TranscriptEvent{Kind: KindFinal, Text: "a"})
	d.publish(TranscriptEvent{Kind: KindError, Code: CodeDeviceUnavailable})
	d.publish(TranscriptEvent{Kind: KindFinal, Text: "b"})
	d.publish(TranscriptEvent{Kind: KindPartial, Text: "stale"})
	close(release)
	d.close()

	terminal := 0
	for _, ev := range got {
		if ev.Terminal() {
			terminal++
		}
	}
	if terminal != 3 {
		t.Fatalf("expected 3 terminal events, got %d (%v)", terminal, got)
	}
	if drops != int(d.Dropped()) {
		t.Fatalf("drop callback saw %d, counter %d", drops, d.Dropped())
	}
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	var delivered []string
	sink := SinkFunc(func(ev TranscriptEvent) {
		if ev.Text == "boom" {
			panic("sink failure")
		}
		delivered = append(delivered, ev.Text)
	})
	d := newDispatcher(sink, 4, discardLogger(), nil)
	d.publish(TranscriptEvent{Kind: KindPartial, Text: "boom"})
	d.publish(TranscriptEvent{Kind: KindFinal, Text: "ok"})
	d.close()
	d.publish(TranscriptEvent{Kind: KindFinal, Text: "after close"})

	if len(delivered) != 1 || delivered[0] != "ok" {
		t.Fatalf("unexpected deliveries %v", delivered)
	}
}

func TestMultiSinkDeliversInOrder(t *testing.T) {
	var order []string
	sink := MultiSink{
		SinkFunc(func(TranscriptEvent) { order = append(order, "a") }),
		nil,
		SinkFunc(func(TranscriptEvent) { order = append(order, "b") }),
	}
	sink.Deliver(TranscriptEvent{Kind: KindPartial})
	if fmt.Sprint(order) != "[a b]" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{fmt.Errorf("open: %w", audio.ErrPermissionDenied), CodePermissionDenied},
		{fmt.Errorf("open: %w", audio.ErrDeviceUnavailable), CodeDeviceUnavailable},
		{audio.ErrInvalidBufferSize, CodeInvalidBufferSize},
		{ErrRecognizerInitFailed, CodeRecognizerInitFailed},
		{fmt.Errorf("%w: empty", ErrInvalidArgument), CodeInvalidArgument},
		{ErrStateConflict, CodeStateConflict},
		{ErrClosed, CodeStateConflict},
		{fmt.Errorf("%w: feed", ErrRecognizer), CodeRecognizerFailed},
		{errors.New("other"), CodeUnknown},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
