package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"golang.org/x/sync/errgroup"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	file       string
	script     string
	realtime   bool
	verbose    bool
}

func main() {
	var opts options
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&opts.configPath, "config", "", "Optional configuration file")
	transcribeCmd.StringVar(&opts.file, "file", "", "WAV file to transcribe (16 kHz mono PCM16)")
	transcribeCmd.StringVar(&opts.script, "script", "", "Transcript produced by the mock recognizer")
	transcribeCmd.BoolVar(&opts.realtime, "realtime", false, "Pace the file at its natural rate")
	transcribeCmd.BoolVar(&opts.verbose, "v", false, "Log session activity to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if opts.file == "" {
			fmt.Fprintln(os.Stderr, "-file is required")
			os.Exit(2)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runTranscribe(ctx, opts, os.Stdout)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTranscribe(ctx context.Context, opts options, out io.Writer) error {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Audio.Mode = "wav"
	cfg.Audio.File = opts.file
	cfg.Audio.Realtime = opts.realtime
	if opts.script != "" {
		cfg.STT.Script = opts.script
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return err
	}
	device, err := audio.NewDevice(cfg.Audio)
	if err != nil {
		return err
	}

	terminal := make(chan session.TranscriptEvent, 1)
	sink := session.SinkFunc(func(ev session.TranscriptEvent) {
		switch ev.Kind {
		case session.KindPartial:
			fmt.Fprintf(out, "partial: %s\n", ev.Text)
		case session.KindFinal:
			fmt.Fprintf(out, "final: %s\n", ev.Text)
		}
		if ev.Terminal() {
			select {
			case terminal <- ev:
			default:
			}
		}
	})

	sess, err := session.New(session.Options{
		Recognizer:   recognizer,
		Device:       device,
		Permission:   audio.PermissionFromConfig(cfg.Audio.MicrophonePermission),
		BufferFactor: cfg.Audio.BufferFactor,
		Sink:         sink,
		EventBuffer:  cfg.Session.EventBuffer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := sess.InitRecognizer(ctx, stt.AssetsFromConfig(cfg.STT)); err != nil {
		return err
	}
	if _, err := sess.StartRecording(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// The clip ends on its own; an interrupt stops it early.
	g.Go(func() error {
		select {
		case ev := <-terminal:
			cancel()
			if ev.Kind == session.KindError {
				return fmt.Errorf("transcription failed: %s: %s", ev.Code, ev.Message)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() == nil {
			return nil
		}
		if _, err := sess.StopRecording(context.Background()); err != nil && !errors.Is(err, session.ErrClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}
