package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-listen/internal/config"
)

var (
	ErrInitFailed     = errors.New("recognizer init failed")
	ErrNotInitialized = errors.New("recognizer not initialized")
	ErrNoStream       = errors.New("recognizer stream not started")
)

// Assets locates the decoding resources loaded by Init.
type Assets struct {
	ModelPath string
	Language  string
}

// Recognizer abstracts STT backends. Implementations are not safe for
// concurrent use; the owning session serializes every call.
type Recognizer interface {
	// Init loads decoding resources. A false result or error leaves the
	// recognizer unusable but never panics.
	Init(ctx context.Context, assets Assets) (bool, error)
	// StartStream resets decoder state for a new utterance.
	StartStream() error
	// Feed appends PCM16LE samples. It may do bounded synchronous work.
	Feed(pcm []byte) error
	// Partial returns the current best-effort transcript without finalizing.
	Partial() (string, error)
	// StopStream finalizes the utterance and leaves the recognizer ready for
	// another StartStream.
	StopStream() (string, error)
	// Destroy releases decoding resources. Idempotent.
	Destroy() error
}

// New returns the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(cfg.Script, 0), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func AssetsFromConfig(cfg config.STTConfig) Assets {
	return Assets{ModelPath: cfg.ModelPath, Language: cfg.Language}
}
