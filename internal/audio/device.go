package audio

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

// NewDevice builds the capture device selected by cfg.Mode.
func NewDevice(cfg config.AudioConfig) (Device, error) {
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	switch cfg.Mode {
	case "exec":
		return NewExecDevice(cfg.Command, frame)
	case "wav":
		return NewWAVDevice(cfg.File, frame, cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unsupported audio mode %q", cfg.Mode)
	}
}
