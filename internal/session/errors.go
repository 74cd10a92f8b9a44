package session

import (
	"errors"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

// ErrorCode is the machine-readable reason carried on replies and error events.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "INTERNAL"
	CodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	CodeDeviceUnavailable    ErrorCode = "DEVICE_UNAVAILABLE"
	CodeInvalidBufferSize    ErrorCode = "INVALID_BUFFER_SIZE"
	CodeRecognizerInitFailed ErrorCode = "RECOGNIZER_INIT_FAILED"
	CodeInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	CodeStateConflict        ErrorCode = "SESSION_STATE_CONFLICT"
	CodeRecognizerFailed     ErrorCode = "RECOGNIZER_FAILED"
)

var (
	ErrRecognizerInitFailed = errors.New("recognizer init failed")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrStateConflict        = errors.New("session state conflict")
	ErrClosed               = errors.New("session closed")
	// ErrRecognizer marks a recognizer failure during an active stream.
	ErrRecognizer = errors.New("recognizer failure")
)

// Code classifies err into its wire code.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	case errors.Is(err, audio.ErrInvalidBufferSize):
		return CodeInvalidBufferSize
	case errors.Is(err, ErrRecognizerInitFailed), errors.Is(err, stt.ErrInitFailed):
		return CodeRecognizerInitFailed
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrClosed):
		return CodeStateConflict
	case errors.Is(err, ErrRecognizer):
		return CodeRecognizerFailed
	default:
		return CodeUnknown
	}
}
