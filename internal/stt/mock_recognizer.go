package stt

import (
	"context"
	"strings"
)

const (
	defaultMockScript       = "bought a cup of coffee for twenty five yuan today"
	defaultMockBytesPerRune = 1600
)

// mockRecognizer reveals a fixed script one rune per bytesPerRune of audio,
// so partial transcripts grow monotonically with the audio fed.
type mockRecognizer struct {
	script       []rune
	bytesPerRune int
	initialized  bool
	streaming    bool
	fed          int
}

func NewMockRecognizer(script string, bytesPerRune int) Recognizer {
	if strings.TrimSpace(script) == "" {
		script = defaultMockScript
	}
	if bytesPerRune <= 0 {
		bytesPerRune = defaultMockBytesPerRune
	}
	return &mockRecognizer{script: []rune(script), bytesPerRune: bytesPerRune}
}

func (m *mockRecognizer) Init(ctx context.Context, _ Assets) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.initialized = true
	return true, nil
}

func (m *mockRecognizer) StartStream() error {
	if !m.initialized {
		return ErrNotInitialized
	}
	m.fed = 0
	m.streaming = true
	return nil
}

func (m *mockRecognizer) Feed(pcm []byte) error {
	if !m.streaming {
		return ErrNoStream
	}
	m.fed += len(pcm)
	return nil
}

func (m *mockRecognizer) Partial() (string, error) {
	if !m.streaming {
		return "", ErrNoStream
	}
	return m.text(), nil
}

func (m *mockRecognizer) StopStream() (string, error) {
	if !m.streaming {
		return "", ErrNoStream
	}
	text := m.text()
	m.streaming = false
	m.fed = 0
	return text, nil
}

func (m *mockRecognizer) Destroy() error {
	m.initialized = false
	m.streaming = false
	m.fed = 0
	return nil
}

func (m *mockRecognizer) text() string {
	n := m.fed / m.bytesPerRune
	if n > len(m.script) {
		n = len(m.script)
	}
	return strings.TrimRight(string(m.script[:n]), " ")
}
