package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer buffers fed audio and shells out to an external decoder.
// Partials decode at most once per PartialEveryMS and only see the trailing
// PartialWindowMS of audio, so their cost stays flat as the utterance grows.
// The final decode always covers the whole buffer.
type execRecognizer struct {
	cmd    []string
	cfg    config.STTConfig
	assets Assets
	now    func() time.Time

	initialized bool
	streaming   bool
	buffer      []byte
	partial     string
	decodedLen  int
	lastDecode  time.Time
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, now: time.Now}, nil
}

func (r *execRecognizer) Init(ctx context.Context, assets Assets) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	if assets.ModelPath != "" {
		if _, err := os.Stat(assets.ModelPath); err != nil {
			return false, fmt.Errorf("%w: model: %v", ErrInitFailed, err)
		}
	}
	r.assets = assets
	r.initialized = true
	return true, nil
}

func (r *execRecognizer) StartStream() error {
	if !r.initialized {
		return ErrNotInitialized
	}
	r.reset()
	r.streaming = true
	return nil
}

func (r *execRecognizer) Feed(pcm []byte) error {
	if !r.streaming {
		return ErrNoStream
	}
	r.buffer = append(r.buffer, pcm...)
	return nil
}

func (r *execRecognizer) Partial() (string, error) {
	if !r.streaming {
		return "", ErrNoStream
	}
	if r.cfg.PartialEveryMS <= 0 || len(r.buffer) == r.decodedLen {
		return r.partial, nil
	}
	now := r.now()
	if !r.lastDecode.IsZero() && now.Sub(r.lastDecode) < time.Duration(r.cfg.PartialEveryMS)*time.Millisecond {
		return r.partial, nil
	}
	r.lastDecode = now
	res, err := r.transcribe(r.partialWindow(), false)
	if err != nil {
		return r.partial, err
	}
	r.decodedLen = len(r.buffer)
	r.partial = res.Text
	return r.partial, nil
}

func (r *execRecognizer) StopStream() (string, error) {
	if !r.streaming {
		return "", ErrNoStream
	}
	defer func() {
		r.reset()
		r.streaming = false
	}()
	if len(r.buffer) == 0 {
		return "", nil
	}
	res, err := r.transcribe(r.buffer, true)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (r *execRecognizer) partialWindow() []byte {
	if r.cfg.PartialWindowMS <= 0 {
		return r.buffer
	}
	n := audio.DefaultFormat.BytesFor(time.Duration(r.cfg.PartialWindowMS) * time.Millisecond)
	if n <= 0 || len(r.buffer) <= n {
		return r.buffer
	}
	return r.buffer[len(r.buffer)-n:]
}

func (r *execRecognizer) Destroy() error {
	r.reset()
	r.streaming = false
	r.initialized = false
	return nil
}

func (r *execRecognizer) reset() {
	r.buffer = r.buffer[:0]
	r.partial = ""
	r.decodedLen = 0
	r.lastDecode = time.Time{}
}

func (r *execRecognizer) transcribe(pcm []byte, final bool) (execResult, error) {
	timeout := time.Duration(r.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, pcm, audio.DefaultFormat); err != nil {
		return execResult{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.assets.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.assets.ModelPath)
	}
	if r.assets.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.assets.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}
