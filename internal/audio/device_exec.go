package audio

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDevice captures raw PCM from the stdout of a recorder command such as
// arecord or sox.
type ExecDevice struct {
	cmd   []string
	frame time.Duration
}

func NewExecDevice(command string, frameDuration time.Duration) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{cmd: args, frame: frameDuration}, nil
}

func (d *ExecDevice) Name() string { return "exec:" + d.cmd[0] }

func (d *ExecDevice) MinBufferSize(format Format) (int, error) {
	if d.frame <= 0 {
		return 0, fmt.Errorf("frame duration must be positive")
	}
	return format.BytesFor(d.frame), nil
}

func (d *ExecDevice) Open(_ Format, _ int) (io.ReadCloser, error) {
	command := exec.Command(d.cmd[0], d.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Start(); err != nil {
		return nil, err
	}
	return &processStream{cmd: command, stdout: stdout, stderr: &stderr}, nil
}

type processStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	once   sync.Once
}

func (p *processStream) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *processStream) Close() error {
	var err error
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		// Wait closes stdout and reaps the recorder.
		if werr := p.cmd.Wait(); werr != nil && p.stderr.Len() > 0 {
			err = fmt.Errorf("capture command: %w: %s", werr, p.stderr.String())
		}
	})
	return err
}
