package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Chunk is one read from the subprocess's stdout or stderr
type Chunk struct {
	Data   []byte
	Stderr bool
}

// Process is the subprocess adapter a Session consumes. Chunks is closed
// once both output streams reach EOF; Wait may only be called after that.
type Process interface {
	Chunks() <-chan Chunk
	Wait() (exitCode int, err error)
	Kill()
	Pid() int
}

// chunkBuffer bounds how far the readers may run ahead of the parser
const chunkBuffer = 64

// pipeCloseDelay is how long output may stay open after the process was
// killed. A descendant that left the process group can hold the pipes; they
// are closed after this delay so the session still finishes.
var pipeCloseDelay = 5 * time.Second

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	chunks chan Chunk
	pipes  []io.Closer
	eof    chan struct{}
	grace  time.Duration
}

// startProcess starts binary in dir and pumps its output onto a channel.
// Cancelling ctx or calling Kill terminates the process.
func startProcess(ctx context.Context, binary string, args []string, dir string, env []string) (*execProcess, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = env
	}
	configureKill(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	p := &execProcess{
		cmd:    cmd,
		cancel: cancel,
		chunks: make(chan Chunk, chunkBuffer),
		pipes:  []io.Closer{stdout, stderr},
		eof:    make(chan struct{}),
		grace:  pipeCloseDelay,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(&wg, stdout, false)
	go p.pump(&wg, stderr, true)
	go func() {
		wg.Wait()
		close(p.eof)
		close(p.chunks)
	}()
	go p.closeAfterKill(ctx)
	return p, nil
}

// closeAfterKill closes the output pipes when they are still open
// pipeCloseDelay after the process was killed
func (p *execProcess) closeAfterKill(ctx context.Context) {
	select {
	case <-p.eof:
		return
	case <-ctx.Done():
	}
	t := time.NewTimer(p.grace)
	defer t.Stop()
	select {
	case <-p.eof:
	case <-t.C:
		for _, c := range p.pipes {
			c.Close()
		}
	}
}

func (p *execProcess) pump(wg *sync.WaitGroup, r io.Reader, isStderr bool) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.chunks <- Chunk{Data: data, Stderr: isStderr}
		}
		if err != nil {
			return
		}
	}
}

func (p *execProcess) Chunks() <-chan Chunk {
	return p.chunks
}

// Wait reaps the process. A process killed by a signal reports exit code -1.
func (p *execProcess) Wait() (int, error) {
	defer p.cancel()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}

func (p *execProcess) Kill() {
	p.cancel()
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
