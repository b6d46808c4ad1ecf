package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"intentbridge/internal/config"
	"intentbridge/internal/logging"
)

const (
	readChunkSize  = 4096
	chunkQueueSize = 64
	recentBytes    = 4096
	reapTimeout    = 2 * time.Second
)

// process owns the OS resources of one running worker: the child, the write
// end of its stdin and the read end of its merged stdout/stderr. Only the
// Manager holds a process, and only while the worker is running.
type process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	pid    int

	chunks  chan []byte   // output read by readLoop; closed on EOF or read error
	exited  chan struct{} // closed once the child has been reaped
	closing chan struct{} // closed by release to stop readLoop
	readers sync.WaitGroup

	readErr error // set before chunks is closed
	waitErr error // set before exited is closed

	buf    []byte // output not yet split into lines
	recent []byte // last recentBytes of output, for diagnostics

	closeOnce sync.Once
}

// startProcess creates both pipes, spawns the worker and starts the reader
// and reaper goroutines. On any failure every descriptor opened so far is
// closed and no process is left behind.
func startProcess(cfg config.WorkerConfig) (*process, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := exec.Command(cfg.Executable, cfg.Args()...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Executable, err)
	}

	// The child holds its own copies now.
	inR.Close()
	outW.Close()

	p := &process{
		cmd:     cmd,
		stdin:   inW,
		stdout:  outR,
		pid:     cmd.Process.Pid,
		chunks:  make(chan []byte, chunkQueueSize),
		exited:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	p.readers.Add(2)
	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

func (p *process) readLoop() {
	defer p.readers.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.closing:
				p.readErr = os.ErrClosed
				close(p.chunks)
				return
			}
		}
		if err != nil {
			p.readErr = err
			close(p.chunks)
			return
		}
	}
}

func (p *process) waitLoop() {
	defer p.readers.Done()
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

// hasExited reports whether the child has been reaped.
func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// exitStatus describes how the child ended. Only valid after exited closes.
func (p *process) exitStatus() string {
	if p.waitErr == nil {
		return "exit status 0"
	}
	return p.waitErr.Error()
}

// write sends line in full before deadline. A short write is an error: the
// protocol has no resync marker.
func (p *process) write(line string, deadline time.Time) error {
	if !deadline.IsZero() {
		// Pipes on some platforms do not support deadlines.
		_ = p.stdin.SetWriteDeadline(deadline)
	}
	n, err := io.WriteString(p.stdin, line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(line))
	}
	return nil
}

// append adds a chunk to the line buffer and the diagnostic tail.
func (p *process) append(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	p.recent = append(p.recent, chunk...)
	if over := len(p.recent) - recentBytes; over > 0 {
		p.recent = p.recent[over:]
	}
}

// nextLine pops one complete line from the buffer.
func (p *process) nextLine() (string, bool) {
	for i, b := range p.buf {
		if b == '\n' {
			line := string(p.buf[:i])
			p.buf = p.buf[i+1:]
			return line, true
		}
	}
	return "", false
}

// readFailure returns the reader's error when it was a genuine IO failure
// rather than end of stream. Only valid after chunks is closed.
func (p *process) readFailure() error {
	if p.readErr == nil || errors.Is(p.readErr, io.EOF) || errors.Is(p.readErr, os.ErrClosed) {
		return nil
	}
	return p.readErr
}

// recentOutput returns the last bytes the worker printed.
func (p *process) recentOutput() string {
	return string(p.recent)
}

// closeStdin signals EOF to the worker.
func (p *process) closeStdin() {
	_ = p.stdin.Close()
}

// release kills the process tree if still alive, closes every descriptor and
// waits for the helper goroutines. Safe to call more than once.
func (p *process) release() {
	p.closeOnce.Do(func() {
		if !p.hasExited() {
			if err := killProcessGroup(p.cmd); err != nil {
				logging.WorkerWarn("kill pid %d: %v", p.pid, err)
			}
		}
		close(p.closing)
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(reapTimeout):
			logging.WorkerError("pid %d not reaped after %v", p.pid, reapTimeout)
		}
		_ = p.stdout.Close()

		done := make(chan struct{})
		go func() {
			p.readers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(reapTimeout):
			logging.WorkerError("pid %d helper goroutines still running after %v", p.pid, reapTimeout)
		}
	})
}
