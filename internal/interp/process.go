package interp

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	readBufSize     = 4096
	readChanCap     = 64
	gracefulTimeout = 2 * time.Second
)

// Process wraps an interpreter subprocess running under a pseudo-terminal.
// The MicroPython unix port expects a tty on its standard streams; bare
// pipes change its prompt and echo behavior, so the child always runs on a
// PTY master/slave pair.
type Process struct {
	cmd *exec.Cmd
	tty *os.File // PTY master

	readCh chan []byte
	done   chan struct{}
	quit   chan struct{} // closed by Stop, releases a pump parked on a full readCh

	mu       sync.Mutex
	leftover []byte
	exitCode int
	closed   bool
}

// StartProcess spawns the interpreter with the given command line and
// working directory. The returned Process is already pumping output.
func StartProcess(command []string, dir string) (*Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir

	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, command[0], err)
	}

	p := &Process{
		cmd:    cmd,
		tty:    tty,
		readCh: make(chan []byte, readChanCap),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}

	go p.pump()
	go p.wait()

	return p, nil
}

// pump reads the PTY master into the read channel until the child exits.
func (p *Process) pump() {
	defer close(p.readCh)
	for {
		buf := make([]byte, readBufSize)
		n, err := p.tty.Read(buf)
		if n > 0 {
			select {
			case p.readCh <- buf[:n]:
			case <-p.quit:
				return
			}
		}
		if err != nil {
			// Reading the master after the slave side closed fails
			// with EIO on Linux. Either way the stream is over.
			return
		}
	}
}

// wait reaps the child and records its exit code.
func (p *Process) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

// Read returns the next chunk of interpreter output, blocking until data is
// available, ctx is cancelled, or the child's output stream ends (io.EOF).
func (p *Process) Read(ctx context.Context, buf []byte) (int, error) {
	p.mu.Lock()
	if len(p.leftover) > 0 {
		n := copy(buf, p.leftover)
		p.leftover = p.leftover[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case chunk, ok := <-p.readCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(buf, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.leftover = append(p.leftover, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadTimeout reads like Read but gives up after d, returning 0, nil when
// no output arrived in time.
func (p *Process) ReadTimeout(buf []byte, d time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	n, err := p.Read(ctx, buf)
	if err == context.DeadlineExceeded {
		return 0, nil
	}
	return n, err
}

// Write forwards bytes to the interpreter's input.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || !p.Alive() {
		return 0, ErrBrokenPipe
	}

	n, err := p.tty.Write(data)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	return n, nil
}

// Alive reports whether the child process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the child exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the child's exit code. Only meaningful after Done.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Stop terminates the child: SIGTERM first, SIGKILL after a bounded grace
// period. It closes the PTY master and waits for the child to be reaped.
func (p *Process) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)

	if p.Alive() && p.cmd.Process != nil {
		// SIGINT would only raise KeyboardInterrupt in the REPL; the
		// interpreter exits on SIGTERM.
		p.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-p.done:
		case <-time.After(gracefulTimeout):
			log.Printf("interp: process %d did not exit, killing", p.cmd.Process.Pid)
			p.cmd.Process.Kill()
			<-p.done
		}
	}

	p.tty.Close()
}
