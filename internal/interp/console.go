package interp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Control bytes of the MicroPython REPL protocol.
const (
	ctrlA = 0x01 // enter raw REPL
	ctrlB = 0x02 // exit raw REPL
)

var (
	rawReplPrompt  = []byte("raw REPL; CTRL-B to exit")
	friendlyPrompt = []byte(">>>")

	// softRebootNotice is what a real MCU prints in the friendly REPL on
	// Ctrl-D, before the banner of the fresh interpreter.
	softRebootNotice = []byte("soft reboot\r\n")

	// rawSoftRebootResponse is the raw-REPL soft reboot exchange mpremote
	// expects from a real MCU.
	rawSoftRebootResponse = []byte("OK\r\nMPY: soft reboot\r\nraw REPL; CTRL-B to exit\r\n>")
)

const (
	restartDelay     = 10 * time.Millisecond
	bannerTimeout    = 50 * time.Millisecond
	drainStep        = 50 * time.Millisecond
	maxDrainAttempts = 50
)

// Console is the bridge-facing duplex channel to the interpreter. It owns
// the current Process and emulates MCU soft-reboot behavior: the unix port
// exits on Ctrl-D, so when the child dies mid-session the console restarts
// it and fabricates the byte sequences a remote client expects from real
// hardware. Content is otherwise passed through untouched.
//
// A console is driven by at most one session at a time (the arbiter
// guarantees that); the mutex only guards against restart requests from the
// binary watcher racing session traffic.
type Console struct {
	mu      sync.Mutex
	proc    *Process
	start   func() (*Process, error)
	pending []byte // fabricated output queued for the client
	held    []byte // client input held while the interpreter restarts

	inRawRepl  bool
	restarting bool
	stale      bool // binary changed on disk, restart when idle
	closed     bool

	debug bool
}

// NewConsole spawns the interpreter via start and returns the console
// wrapping it. The start function is reused for every soft-reboot restart.
func NewConsole(start func() (*Process, error), debug bool) (*Console, error) {
	proc, err := start()
	if err != nil {
		return nil, err
	}
	return &Console{proc: proc, start: start, debug: debug}, nil
}

func (c *Console) dbg(format string, args ...interface{}) {
	if c.debug {
		log.Printf("console: "+format, args...)
	}
}

// Read returns the next chunk of interpreter output. When the child has
// exited it performs the soft-reboot restart and serves the fabricated
// reboot output before resuming the fresh process's stream. Read returns
// io.EOF only when a restart is impossible, ending the session.
func (c *Console) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}
		if len(c.pending) > 0 {
			n := copy(buf, c.pending)
			c.pending = c.pending[n:]
			c.mu.Unlock()
			return n, nil
		}
		proc := c.proc
		c.mu.Unlock()

		n, err := proc.Read(ctx, buf)
		if n > 0 {
			c.trackOutput(buf[:n])
			return n, nil
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			return 0, err // context cancellation
		}

		// Child exited mid-session: soft reboot.
		if rerr := c.reboot(); rerr != nil {
			log.Printf("console: restart failed: %v", rerr)
			return 0, io.EOF
		}
	}
}

// Write forwards client bytes to the interpreter's input, tracking raw-REPL
// entry and exit. Bytes arriving while a soft reboot is in flight are held
// and replayed to the fresh interpreter after the swap.
func (c *Console) Write(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if bytes.IndexByte(data, ctrlA) >= 0 {
		c.inRawRepl = true
	} else if bytes.IndexByte(data, ctrlB) >= 0 {
		c.inRawRepl = false
	}
	if c.restarting {
		c.held = append(c.held, data...)
		c.mu.Unlock()
		return nil
	}
	proc := c.proc
	c.mu.Unlock()

	if _, err := proc.Write(data); err != nil {
		c.dbg("dropped %d bytes written to dead interpreter", len(data))
	}
	return nil
}

// trackOutput updates raw-REPL state from interpreter output.
func (c *Console) trackOutput(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytes.Contains(data, rawReplPrompt) {
		c.inRawRepl = true
	} else if c.inRawRepl && bytes.Contains(data, friendlyPrompt) {
		c.inRawRepl = false
	}
}

// reboot restarts the interpreter and queues the soft-reboot byte sequence
// appropriate for the REPL mode the session was in.
func (c *Console) reboot() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasRaw := c.inRawRepl
	c.restarting = true
	c.mu.Unlock()

	log.Printf("console: interpreter exited, restarting (soft reboot, raw REPL=%v)", wasRaw)

	proc, err := c.start()
	if err != nil {
		c.abortRestart()
		return err
	}
	time.Sleep(restartDelay)

	var queued []byte
	if wasRaw {
		queued, err = reenterRawRepl(proc)
		if err != nil {
			proc.Stop()
			c.abortRestart()
			return err
		}
	} else {
		banner := make([]byte, readBufSize)
		n, _ := proc.ReadTimeout(banner, bannerTimeout)
		queued = append(append([]byte{}, softRebootNotice...), banner[:n]...)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		proc.Stop()
		return ErrClosed
	}
	old := c.proc
	c.proc = proc
	c.inRawRepl = wasRaw
	c.stale = false
	c.restarting = false
	c.pending = append(c.pending, queued...)
	held := c.held
	c.held = nil
	c.mu.Unlock()

	old.Stop()

	if len(held) > 0 {
		if _, err := proc.Write(held); err != nil {
			c.dbg("dropped %d held bytes, interpreter died again", len(held))
		}
	}
	return nil
}

// abortRestart drops input held for a restart that did not happen.
func (c *Console) abortRestart() {
	c.mu.Lock()
	c.restarting = false
	c.held = nil
	c.mu.Unlock()
}

// reenterRawRepl puts a freshly started interpreter back into raw REPL mode,
// draining its banner and prompts, and returns the fabricated soft-reboot
// response the client must see instead.
func reenterRawRepl(proc *Process) ([]byte, error) {
	time.Sleep(drainStep)
	if _, err := proc.Write([]byte{ctrlA}); err != nil {
		return nil, err
	}

	var accumulated []byte
	buf := make([]byte, readBufSize)
	emptyReads := 0
	for i := 0; i < maxDrainAttempts; i++ {
		n, err := proc.ReadTimeout(buf, drainStep)
		if err != nil {
			return nil, fmt.Errorf("interpreter died re-entering raw REPL: %w", err)
		}
		if n > 0 {
			accumulated = append(accumulated, buf[:n]...)
			emptyReads = 0
			if bytes.Contains(accumulated, rawReplPrompt) &&
				bytes.HasSuffix(bytes.TrimRight(accumulated, " \r\n"), []byte(">")) {
				break
			}
			continue
		}
		emptyReads++
		if emptyReads > 5 && len(accumulated) > 0 {
			break
		}
		if emptyReads > 10 {
			break
		}
	}

	return append([]byte{}, rawSoftRebootResponse...), nil
}

// Reset prepares the console for a new client session: per-connection state
// is cleared and a dead or stale interpreter is replaced. The new client
// sees the interpreter exactly as a physical MCU that kept running between
// connections.
func (c *Console) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	proc := c.proc
	needsRestart := !proc.Alive() || c.stale
	stale := c.stale
	c.inRawRepl = false
	c.pending = nil
	c.held = nil
	c.mu.Unlock()

	if !needsRestart {
		return nil
	}
	if stale {
		log.Printf("console: interpreter binary changed, restarting")
	} else {
		log.Printf("console: interpreter has exited, restarting")
	}
	return c.replace()
}

// MarkStale flags the running interpreter as outdated. If no session is
// active the caller should follow up with RestartIfIdle; otherwise the
// restart happens on the next Reset.
func (c *Console) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// RestartIfStale replaces a stale interpreter immediately, reporting
// whether a restart happened. Callers must only invoke it while no session
// owns the console.
func (c *Console) RestartIfStale() (bool, error) {
	c.mu.Lock()
	stale := c.stale && !c.closed
	c.mu.Unlock()
	if !stale {
		return false, nil
	}
	log.Printf("console: interpreter binary changed, restarting")
	return true, c.replace()
}

// replace swaps in a freshly spawned interpreter.
func (c *Console) replace() error {
	proc, err := c.start()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		proc.Stop()
		return ErrClosed
	}
	old := c.proc
	c.proc = proc
	c.stale = false
	c.inRawRepl = false
	c.pending = nil
	c.held = nil
	c.mu.Unlock()

	old.Stop()
	return nil
}

// Alive reports whether the current interpreter process is running.
func (c *Console) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.proc.Alive()
}

// Close stops the interpreter and marks the console unusable.
func (c *Console) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	proc := c.proc
	c.mu.Unlock()

	proc.Stop()
}
