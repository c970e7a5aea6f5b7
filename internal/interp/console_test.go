package interp

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func newEchoConsole(t *testing.T) *Console {
	t.Helper()
	c, err := NewConsole(func() (*Process, error) {
		return StartProcess(echoCommand(), "")
	}, false)
	if err != nil {
		t.Fatalf("NewConsole failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func consoleRead(t *testing.T, c *Console, want []byte, timeout time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var got []byte
	buf := make([]byte, 256)
	for !bytes.Contains(got, want) {
		n, err := c.Read(ctx, buf)
		if err != nil {
			t.Fatalf("Read failed after %q: %v", got, err)
		}
		got = append(got, buf[:n]...)
	}
	return got
}

func TestConsole_EchoRoundTrip(t *testing.T) {
	c := newEchoConsole(t)

	if err := c.Write([]byte("print(1+1)\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := consoleRead(t, c, []byte("print(1+1)\r\n"), 2*time.Second)
	if !bytes.Contains(got, []byte("print(1+1)\r\n")) {
		t.Errorf("echo missing from output: %q", got)
	}
}

func TestConsole_SoftRebootOnExit(t *testing.T) {
	// The child prints a banner and exits immediately, standing in for a
	// MicroPython unix port leaving on Ctrl-D.
	c, err := NewConsole(func() (*Process, error) {
		return StartProcess([]string{"sh", "-c", "printf 'MicroPython v1.25.0\\r\\n>>> '"}, "")
	}, false)
	if err != nil {
		t.Fatalf("NewConsole failed: %v", err)
	}
	defer c.Close()

	// First read: the original banner. Subsequent reads hit the child's
	// EOF and must produce the fabricated soft reboot plus a fresh banner.
	got := consoleRead(t, c, []byte("soft reboot"), 5*time.Second)
	if !bytes.Contains(got, []byte("soft reboot\r\n")) {
		t.Fatalf("expected soft reboot notice in %q", got)
	}
	if bytes.Count(got, []byte("MicroPython")) < 2 {
		t.Errorf("expected a fresh banner after restart, got %q", got)
	}
}

func TestConsole_ResetAfterClose(t *testing.T) {
	c := newEchoConsole(t)
	c.Close()

	if err := c.Reset(); err != ErrClosed {
		t.Errorf("expected ErrClosed on closed console, got %v", err)
	}
}

func TestConsole_ResetClearsPendingState(t *testing.T) {
	c := newEchoConsole(t)

	c.mu.Lock()
	c.pending = []byte("stale output from previous session")
	c.inRawRepl = true
	c.mu.Unlock()

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) != 0 {
		t.Error("expected pending output cleared")
	}
	if c.inRawRepl {
		t.Error("expected raw REPL state cleared")
	}
}

func TestConsole_RestartIfStale(t *testing.T) {
	c := newEchoConsole(t)

	restarted, err := c.RestartIfStale()
	if err != nil || restarted {
		t.Fatalf("expected no-op on fresh console, got restarted=%v err=%v", restarted, err)
	}

	c.MarkStale()
	restarted, err = c.RestartIfStale()
	if err != nil {
		t.Fatalf("RestartIfStale failed: %v", err)
	}
	if !restarted {
		t.Error("expected a restart after MarkStale")
	}
	if !c.Alive() {
		t.Error("expected a live interpreter after restart")
	}
}

func TestConsole_CloseUnblocksRead(t *testing.T) {
	c := newEchoConsole(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), make([]byte, 16))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error from Read on closed console")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestConsole_WriteHeldWhileRestarting(t *testing.T) {
	c := newEchoConsole(t)

	c.mu.Lock()
	c.restarting = true
	c.mu.Unlock()

	if err := c.Write([]byte("queued input")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	c.mu.Lock()
	held := string(c.held)
	c.restarting = false
	c.mu.Unlock()
	if held != "queued input" {
		t.Errorf("expected input held during restart, got %q", held)
	}
}

func TestConsole_RebootReplaysInputWrittenDuringRestart(t *testing.T) {
	var mu sync.Mutex
	first := true
	c, err := NewConsole(func() (*Process, error) {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return StartProcess([]string{"sh", "-c", "printf ready"}, "")
		}
		return StartProcess(echoCommand(), "")
	}, false)
	if err != nil {
		t.Fatalf("NewConsole failed: %v", err)
	}
	defer c.Close()

	// Write while the restart is in flight; the bytes must reach the new
	// interpreter after the swap, never be dropped.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			c.mu.Lock()
			restarting := c.restarting
			c.mu.Unlock()
			if restarting {
				c.Write([]byte("during-reboot\r\n"))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	got := consoleRead(t, c, []byte("during-reboot"), 10*time.Second)
	if !bytes.Contains(got, []byte("soft reboot")) {
		t.Errorf("expected soft reboot notice before the replayed input, got %q", got)
	}
}

func TestConsole_RawReplTracking(t *testing.T) {
	c := newEchoConsole(t)

	c.Write([]byte{0x01}) // Ctrl-A
	c.mu.Lock()
	raw := c.inRawRepl
	c.mu.Unlock()
	if !raw {
		t.Error("expected raw REPL state after Ctrl-A")
	}

	c.Write([]byte{0x02}) // Ctrl-B
	c.mu.Lock()
	raw = c.inRawRepl
	c.mu.Unlock()
	if raw {
		t.Error("expected friendly REPL state after Ctrl-B")
	}
}
