package bridge

import (
	"bytes"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"mpbridge/internal/interp"
)

// startTestBridge serves a PTY-wrapped cat as the interpreter on ephemeral
// ports and returns the rfc2217 and raw socket addresses.
func startTestBridge(t *testing.T) (*Bridge, string, string) {
	t.Helper()

	console, err := interp.NewConsole(func() (*interp.Process, error) {
		return interp.StartProcess([]string{"sh", "-c", "stty raw -echo 2>/dev/null; exec cat"}, "")
	}, false)
	if err != nil {
		t.Fatalf("console start failed: %v", err)
	}
	t.Cleanup(console.Close)

	b := New(console, nil, Config{RFC2217Addr: "127.0.0.1:0", RawAddr: "127.0.0.1:0"})
	go b.ListenAndServe()
	t.Cleanup(b.Shutdown)

	deadline := time.Now().Add(5 * time.Second)
	for len(b.Addrs()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("listeners did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	addrs := b.Addrs()
	return b, addrs[0].String(), addrs[1].String()
}

// readUntil reads from conn until want appears in the accumulated bytes.
func readUntil(t *testing.T, conn net.Conn, want []byte) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []byte
	buf := make([]byte, 512)
	for !bytes.Contains(got, want) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read failed after %q: %v", got, err)
		}
		got = append(got, buf[:n]...)
	}
	return got
}

// waitActive polls until the bridge reports (or stops reporting) an active
// forwarding session.
func waitActive(t *testing.T, b *Bridge, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, _, ok := b.ActiveSession()
		if ok == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("active=%v never reached", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stripTelnet removes telnet command and subnegotiation sequences from a
// server stream, un-doubling escaped 0xFF data bytes.
func stripTelnet(data []byte) []byte {
	const iac, sb, se = 255, 250, 240
	var out []byte
	for i := 0; i < len(data); i++ {
		if data[i] != iac {
			out = append(out, data[i])
			continue
		}
		i++
		if i >= len(data) {
			break
		}
		switch data[i] {
		case iac:
			out = append(out, iac)
		case sb:
			for i < len(data) && !(data[i] == se && data[i-1] == iac) {
				i++
			}
		case se:
		default:
			i++ // two-byte negotiation: skip the option byte
		}
	}
	return out
}

func TestBridge_RawSocketEcho(t *testing.T) {
	_, _, rawAddr := startTestBridge(t)

	conn, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("print('hi')\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, conn, []byte("print('hi')\r\n"))
}

func TestBridge_RFC2217Echo(t *testing.T) {
	_, rfcAddr, _ := startTestBridge(t)

	conn, err := net.Dial("tcp", rfcAddr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("machine.reset()\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The server interleaves option announcements with echoed data.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []byte
	buf := make([]byte, 512)
	for !bytes.Contains(stripTelnet(got), []byte("machine.reset()\r\n")) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read failed after %q: %v", got, err)
		}
		got = append(got, buf[:n]...)
	}
}

func TestBridge_SecondConnectionRejected(t *testing.T) {
	b, _, rawAddr := startTestBridge(t)

	first, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer first.Close()
	waitActive(t, b, true)

	second, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	notice := readUntil(t, second, []byte("Device busy"))
	if !bytes.Contains(notice, busyNotice) {
		t.Errorf("expected busy notice, got %q", notice)
	}

	// The holder is unaffected by the rejected attempt.
	if _, err := first.Write([]byte("still here\r\n")); err != nil {
		t.Fatalf("write on first failed: %v", err)
	}
	readUntil(t, first, []byte("still here\r\n"))
}

func TestBridge_ReconnectAfterDisconnect(t *testing.T) {
	b, _, rawAddr := startTestBridge(t)

	first, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitActive(t, b, true)
	first.Close()
	waitActive(t, b, false)

	second, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer second.Close()

	if _, err := second.Write([]byte("back again\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, second, []byte("back again\r\n"))
}

func TestBridge_CrashTeardownFreesArbiter(t *testing.T) {
	// First spawn dies mid-session, the restart attempt fails, later
	// spawns succeed. The crash must close the client socket, return the
	// arbiter to idle, and leave the bridge serving new connections.
	var mu sync.Mutex
	spawns := 0
	console, err := interp.NewConsole(func() (*interp.Process, error) {
		mu.Lock()
		spawns++
		n := spawns
		mu.Unlock()
		switch n {
		case 1:
			return interp.StartProcess([]string{"sh", "-c", "sleep 0.3"}, "")
		case 2:
			return interp.StartProcess([]string{"/nonexistent/micropython"}, "")
		default:
			return interp.StartProcess([]string{"sh", "-c", "stty raw -echo 2>/dev/null; exec cat"}, "")
		}
	}, false)
	if err != nil {
		t.Fatalf("console start failed: %v", err)
	}
	t.Cleanup(console.Close)

	b := New(console, nil, Config{RFC2217Addr: "127.0.0.1:0", RawAddr: "127.0.0.1:0"})
	go b.ListenAndServe()
	t.Cleanup(b.Shutdown)
	deadline := time.Now().Add(5 * time.Second)
	for len(b.Addrs()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("listeners did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rawAddr := b.Addrs()[1].String()

	first, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer first.Close()
	waitActive(t, b, true)

	// The interpreter exits and cannot be restarted: the socket closes.
	first.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 64)
	var readErr error
	for readErr == nil {
		_, readErr = first.Read(buf)
	}
	if errors.Is(readErr, os.ErrDeadlineExceeded) {
		t.Fatal("socket not closed after interpreter crash")
	}
	waitActive(t, b, false)

	second, err := net.Dial("tcp", rawAddr)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer second.Close()
	if _, err := second.Write([]byte("alive again\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, second, []byte("alive again\r\n"))
}

// errorListener fails every Accept, standing in for fd exhaustion.
type errorListener struct {
	mu    sync.Mutex
	calls int
}

func (l *errorListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return nil, errors.New("accept: too many open files")
}

func (l *errorListener) Close() error   { return nil }
func (l *errorListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestBridge_AcceptErrorBackoff(t *testing.T) {
	b := New(nil, nil, Config{})
	ln := &errorListener{}
	b.wg.Add(1)
	go b.acceptLoop(ln, ProtoSocket)

	time.Sleep(300 * time.Millisecond)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	ln.mu.Lock()
	calls := ln.calls
	ln.mu.Unlock()
	// Doubling backoff from 5ms allows only a handful of attempts in the
	// window; a hot loop would make thousands.
	if calls > 20 {
		t.Errorf("accept loop spun hot: %d attempts in 300ms", calls)
	}
}

func TestBridge_RawSocketDisabled(t *testing.T) {
	console, err := interp.NewConsole(func() (*interp.Process, error) {
		return interp.StartProcess([]string{"sh", "-c", "exec cat"}, "")
	}, false)
	if err != nil {
		t.Fatalf("console start failed: %v", err)
	}
	defer console.Close()

	b := New(console, nil, Config{RFC2217Addr: "127.0.0.1:0"})
	go b.ListenAndServe()
	defer b.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for len(b.Addrs()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("listener did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(b.Addrs()); n != 1 {
		t.Errorf("expected only the rfc2217 listener, got %d", n)
	}
}
