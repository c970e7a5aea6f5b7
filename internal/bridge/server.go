package bridge

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"mpbridge/internal/interp"
	"mpbridge/internal/monitor"
	"mpbridge/internal/rfc2217"
)

// busyNotice is sent to a rejected connection before it is closed, so the
// remote tool sees why instead of a silent reset.
var busyNotice = []byte("\r\nError: Device busy - another client is connected\r\n")

const (
	ProtoRFC2217 = "rfc2217"
	ProtoSocket  = "socket"
)

// Config selects the bridge listen addresses. An empty RawAddr disables the
// raw socket listener; the RFC 2217 listener is always on.
type Config struct {
	RFC2217Addr string
	RawAddr     string
	Debug       bool
}

// Bridge owns the two protocol listeners and the arbitration between them.
// All connections funnel into the one Console.
type Bridge struct {
	console *interp.Console
	arbiter *Arbiter
	mon     *monitor.Hub
	cfg     Config

	mu        sync.Mutex
	listeners []net.Listener
	current   *Session
	closed    bool

	wg sync.WaitGroup
}

// New creates a bridge serving console through the configured listeners.
// mon may be nil when the traffic monitor is disabled.
func New(console *interp.Console, mon *monitor.Hub, cfg Config) *Bridge {
	return &Bridge{
		console: console,
		arbiter: &Arbiter{},
		mon:     mon,
		cfg:     cfg,
	}
}

func (b *Bridge) dbg(format string, args ...interface{}) {
	if b.cfg.Debug {
		log.Printf("bridge: "+format, args...)
	}
}

// Arbiter exposes the session arbiter (used by the binary watcher to avoid
// restarting the interpreter under an active session).
func (b *Bridge) Arbiter() *Arbiter {
	return b.arbiter
}

// ListenAndServe binds both listeners and serves until Shutdown. A bind
// failure on the RFC 2217 port is fatal; a raw socket bind failure only
// loses the fast path, matching the original deployment behavior.
func (b *Bridge) ListenAndServe() error {
	rfcLn, err := net.Listen("tcp", b.cfg.RFC2217Addr)
	if err != nil {
		return fmt.Errorf("bind rfc2217 %s: %w", b.cfg.RFC2217Addr, err)
	}
	log.Printf("RFC 2217 server listening on %s", rfcLn.Addr())
	log.Printf("  connect with: mpremote connect rfc2217://%s", rfcLn.Addr())
	b.addListener(rfcLn)
	b.wg.Add(1)
	go b.acceptLoop(rfcLn, ProtoRFC2217)

	if b.cfg.RawAddr != "" {
		rawLn, err := net.Listen("tcp", b.cfg.RawAddr)
		if err != nil {
			log.Printf("could not bind raw socket %s: %v", b.cfg.RawAddr, err)
		} else {
			log.Printf("raw socket server listening on %s", rawLn.Addr())
			log.Printf("  connect with: mpremote connect socket://%s", rawLn.Addr())
			b.addListener(rawLn)
			b.wg.Add(1)
			go b.acceptLoop(rawLn, ProtoSocket)
		}
	}

	b.wg.Wait()
	return nil
}

func (b *Bridge) addListener(ln net.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, ln)
}

// Addrs returns the bound listener addresses (useful in tests, where the
// configured port is 0).
func (b *Bridge) Addrs() []net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := make([]net.Addr, 0, len(b.listeners))
	for _, ln := range b.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// acceptLoop accepts connections for one protocol until the listener
// closes. Persistent accept failures (fd exhaustion) back off with doubling
// delays instead of spinning.
func (b *Bridge) acceptLoop(ln net.Listener, proto string) {
	defer b.wg.Done()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			log.Printf("%s accept error: %v; retrying in %v", proto, err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		go b.handleConn(conn, proto)
	}
}

// handleConn arbitrates and serves one accepted connection to completion.
func (b *Bridge) handleConn(conn net.Conn, proto string) {
	remote := conn.RemoteAddr()
	id := uuid.New().String()

	if err := b.arbiter.Acquire(id); err != nil {
		log.Printf("rejected %s connection from %s: %v", proto, remote, err)
		b.mon.Event(monitor.EventRejected, id, proto, remote.String())
		conn.Write(busyNotice)
		conn.Close()
		return
	}
	defer b.arbiter.Release(id)
	defer conn.Close()

	log.Printf("connected via %s by %s (session %s)", proto, remote, id)
	b.mon.Event(monitor.EventConnected, id, proto, remote.String())

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	// A new client expects the interpreter as a physical MCU would be:
	// still running if it survived, freshly booted if it died or the
	// binary was rebuilt while idle.
	if err := b.console.Reset(); err != nil {
		log.Printf("session %s: interpreter unavailable: %v", id, err)
		conn.Close()
		return
	}

	sess := &Session{ID: id, Proto: proto, conn: conn, stream: conn}
	b.setCurrent(sess)
	defer b.setCurrent(nil)
	if proto == ProtoRFC2217 {
		rs := rfc2217.NewSession(conn, b.cfg.Debug)
		sess.stream = rs
		sess.unblock = rs.Unblock
		defer func() {
			if rs.ComPortActive() {
				st := rs.State()
				b.dbg("session %s: final serial settings %s", id, st.String())
			}
		}()
	}

	b.forward(sess)

	in, out := sess.Counters()
	log.Printf("disconnected %s session %s (%d bytes in, %d bytes out)", proto, id, in, out)
	b.mon.Disconnected(id, proto, in, out)

	// Pick up a rebuilt interpreter while nobody is connected.
	restarted, err := b.console.RestartIfStale()
	if err != nil {
		log.Printf("restart after rebuild failed: %v", err)
	} else if restarted {
		b.mon.Event(monitor.EventRestarted, "", "", "")
	}
}

func (b *Bridge) setCurrent(sess *Session) {
	b.mu.Lock()
	b.current = sess
	b.mu.Unlock()
}

// ActiveSession returns the session currently holding forwarding rights.
func (b *Bridge) ActiveSession() (id, proto string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return "", "", false
	}
	return b.current.ID, b.current.Proto, true
}

// OnBinaryChange is the fsnotify callback: restart immediately when idle,
// otherwise defer until the active session ends.
func (b *Bridge) OnBinaryChange(path string) {
	b.console.MarkStale()
	if _, busy := b.arbiter.Active(); busy {
		log.Printf("interpreter binary changed (%s); restart deferred until session ends", path)
		return
	}
	if _, err := b.console.RestartIfStale(); err != nil {
		log.Printf("restart after rebuild failed: %v", err)
		return
	}
	b.mon.Event(monitor.EventRestarted, "", "", path)
}

// Shutdown closes the listeners; in-flight sessions end when their sockets
// close. The console is owned by the caller and shut down separately.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	lns := b.listeners
	b.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
}

var _ io.ReadWriter = (*rfc2217.Session)(nil)
