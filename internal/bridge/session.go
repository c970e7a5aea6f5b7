package bridge

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"mpbridge/internal/interp"
)

const forwardBufSize = 4096

// Session is one accepted client connection holding forwarding rights.
// The protocol difference between the two listeners is entirely inside
// stream: the raw listener passes the connection through, the RFC 2217
// listener wraps it in the telnet codec. The forwarding loop is shared.
type Session struct {
	ID    string
	Proto string // "rfc2217" or "socket"

	conn   net.Conn
	stream io.ReadWriter

	// unblock releases any protocol-level write gate (RFC 2217 flow
	// suspend) so a teardown cannot hang on a parked write.
	unblock func()

	bytesIn  atomic.Uint64 // client -> interpreter
	bytesOut atomic.Uint64 // interpreter -> client
}

// Counters returns the bytes forwarded in each direction so far.
func (s *Session) Counters() (in, out uint64) {
	return s.bytesIn.Load(), s.bytesOut.Load()
}

// forward copies bytes between the session's stream and the console until
// either side closes or fails. Order is preserved per direction; there is
// no buffering beyond the copy buffers, so bytes in flight are flushed and
// nothing is retained across sessions.
func (b *Bridge) forward(sess *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Teardown: closing the socket unblocks the client read, cancelling
	// ctx unblocks the console read.
	go func() {
		<-ctx.Done()
		sess.conn.Close()
		if sess.unblock != nil {
			sess.unblock()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	// Interpreter -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, forwardBufSize)
		for {
			n, err := b.console.Read(ctx, buf)
			if n > 0 {
				if _, werr := sess.stream.Write(buf[:n]); werr != nil {
					b.dbg("session %s: client write: %v", sess.ID, werr)
					return
				}
				sess.bytesOut.Add(uint64(n))
				b.mon.Output(sess.ID, buf[:n])
			}
			if err != nil {
				if err == io.EOF || err == interp.ErrClosed {
					b.dbg("session %s: interpreter stream ended", sess.ID)
				}
				return
			}
		}
	}()

	// Client -> interpreter.
	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, forwardBufSize)
		for {
			n, err := sess.stream.Read(buf)
			if n > 0 {
				sess.bytesIn.Add(uint64(n))
				b.mon.Input(sess.ID, buf[:n])
				if werr := b.console.Write(buf[:n]); werr != nil {
					b.dbg("session %s: interpreter write: %v", sess.ID, werr)
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					b.dbg("session %s: client read: %v", sess.ID, err)
				}
				return
			}
		}
	}()

	wg.Wait()
}
