package rfc2217

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"sync"
)

// signature identifies the bridge in SIGNATURE subnegotiation replies.
const signature = "mpbridge MicroPython REPL bridge"

// filter modes for the incoming telnet byte stream.
type filterMode int

const (
	modeNormal filterMode = iota
	modeIACSeen
	modeNegotiate // DO/DONT/WILL/WONT seen, awaiting option byte
)

// Session layers telnet framing and the RFC 2217 COM-PORT-OPTION over one
// client connection. Read returns only data-stream bytes, with telnet
// commands consumed (and answered) along the way; Write escapes IAC bytes
// before they reach the wire. It therefore plugs into the same forwarding
// loop as a raw connection.
//
// Read is driven by the session's writer goroutine and Write by its reader
// goroutine; writeMu serializes their access to the underlying connection,
// since negotiation replies are emitted from the Read path.
type Session struct {
	conn io.ReadWriter

	writeMu sync.Mutex // guards writes to conn

	// Incoming filter state.
	mode       filterMode
	negCommand byte
	suboption  []byte // nil when not collecting a subnegotiation
	data       []byte // filtered data bytes not yet returned by Read
	rbuf       []byte

	options []*telnetOption

	stateMu sync.Mutex
	state   SerialState

	// Outgoing data is held while the client has suspended flow.
	flowMu        sync.Mutex
	flowSuspended bool
	flowResumed   *sync.Cond

	debug bool
}

// NewSession wraps conn in a telnet/RFC 2217 session and starts option
// negotiation by announcing the bridge's requested options.
func NewSession(conn io.ReadWriter, debug bool) *Session {
	s := &Session{
		conn:  conn,
		rbuf:  make([]byte, 1024),
		state: DefaultSerialState(),
		debug: debug,
	}
	s.flowResumed = sync.NewCond(&s.flowMu)

	s.options = []*telnetOption{
		{name: "we-ECHO", code: optEcho, sendYes: WILL, sendNo: WONT, ackYes: DO, ackNo: DONT, state: stateRequested},
		{name: "we-SGA", code: optSuppressGA, sendYes: WILL, sendNo: WONT, ackYes: DO, ackNo: DONT, state: stateRequested},
		{name: "they-SGA", code: optSuppressGA, sendYes: DO, sendNo: DONT, ackYes: WILL, ackNo: WONT, state: stateInactive},
		{name: "we-BINARY", code: optBinary, sendYes: WILL, sendNo: WONT, ackYes: DO, ackNo: DONT, state: stateInactive},
		{name: "they-BINARY", code: optBinary, sendYes: DO, sendNo: DONT, ackYes: WILL, ackNo: WONT, state: stateRequested},
		{name: "we-RFC2217", code: optComPortOption, sendYes: WILL, sendNo: WONT, ackYes: DO, ackNo: DONT, state: stateRequested},
		{name: "they-RFC2217", code: optComPortOption, sendYes: DO, sendNo: DONT, ackYes: WILL, ackNo: WONT, state: stateRequested,
			onActive: s.notifyInitialModemState},
	}

	// Announce everything in requested state up front, like a serial
	// server greeting; the client's own announcements cross on the wire.
	for _, opt := range s.options {
		if opt.state == stateRequested {
			s.sendCommand(opt.sendYes, opt.code)
		}
	}

	return s
}

func (s *Session) dbg(format string, args ...interface{}) {
	if s.debug {
		log.Printf("rfc2217: "+format, args...)
	}
}

// State returns a copy of the session's advisory serial settings.
func (s *Session) State() SerialState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ComPortActive reports whether COM-PORT-OPTION has been negotiated on.
func (s *Session) ComPortActive() bool {
	for _, opt := range s.options {
		if opt.code == optComPortOption && opt.active() {
			return true
		}
	}
	return false
}

// Read returns the next data-stream bytes from the client, transparently
// consuming and answering telnet negotiation. It blocks until data bytes
// arrive or the connection fails.
func (s *Session) Read(p []byte) (int, error) {
	for len(s.data) == 0 {
		n, err := s.conn.Read(s.rbuf)
		if n > 0 {
			s.filter(s.rbuf[:n])
		}
		if err != nil {
			if len(s.data) > 0 {
				break
			}
			return 0, err
		}
	}

	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

// Write sends data-stream bytes to the client, doubling IAC bytes so raw
// 0xFF from the interpreter cannot be taken for a command. Writes park
// while the client has suspended flow.
func (s *Session) Write(p []byte) (int, error) {
	s.flowMu.Lock()
	for s.flowSuspended {
		s.flowResumed.Wait()
	}
	s.flowMu.Unlock()

	if err := s.rawWrite(escapeIAC(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// rawWrite sends pre-framed bytes on the connection.
func (s *Session) rawWrite(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(data)
	return err
}

// escapeIAC doubles every 0xFF in data.
func escapeIAC(data []byte) []byte {
	if bytes.IndexByte(data, IAC) < 0 {
		return data
	}
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		if b == IAC {
			out = append(out, IAC, IAC)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// sendCommand emits IAC <cmd> <option>.
func (s *Session) sendCommand(cmd, option byte) {
	s.dbg("send command %d %d", cmd, option)
	s.rawWrite([]byte{IAC, cmd, option})
}

// sendSubnegotiation emits IAC SB COM-PORT-OPTION <code> <payload> IAC SE
// with the payload IAC-escaped.
func (s *Session) sendSubnegotiation(code byte, payload []byte) {
	msg := make([]byte, 0, len(payload)+7)
	msg = append(msg, IAC, SB, optComPortOption, code)
	msg = append(msg, escapeIAC(payload)...)
	msg = append(msg, IAC, SE)
	s.rawWrite(msg)
}

// respond acknowledges a client subnegotiation with the matching
// server-to-client code.
func (s *Session) respond(clientCode byte, payload []byte) {
	s.sendSubnegotiation(clientCode+serverResponseOffset, payload)
}

// filter runs incoming bytes through the telnet state machine: data bytes
// accumulate for Read, commands and subnegotiations are handled here.
func (s *Session) filter(data []byte) {
	for _, b := range data {
		switch s.mode {
		case modeNormal:
			switch {
			case b == IAC:
				s.mode = modeIACSeen
			case s.suboption != nil:
				s.suboption = append(s.suboption, b)
			default:
				s.data = append(s.data, b)
			}

		case modeIACSeen:
			switch {
			case b == IAC:
				// Escaped data byte.
				if s.suboption != nil {
					s.suboption = append(s.suboption, b)
				} else {
					s.data = append(s.data, b)
				}
				s.mode = modeNormal
			case b == SB:
				s.suboption = []byte{}
				s.mode = modeNormal
			case b == SE:
				sub := s.suboption
				s.suboption = nil
				s.mode = modeNormal
				s.processSubnegotiation(sub)
			case b == DO || b == DONT || b == WILL || b == WONT:
				s.negCommand = b
				s.mode = modeNegotiate
			default:
				// Other commands (NOP, BRK, ...) carry no option
				// and nothing we emulate; drop them.
				s.dbg("ignoring telnet command %d", b)
				s.mode = modeNormal
			}

		case modeNegotiate:
			s.processCommand(s.negCommand, b)
			s.mode = modeNormal
		}
	}
}

// processCommand handles one DO/DONT/WILL/WONT addressed at an option.
func (s *Session) processCommand(cmd, option byte) {
	s.dbg("recv command %d %d", cmd, option)
	known := false
	for _, opt := range s.options {
		if opt.code == option && (cmd == opt.ackYes || cmd == opt.ackNo) {
			opt.processIncoming(cmd, s.sendCommand)
			known = true
		}
	}
	if !known {
		// Refuse everything we do not emulate.
		switch cmd {
		case DO:
			s.sendCommand(WONT, option)
		case WILL:
			s.sendCommand(DONT, option)
		}
	}
}

// processSubnegotiation dispatches a completed IAC SB ... IAC SE block.
// Malformed blocks are dropped; the protocol allows refusing options but a
// broken frame is not worth tearing the session down for.
func (s *Session) processSubnegotiation(sub []byte) {
	if len(sub) < 2 || sub[0] != optComPortOption {
		s.dbg("ignoring unknown subnegotiation: %v", sub)
		return
	}

	code, payload := sub[1], sub[2:]
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch code {
	case subSignature:
		if len(payload) == 0 {
			s.respond(subSignature, []byte(signature))
		} else {
			log.Printf("rfc2217: client signature: %q", payload)
		}

	case subSetBaudRate:
		if len(payload) != 4 {
			s.dbg("bad SET-BAUDRATE payload: %v", payload)
			return
		}
		if baud := binary.BigEndian.Uint32(payload); baud != 0 {
			s.state.BaudRate = baud
			s.dbg("baud rate set to %d", baud)
		}
		reply := make([]byte, 4)
		binary.BigEndian.PutUint32(reply, s.state.BaudRate)
		s.respond(subSetBaudRate, reply)

	case subSetDataSize:
		if len(payload) != 1 {
			return
		}
		if payload[0] != 0 {
			s.state.DataSize = payload[0]
		}
		s.respond(subSetDataSize, []byte{s.state.DataSize})

	case subSetParity:
		if len(payload) != 1 {
			return
		}
		if payload[0] != 0 {
			s.state.Parity = payload[0]
		}
		s.respond(subSetParity, []byte{s.state.Parity})

	case subSetStopSize:
		if len(payload) != 1 {
			return
		}
		if payload[0] != 0 {
			s.state.StopSize = payload[0]
		}
		s.respond(subSetStopSize, []byte{s.state.StopSize})

	case subSetControl:
		if len(payload) != 1 {
			return
		}
		s.processSetControl(payload[0])

	case subNotifyLineState, subNotifyModemState:
		// Notifications flow server-to-client only.
		s.dbg("ignoring client notify %d", code)

	case subFlowSuspend:
		s.setFlowSuspended(true)

	case subFlowResume:
		s.setFlowSuspended(false)

	case subSetLineStateMask:
		if len(payload) != 1 {
			return
		}
		s.state.LineStateMask = payload[0]

	case subSetModemStateMask:
		if len(payload) != 1 {
			return
		}
		s.state.ModemStateMask = payload[0]
		s.sendSubnegotiation(subNotifyModemState+serverResponseOffset, []byte{s.state.ModemState()})

	case subPurgeData:
		if len(payload) != 1 || payload[0] < purgeReceive || payload[0] > purgeBoth {
			return
		}
		// Nothing buffered to purge on a subprocess; acknowledge as done.
		s.respond(subPurgeData, []byte{payload[0]})

	default:
		s.dbg("ignoring unknown COM-PORT-OPTION %d", code)
	}
}

// processSetControl handles SET_CONTROL values. Callers hold stateMu.
func (s *Session) processSetControl(value byte) {
	switch value {
	case controlReqFlow:
		s.respond(subSetControl, []byte{s.state.FlowControl})
	case controlUseNoFlow, controlUseSWFlow, controlUseHWFlow:
		s.state.FlowControl = value
		s.respond(subSetControl, []byte{value})
	case controlReqBreak:
		s.respondBoolControl(s.state.Break, controlBreakOn, controlBreakOff)
	case controlBreakOn, controlBreakOff:
		s.state.Break = value == controlBreakOn
		s.respond(subSetControl, []byte{value})
	case controlReqDTR:
		s.respondBoolControl(s.state.DTR, controlDTROn, controlDTROff)
	case controlDTROn, controlDTROff:
		s.state.DTR = value == controlDTROn
		s.respond(subSetControl, []byte{value})
	case controlReqRTS:
		s.respondBoolControl(s.state.RTS, controlRTSOn, controlRTSOff)
	case controlRTSOn, controlRTSOff:
		s.state.RTS = value == controlRTSOn
		s.respond(subSetControl, []byte{value})
	default:
		s.dbg("ignoring SET-CONTROL value %d", value)
	}
}

func (s *Session) respondBoolControl(on bool, yes, no byte) {
	if on {
		s.respond(subSetControl, []byte{yes})
	} else {
		s.respond(subSetControl, []byte{no})
	}
}

// setFlowSuspended gates or releases the Write path.
func (s *Session) setFlowSuspended(suspended bool) {
	s.flowMu.Lock()
	s.flowSuspended = suspended
	if !suspended {
		s.flowResumed.Broadcast()
	}
	s.flowMu.Unlock()
	s.dbg("flow suspended=%v", suspended)
}

// Unblock releases a Write parked on suspended flow so the forwarding loop
// can observe a closed connection and exit.
func (s *Session) Unblock() {
	s.setFlowSuspended(false)
}

// notifyInitialModemState reports the static modem lines once COM-PORT-
// OPTION is up. The lines never change for a subprocess, so this is the
// only unsolicited notification a client receives.
func (s *Session) notifyInitialModemState() {
	s.stateMu.Lock()
	state := s.state.ModemState()
	s.stateMu.Unlock()
	s.sendSubnegotiation(subNotifyModemState+serverResponseOffset, []byte{state})
}
