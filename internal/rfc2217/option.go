package rfc2217

// optionState tracks one telnet option through its negotiation lifecycle.
type optionState int

const (
	stateInactive optionState = iota
	stateRequested
	stateActive
	stateReallyInactive // refused for good, re-requests are denied
)

// telnetOption is one half of an option negotiation: either our side of an
// option (we send WILL/WONT, the peer acknowledges with DO/DONT) or the
// peer's side (we send DO/DONT, the peer acknowledges with WILL/WONT).
type telnetOption struct {
	name    string
	code    byte
	sendYes byte // WILL or DO
	sendNo  byte // WONT or DONT
	ackYes  byte // DO or WILL
	ackNo   byte // DONT or WONT
	state   optionState

	// onActive fires on the inactive/requested -> active transition.
	onActive func()
}

// active reports whether the option has been negotiated on.
func (o *telnetOption) active() bool {
	return o.state == stateActive
}

// processIncoming advances the option state machine for an incoming
// DO/DONT/WILL/WONT that addresses this option, emitting any required
// acknowledgment through send.
func (o *telnetOption) processIncoming(cmd byte, send func(cmd, option byte)) {
	switch cmd {
	case o.ackYes:
		switch o.state {
		case stateRequested:
			o.state = stateActive
			if o.onActive != nil {
				o.onActive()
			}
		case stateActive:
			// Duplicate confirmation, nothing to do.
		case stateInactive:
			o.state = stateActive
			send(o.sendYes, o.code)
			if o.onActive != nil {
				o.onActive()
			}
		case stateReallyInactive:
			send(o.sendNo, o.code)
		}
	case o.ackNo:
		switch o.state {
		case stateRequested:
			o.state = stateInactive
		case stateActive:
			o.state = stateInactive
			send(o.sendNo, o.code)
		}
		// inactive / really inactive: peer agrees, nothing to send.
	}
}
