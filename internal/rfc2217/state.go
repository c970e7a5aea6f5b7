package rfc2217

import "fmt"

// SerialState holds the advisory serial-port settings negotiated for one
// session. There is no UART behind the bridge, so "set" requests only
// update these values; queries read them back. Defaults match what the
// MicroPython REPL would present on a real board.
type SerialState struct {
	BaudRate uint32
	DataSize byte // 5..8
	Parity   byte // 1=N 2=O 3=E 4=M 5=S
	StopSize byte // 1, 2, or 3 (=1.5)

	FlowControl byte // SET_CONTROL flow value: 1 none, 2 software, 3 hardware
	DTR         bool
	RTS         bool
	Break       bool

	LineStateMask  byte
	ModemStateMask byte
}

// DefaultSerialState returns the settings a fresh session starts with.
func DefaultSerialState() SerialState {
	return SerialState{
		BaudRate:       115200,
		DataSize:       8,
		Parity:         1,
		StopSize:       1,
		FlowControl:    controlUseNoFlow,
		DTR:            true,
		RTS:            true,
		ModemStateMask: 0xff,
	}
}

// ModemState renders the advisory modem lines as a NOTIFY_MODEMSTATE
// payload. The subprocess is always "connected": CD, DSR and CTS are
// asserted, RI never is.
func (s *SerialState) ModemState() byte {
	return (modemStateCD | modemStateDSR | modemStateCTS) & s.ModemStateMask
}

// String summarizes the settings the way serial tools print them, e.g.
// "115200,8,N,1".
func (s *SerialState) String() string {
	parity := map[byte]string{1: "N", 2: "O", 3: "E", 4: "M", 5: "S"}[s.Parity]
	if parity == "" {
		parity = "?"
	}
	stop := map[byte]string{1: "1", 2: "2", 3: "1.5"}[s.StopSize]
	if stop == "" {
		stop = "?"
	}
	return fmt.Sprintf("%d,%d,%s,%s", s.BaudRate, s.DataSize, parity, stop)
}
