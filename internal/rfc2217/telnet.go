package rfc2217

// Telnet protocol bytes (RFC 854/855).
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // subnegotiation begin
	SE   byte = 240 // subnegotiation end
)

// Telnet options negotiated by the bridge.
const (
	optBinary        byte = 0 // 8-bit clean transmission
	optEcho          byte = 1
	optSuppressGA    byte = 3
	optComPortOption byte = 44 // RFC 2217 COM-PORT-OPTION
)

// COM-PORT-OPTION subnegotiation codes, client-to-server direction.
// The matching server-to-client response is the code plus 100.
const (
	subSignature         byte = 0
	subSetBaudRate       byte = 1
	subSetDataSize       byte = 2
	subSetParity         byte = 3
	subSetStopSize       byte = 4
	subSetControl        byte = 5
	subNotifyLineState   byte = 6
	subNotifyModemState  byte = 7
	subFlowSuspend       byte = 8
	subFlowResume        byte = 9
	subSetLineStateMask  byte = 10
	subSetModemStateMask byte = 11
	subPurgeData         byte = 12

	serverResponseOffset byte = 100
)

// SET_CONTROL values.
const (
	controlReqFlow      byte = 0
	controlUseNoFlow    byte = 1
	controlUseSWFlow    byte = 2
	controlUseHWFlow    byte = 3
	controlReqBreak     byte = 4
	controlBreakOn      byte = 5
	controlBreakOff     byte = 6
	controlReqDTR       byte = 7
	controlDTROn        byte = 8
	controlDTROff       byte = 9
	controlReqRTS       byte = 10
	controlRTSOn        byte = 11
	controlRTSOff       byte = 12
)

// PURGE_DATA values.
const (
	purgeReceive  byte = 1
	purgeTransmit byte = 2
	purgeBoth     byte = 3
)

// Modem state bits (NOTIFY_MODEMSTATE payload).
const (
	modemStateCD  byte = 0x80 // carrier detect
	modemStateRI  byte = 0x40 // ring indicator
	modemStateDSR byte = 0x20
	modemStateCTS byte = 0x10
)

// parity values on the wire: 1=None 2=Odd 3=Even 4=Mark 5=Space.
// stop size values: 1=1 bit, 2=2 bits, 3=1.5 bits.
