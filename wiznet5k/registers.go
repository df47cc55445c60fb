package wiznet5k

// Common register block offsets.
const (
	regMR       = 0x0000 // Mode
	regGAR      = 0x0001 // Gateway IP Address
	regSUBR     = 0x0005 // Subnet Mask Address
	regSHAR     = 0x0009 // Source Hardware Address
	regSIPR     = 0x000F // Source IP Address
	regPHYCFGR  = 0x002E // W5500 PHY Configuration
	regVERSIONR = 0x0039 // W5500 Silicon Version
)

// Per-socket register block offsets.
const (
	regSnMR      = 0x0000 // Socket n Mode
	regSnCR      = 0x0001 // Socket n Command
	regSnIR      = 0x0002 // Socket n Interrupt
	regSnSR      = 0x0003 // Socket n Status
	regSnPORT    = 0x0004 // Socket n Source Port
	regSnDIPR    = 0x000C // Socket n Destination IP Address
	regSnDPORT   = 0x0010 // Socket n Destination Port
	regSnRXBUFSZ = 0x001E // Socket n RX Buffer Size (KB)
	regSnTXBUFSZ = 0x001F // Socket n TX Buffer Size (KB)
	regSnTXFSR   = 0x0020 // Socket n TX Free Size
	regSnTXWR    = 0x0024 // Socket n TX Write Pointer
	regSnRXRSR   = 0x0026 // Socket n RX Received Size
	regSnRXRD    = 0x0028 // Socket n RX Read Pointer
)

// Mode register bits.
const mrRST = 0x80

// Control byte layout: BSB[4:0] RWB OM[1:0]. The per-socket block selectors
// below are pre-shifted into control byte position; a socket's selector is
// socket<<5 | block.
const (
	blockCommon    = 0x00
	blockSocketReg = 0x08
	blockSocketTX  = 0x10
	blockSocketRX  = 0x18

	controlWrite = 0x04
)

// Status is the value of a socket's status register: the chip-side
// TCP/UDP connection state.
type Status uint8

// Socket status register values.
const (
	StatusClosed      Status = 0x00
	StatusInit        Status = 0x13
	StatusListen      Status = 0x14
	StatusSynSent     Status = 0x15
	StatusSynRecv     Status = 0x16
	StatusEstablished Status = 0x17
	StatusFinWait     Status = 0x18
	StatusClosing     Status = 0x1A
	StatusTimeWait    Status = 0x1B
	StatusCloseWait   Status = 0x1C
	StatusLastAck     Status = 0x1D
	StatusUDP         Status = 0x22
	StatusIPRaw       Status = 0x32
	StatusMACRaw      Status = 0x42
)

// String returns the datasheet name of the status value.
func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusInit:
		return "INIT"
	case StatusListen:
		return "LISTEN"
	case StatusSynSent:
		return "SYN_SENT"
	case StatusSynRecv:
		return "SYN_RECV"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusFinWait:
		return "FIN_WAIT"
	case StatusClosing:
		return "CLOSING"
	case StatusTimeWait:
		return "TIME_WAIT"
	case StatusCloseWait:
		return "CLOSE_WAIT"
	case StatusLastAck:
		return "LAST_ACK"
	case StatusUDP:
		return "UDP"
	case StatusIPRaw:
		return "IPRAW"
	case StatusMACRaw:
		return "MACRAW"
	default:
		return "UNKNOWN"
	}
}

// Reusable reports whether a socket in this state may be reallocated
// and reopened.
func (s Status) Reusable() bool {
	switch s {
	case StatusClosed, StatusTimeWait, StatusFinWait, StatusCloseWait, StatusClosing:
		return true
	default:
		return false
	}
}

// Mode is the protocol written to a socket's mode register on open.
type Mode uint8

// Socket mode register values.
const (
	ModeClosed Mode = 0x00
	ModeTCP    Mode = 0x21
	ModeUDP    Mode = 0x02
	ModeIPRaw  Mode = 0x03
	ModeMACRaw Mode = 0x04
)

// String returns the protocol name of the mode value.
func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeTCP:
		return "tcp"
	case ModeUDP:
		return "udp"
	case ModeIPRaw:
		return "ipraw"
	case ModeMACRaw:
		return "macraw"
	default:
		return "unknown"
	}
}

// opened returns the status register value an open command settles in
// for this mode.
func (m Mode) opened() Status {
	switch m {
	case ModeTCP:
		return StatusInit
	case ModeUDP:
		return StatusUDP
	case ModeIPRaw:
		return StatusIPRaw
	case ModeMACRaw:
		return StatusMACRaw
	default:
		return StatusClosed
	}
}

// Socket command register values.
const (
	cmdOpen       = 0x01
	cmdListen     = 0x02
	cmdConnect    = 0x04
	cmdDisconnect = 0x08
	cmdClose      = 0x10
	cmdSend       = 0x20
	cmdRecv       = 0x40
)

// Socket interrupt register bits.
const (
	irCon     = 0x01
	irDiscon  = 0x02
	irRecv    = 0x04
	irTimeout = 0x08
	irSendOK  = 0x10
)
