// Package chipemu is a register-level software model of a W5500 Ethernet
// controller. It implements the same byte-oriented transaction protocol
// as the real chip and is driven through [Emulator.Tx], so driver code
// exercises the exact frames it would put on the wire.
//
// The model is deliberately instant: socket commands settle before Tx
// returns. Fault knobs let tests hold off acknowledgements, cap buffer
// space, refuse connections, and glitch counter reads to exercise the
// driver's polling and retry paths.
package chipemu

import (
	"fmt"
	"net/netip"
	"sync"
)

// Register offsets and protocol constants, mirroring the datasheet.
const (
	regMR       = 0x0000
	regGAR      = 0x0001
	regSUBR     = 0x0005
	regSHAR     = 0x0009
	regSIPR     = 0x000F
	regPHYCFGR  = 0x002E
	regVERSIONR = 0x0039

	regSnMR      = 0x0000
	regSnCR      = 0x0001
	regSnIR      = 0x0002
	regSnSR      = 0x0003
	regSnPORT    = 0x0004
	regSnDIPR    = 0x000C
	regSnDPORT   = 0x0010
	regSnRXBUFSZ = 0x001E
	regSnTXBUFSZ = 0x001F
	regSnTXFSR   = 0x0020
	regSnTXWR    = 0x0024
	regSnRXRSR   = 0x0026
	regSnRXRD    = 0x0028

	mrRST = 0x80

	cmdOpen       = 0x01
	cmdListen     = 0x02
	cmdConnect    = 0x04
	cmdDisconnect = 0x08
	cmdClose      = 0x10
	cmdSend       = 0x20
	cmdRecv       = 0x40

	irCon     = 0x01
	irDiscon  = 0x02
	irRecv    = 0x04
	irTimeout = 0x08
	irSendOK  = 0x10

	modeTCP    = 0x21
	modeUDP    = 0x02
	modeIPRaw  = 0x03
	modeMACRaw = 0x04

	statusClosed      = 0x00
	statusInit        = 0x13
	statusListen      = 0x14
	statusEstablished = 0x17
	statusUDP         = 0x22
	statusIPRaw       = 0x32
	statusMACRaw      = 0x42

	numSockets = 8
	bufSize    = 2048
	ptrMask    = bufSize - 1
)

// socket is the chip-side state of one hardware socket. The four ring
// pointers are free-running 16-bit counters; only their low 11 bits
// address the 2KB buffers.
type socket struct {
	mode   byte
	ir     byte
	status byte
	port   uint16
	dip    [4]byte
	dport  uint16
	rxsz   byte
	txsz   byte

	tx   [bufSize]byte
	rx   [bufSize]byte
	txRD uint16
	txWR uint16
	rxRD uint16
	rxWR uint16
}

// Emulator models the chip's register file and packet memory. The zero
// value is not usable; call [New].
type Emulator struct {
	mu sync.Mutex

	mr      byte
	gar     [4]byte
	subr    [4]byte
	shar    [6]byte
	sipr    [4]byte
	phycfgr byte

	socks [numSockets]socket

	// fault knobs
	holdSendOK   bool
	capTXFree    uint16
	hasCap       bool
	glitchReads  int
	cmdBusyReads int
	refuse       bool

	// OnSend, if set, observes every payload the chip "transmits": the
	// socket index, the destination the socket was pointed at, and the
	// payload bytes. Use it to script a peer.
	OnSend func(sock uint8, dst netip.AddrPort, payload []byte)
}

// New returns an emulator with the link up and all sockets closed.
func New() *Emulator {
	e := &Emulator{phycfgr: 0x01}
	return e
}

// Tx clocks one full-duplex transaction: w is driven out, and r (when
// non-nil, same length as w) receives the bytes the chip drives back.
func (e *Emulator) Tx(w, r []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(w) < 3 {
		return fmt.Errorf("short frame: %d bytes", len(w))
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("frame length mismatch: w=%d r=%d", len(w), len(r))
	}

	addr := uint16(w[0])<<8 | uint16(w[1])
	ctl := w[2]
	bsb := ctl >> 3
	write := ctl&0x04 != 0
	data := w[3:]

	if write {
		for i, b := range data {
			e.writeByte(bsb, addr+uint16(i), b)
		}
		return nil
	}
	if r == nil {
		return nil
	}
	for i := range data {
		r[3+i] = e.readByte(bsb, addr+uint16(i))
	}
	return nil
}

// Close implements the transport interface; the emulator holds no
// external resources.
func (e *Emulator) Close() error { return nil }

func (e *Emulator) writeByte(bsb byte, addr uint16, v byte) {
	if bsb == 0 {
		e.writeCommon(addr, v)
		return
	}
	s := &e.socks[bsb>>2]
	switch bsb & 0x03 {
	case 0x01: // socket register block
		e.writeSocketReg(s, addr, v)
	case 0x02: // TX buffer
		s.tx[addr&ptrMask] = v
	case 0x03: // RX buffer
		s.rx[addr&ptrMask] = v
	}
}

func (e *Emulator) readByte(bsb byte, addr uint16) byte {
	if bsb == 0 {
		return e.readCommon(addr)
	}
	s := &e.socks[bsb>>2]
	switch bsb & 0x03 {
	case 0x01:
		return e.readSocketReg(s, addr)
	case 0x02:
		return s.tx[addr&ptrMask]
	case 0x03:
		return s.rx[addr&ptrMask]
	}
	return 0
}

func (e *Emulator) writeCommon(addr uint16, v byte) {
	switch {
	case addr == regMR:
		if v&mrRST != 0 {
			e.reset()
			return
		}
		e.mr = v
	case addr >= regGAR && addr < regGAR+4:
		e.gar[addr-regGAR] = v
	case addr >= regSUBR && addr < regSUBR+4:
		e.subr[addr-regSUBR] = v
	case addr >= regSHAR && addr < regSHAR+6:
		e.shar[addr-regSHAR] = v
	case addr >= regSIPR && addr < regSIPR+4:
		e.sipr[addr-regSIPR] = v
	case addr == regPHYCFGR:
		e.phycfgr = v
	}
}

func (e *Emulator) readCommon(addr uint16) byte {
	switch {
	case addr == regMR:
		return e.mr
	case addr >= regGAR && addr < regGAR+4:
		return e.gar[addr-regGAR]
	case addr >= regSUBR && addr < regSUBR+4:
		return e.subr[addr-regSUBR]
	case addr >= regSHAR && addr < regSHAR+6:
		return e.shar[addr-regSHAR]
	case addr >= regSIPR && addr < regSIPR+4:
		return e.sipr[addr-regSIPR]
	case addr == regPHYCFGR:
		return e.phycfgr
	case addr == regVERSIONR:
		return 0x04
	}
	return 0
}

func (e *Emulator) reset() {
	e.mr = 0
	e.gar = [4]byte{}
	e.subr = [4]byte{}
	e.shar = [6]byte{}
	e.sipr = [4]byte{}
	for i := range e.socks {
		e.socks[i] = socket{}
	}
}

func (e *Emulator) writeSocketReg(s *socket, addr uint16, v byte) {
	switch {
	case addr == regSnMR:
		s.mode = v
	case addr == regSnCR:
		e.exec(s, v)
	case addr == regSnIR:
		s.ir &^= v
	case addr == regSnPORT:
		s.port = s.port&0x00FF | uint16(v)<<8
	case addr == regSnPORT+1:
		s.port = s.port&0xFF00 | uint16(v)
	case addr >= regSnDIPR && addr < regSnDIPR+4:
		s.dip[addr-regSnDIPR] = v
	case addr == regSnDPORT:
		s.dport = s.dport&0x00FF | uint16(v)<<8
	case addr == regSnDPORT+1:
		s.dport = s.dport&0xFF00 | uint16(v)
	case addr == regSnRXBUFSZ:
		s.rxsz = v
	case addr == regSnTXBUFSZ:
		s.txsz = v
	case addr == regSnTXWR:
		s.txWR = s.txWR&0x00FF | uint16(v)<<8
	case addr == regSnTXWR+1:
		s.txWR = s.txWR&0xFF00 | uint16(v)
	case addr == regSnRXRD:
		s.rxRD = s.rxRD&0x00FF | uint16(v)<<8
	case addr == regSnRXRD+1:
		s.rxRD = s.rxRD&0xFF00 | uint16(v)
	}
}

func (e *Emulator) readSocketReg(s *socket, addr uint16) byte {
	switch {
	case addr == regSnMR:
		return s.mode
	case addr == regSnCR:
		// Commands settle instantly unless a test is holding them busy.
		if e.cmdBusyReads > 0 {
			e.cmdBusyReads--
			return 0x01
		}
		return 0
	case addr == regSnIR:
		return s.ir
	case addr == regSnSR:
		return s.status
	case addr == regSnPORT:
		return byte(s.port >> 8)
	case addr == regSnPORT+1:
		return byte(s.port)
	case addr >= regSnDIPR && addr < regSnDIPR+4:
		return s.dip[addr-regSnDIPR]
	case addr == regSnDPORT:
		return byte(s.dport >> 8)
	case addr == regSnDPORT+1:
		return byte(s.dport)
	case addr == regSnRXBUFSZ:
		return s.rxsz
	case addr == regSnTXBUFSZ:
		return s.txsz
	case addr == regSnTXFSR:
		return byte(e.txFree(s) >> 8)
	case addr == regSnTXFSR+1:
		return byte(e.txFree(s))
	case addr == regSnTXWR:
		return byte(s.txWR >> 8)
	case addr == regSnTXWR+1:
		return byte(s.txWR)
	case addr == regSnRXRSR:
		return byte(e.rxAvail(s) >> 8)
	case addr == regSnRXRSR+1:
		return byte(e.rxAvail(s))
	case addr == regSnRXRD:
		return byte(s.rxRD >> 8)
	case addr == regSnRXRD+1:
		return byte(s.rxRD)
	}
	return 0
}

func (e *Emulator) txFree(s *socket) uint16 {
	free := bufSize - (s.txWR - s.txRD)
	if e.hasCap && free > e.capTXFree {
		free = e.capTXFree
	}
	return free
}

func (e *Emulator) rxAvail(s *socket) uint16 {
	n := s.rxWR - s.rxRD
	if e.glitchReads > 0 {
		// Off by one for a full 16-bit read, then truthful again.
		e.glitchReads--
		if n > 0 {
			return n - 1
		}
		return n + 1
	}
	return n
}

func (e *Emulator) exec(s *socket, cmd byte) {
	switch cmd {
	case cmdOpen:
		s.ir = 0
		s.txRD, s.txWR, s.rxRD, s.rxWR = 0, 0, 0, 0
		switch s.mode {
		case modeTCP:
			s.status = statusInit
		case modeUDP:
			s.status = statusUDP
		case modeIPRaw:
			s.status = statusIPRaw
		case modeMACRaw:
			s.status = statusMACRaw
		default:
			s.status = statusClosed
		}
	case cmdListen:
		if s.status == statusInit {
			s.status = statusListen
		}
	case cmdConnect:
		if s.status != statusInit {
			return
		}
		if e.refuse {
			s.status = statusClosed
			s.ir |= irTimeout
			return
		}
		s.status = statusEstablished
		s.ir |= irCon
	case cmdDisconnect, cmdClose:
		s.status = statusClosed
	case cmdSend:
		e.send(s)
	case cmdRecv:
		// The RECV command re-latches RSR from the updated read pointer.
		// Both counters are live in this model, so nothing to do.
	}
}

// send consumes txRD..txWR from the TX ring and hands the payload to
// OnSend, then acknowledges with SEND_OK unless held.
func (e *Emulator) send(s *socket) {
	n := s.txWR - s.txRD
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = s.tx[(s.txRD+uint16(i))&ptrMask]
	}
	s.txRD = s.txWR

	if e.OnSend != nil {
		sock := e.sockIndex(s)
		dst := netip.AddrPortFrom(netip.AddrFrom4(s.dip), s.dport)
		e.mu.Unlock()
		e.OnSend(sock, dst, payload)
		e.mu.Lock()
	}
	if !e.holdSendOK {
		s.ir |= irSendOK
	}
}

func (e *Emulator) sockIndex(s *socket) uint8 {
	for i := range e.socks {
		if &e.socks[i] == s {
			return uint8(i)
		}
	}
	return 0xFF
}

// SetLinkUp raises or drops the PHY link bit.
func (e *Emulator) SetLinkUp(up bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if up {
		e.phycfgr |= 0x01
	} else {
		e.phycfgr &^= 0x01
	}
}

// HoldSendOK stops the chip from acknowledging SEND commands, so drivers
// block in their SEND_OK poll until the context gives up.
func (e *Emulator) HoldSendOK(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdSendOK = hold
}

// CapTXFree caps the TX free size every socket reports, regardless of
// actual ring occupancy. Pass it a value below a payload size to park a
// sender in its free-space poll.
func (e *Emulator) CapTXFree(n uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capTXFree = n
	e.hasCap = true
}

// UncapTXFree removes a [Emulator.CapTXFree] limit.
func (e *Emulator) UncapTXFree() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasCap = false
}

// HoldCommandReads makes the next n command-register reads report the
// command as still pending, parking drivers in their consume poll.
func (e *Emulator) HoldCommandReads(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmdBusyReads = n
}

// GlitchRSR makes the next 16-bit RX received-size read come back off by
// one, then report truthfully again. Stable-read loops must absorb this.
func (e *Emulator) GlitchRSR() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.glitchReads = 2
}

// RefuseConnections makes CONNECT commands fail straight to CLOSED.
func (e *Emulator) RefuseConnections(refuse bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refuse = refuse
}

// SetStatus forces a socket's status register, e.g. to simulate the peer
// closing or a link drop mid-operation.
func (e *Emulator) SetStatus(sock uint8, status byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.socks[sock].status = status
}

// Status reads back a socket's status register.
func (e *Emulator) Status(sock uint8) byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.socks[sock].status
}

// SetTXPointers forces a socket's TX read and write pointers, letting
// tests start a transfer near the 16-bit counter wrap.
func (e *Emulator) SetTXPointers(sock uint8, ptr uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.socks[sock].txRD = ptr
	e.socks[sock].txWR = ptr
}

// SetRXPointers forces a socket's RX read and write pointers.
func (e *Emulator) SetRXPointers(sock uint8, ptr uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.socks[sock].rxRD = ptr
	e.socks[sock].rxWR = ptr
}

// CompleteConnect simulates a listening socket accepting a connection
// from addr, or a connecting socket reaching the peer.
func (e *Emulator) CompleteConnect(sock uint8, from netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.socks[sock]
	s.dip = from.Addr().As4()
	s.dport = from.Port()
	s.status = statusEstablished
	s.ir |= irCon
}

// PeerSend appends raw payload bytes to a socket's RX ring, as a TCP
// peer's segment would arrive.
func (e *Emulator) PeerSend(sock uint8, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendRX(&e.socks[sock], payload)
}

// InjectUDP delivers a UDP datagram to a socket: the chip's in-band
// 8-byte header (source IP, source port, payload length) followed by the
// payload.
func (e *Emulator) InjectUDP(sock uint8, from netip.AddrPort, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ip := from.Addr().As4()
	hdr := []byte{
		ip[0], ip[1], ip[2], ip[3],
		byte(from.Port() >> 8), byte(from.Port()),
		byte(len(payload) >> 8), byte(len(payload)),
	}
	s := &e.socks[sock]
	e.appendRX(s, hdr)
	e.appendRX(s, payload)
}

func (e *Emulator) appendRX(s *socket, p []byte) {
	for _, b := range p {
		s.rx[s.rxWR&ptrMask] = b
		s.rxWR++
	}
	s.ir |= irRecv
}
