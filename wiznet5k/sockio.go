package wiznet5k

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/spiethernet/wiznet5k-go/tslog"
)

// udpHeaderLen is the size of the in-band header the chip prepends to
// every received UDP datagram: 4 bytes source IP, 2 bytes source port,
// 2 bytes payload length.
const udpHeaderLen = 8

// SocketSend writes p into the socket's TX ring and commands the chip to
// transmit it, blocking until the chip acknowledges. The payload must fit
// the hardware buffer; larger sends fail with [ErrBufferExceeded] and
// chunking is the caller's job.
//
// On success the full payload was handed to the chip and len(p) is
// returned. If ctx expires while waiting for TX space, no bytes were
// written and the returned count is 0.
func (d *Device) SocketSend(ctx context.Context, s uint8, p []byte) (int, error) {
	if err := checkSocket(s); err != nil {
		return 0, err
	}
	if len(p) > BufferSize {
		return 0, fmt.Errorf("send %d bytes on socket %d: %w", len(p), s, ErrBufferExceeded)
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Wait for the TX ring to have room for the whole payload. A socket
	// outside the sendable states can never drain.
	for {
		status, err := d.SocketStatus(s)
		if err != nil {
			return 0, err
		}
		switch status {
		case StatusEstablished, StatusCloseWait, StatusUDP:
		default:
			return 0, &StateError{Op: "send", Socket: s, Status: status}
		}
		free, err := d.stableRead16(s, regSnTXFSR)
		if err != nil {
			return 0, err
		}
		if int(free) >= len(p) {
			break
		}
		if err = d.pollWait(ctx); err != nil {
			return 0, fmt.Errorf("send on socket %d: %w", s, err)
		}
	}

	ptr, err := d.sockRead16(s, regSnTXWR)
	if err != nil {
		return 0, err
	}

	// The write pointer is a free-running 16-bit counter; only its low
	// bits address the physical ring. The chip handles the physical wrap
	// as long as the transaction starts at the masked offset.
	if err = d.write(ptr&ptrMask, s<<5|blockSocketTX, p); err != nil {
		return 0, err
	}
	ptr += uint16(len(p))
	if err = d.sockWrite16(s, regSnTXWR, ptr); err != nil {
		return 0, err
	}
	if err = d.command(ctx, s, cmdSend); err != nil {
		return 0, err
	}

	// Wait for SEND_OK. A transition into a closed-family state means the
	// payload will never be acknowledged.
	for {
		ir, err := d.sockRead8(s, regSnIR)
		if err != nil {
			return 0, err
		}
		if ir&irSendOK != 0 {
			break
		}
		if ir&irTimeout != 0 {
			return 0, fmt.Errorf("send on socket %d: %w", s, ErrConnectionFailed)
		}
		status, err := d.SocketStatus(s)
		if err != nil {
			return 0, err
		}
		switch status {
		case StatusClosed, StatusClosing, StatusFinWait, StatusTimeWait, StatusLastAck:
			return 0, &StateError{Op: "send", Socket: s, Status: status}
		}
		if err = d.pollWait(ctx); err != nil {
			return 0, fmt.Errorf("send on socket %d: %w", s, err)
		}
	}
	if err = d.sockWrite8(s, regSnIR, irSendOK); err != nil {
		return 0, err
	}

	d.logger.Debug("Sent payload",
		tslog.Uint("socket", s),
		tslog.Int("bytes", len(p)),
	)
	return len(p), nil
}

// SocketAvailable returns the number of bytes that can be read from the
// socket right now.
//
// For TCP sockets this is the RX ring fill level. For UDP sockets it is
// the remaining payload of the datagram at the head of the ring: the
// in-band header is parsed and consumed here, and reads never cross a
// datagram boundary.
func (d *Device) SocketAvailable(ctx context.Context, s uint8) (int, error) {
	if err := checkSocket(s); err != nil {
		return 0, err
	}

	mode, err := d.SocketMode(s)
	if err != nil {
		return 0, err
	}
	if mode != ModeUDP {
		n, err := d.stableRead16(s, regSnRXRSR)
		return int(n), err
	}

	if d.udp[s].remaining > 0 {
		return int(d.udp[s].remaining), nil
	}
	n, err := d.stableRead16(s, regSnRXRSR)
	if err != nil {
		return 0, err
	}
	if n < udpHeaderLen {
		return 0, nil
	}

	var hdr [udpHeaderLen]byte
	if err = d.rawRecv(ctx, s, hdr[:]); err != nil {
		return 0, err
	}
	addr := netip.AddrFrom4([4]byte(hdr[0:4]))
	port := uint16(hdr[4])<<8 | uint16(hdr[5])
	d.udp[s] = udpRecvState{
		remote:    netip.AddrPortFrom(addr, port),
		remaining: uint16(hdr[6])<<8 | uint16(hdr[7]),
	}
	d.logger.Debug("Framed datagram",
		tslog.Uint("socket", s),
		tslog.AddrPort("remote", d.udp[s].remote),
		tslog.Uint("bytes", d.udp[s].remaining),
	)
	return int(d.udp[s].remaining), nil
}

// SocketRead reads up to len(p) bytes from the socket's RX ring into p.
//
// An empty ring on a socket whose peer is gone (or that never connected)
// reads as [io.EOF]; an empty ring on a live socket reads as [ErrNoData].
// On UDP sockets the read is clamped to the current datagram: the next
// datagram's header is only parsed by [Device.SocketAvailable] once this
// one is drained.
func (d *Device) SocketRead(ctx context.Context, s uint8, p []byte) (int, error) {
	if err := checkSocket(s); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	avail, err := d.SocketAvailable(ctx, s)
	if err != nil {
		return 0, err
	}
	if avail == 0 {
		status, err := d.SocketStatus(s)
		if err != nil {
			return 0, err
		}
		switch status {
		case StatusClosed, StatusCloseWait, StatusListen:
			return 0, io.EOF
		default:
			return 0, ErrNoData
		}
	}

	n := len(p)
	if n > avail {
		n = avail
	}
	if err = d.rawRecv(ctx, s, p[:n]); err != nil {
		return 0, err
	}

	mode, err := d.SocketMode(s)
	if err != nil {
		return n, err
	}
	if mode == ModeUDP {
		d.udp[s].remaining -= uint16(n)
	}
	return n, nil
}

// UDPRemote returns the source address of the UDP datagram currently
// being drained from the socket, or the zero value if no datagram has
// been framed.
func (d *Device) UDPRemote(s uint8) netip.AddrPort {
	if s >= MaxSockets {
		return netip.AddrPort{}
	}
	return d.udp[s].remote
}

// rawRecv reads len(p) bytes out of the socket's RX ring at the current
// read pointer, advances the pointer, and acknowledges the read to the
// chip with RECV.
func (d *Device) rawRecv(ctx context.Context, s uint8, p []byte) error {
	ptr, err := d.sockRead16(s, regSnRXRD)
	if err != nil {
		return err
	}
	if err = d.read(ptr&ptrMask, s<<5|blockSocketRX, p); err != nil {
		return err
	}
	ptr += uint16(len(p))
	if err = d.sockWrite16(s, regSnRXRD, ptr); err != nil {
		return err
	}
	return d.command(ctx, s, cmdRecv)
}

// IsTemporary reports whether err only means "try again later" rather
// than a dead socket or transport.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrNoData)
}
