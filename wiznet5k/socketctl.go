package wiznet5k

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"

	"github.com/spiethernet/wiznet5k-go/tslog"
)

// Socket scans for a hardware socket in a reusable state and returns its
// index. Allocation is by scan, not by free list: the caller owns the
// index only as long as it keeps the socket out of the reusable states.
// Returns [SocketInvalid] and [ErrNoFreeSocket] when every socket is
// busy.
func (d *Device) Socket() (uint8, error) {
	for s := uint8(0); s < MaxSockets; s++ {
		status, err := d.SocketStatus(s)
		if err != nil {
			return SocketInvalid, err
		}
		if status.Reusable() {
			return s, nil
		}
	}
	return SocketInvalid, ErrNoFreeSocket
}

// SocketStatus reads a socket's status register.
func (d *Device) SocketStatus(s uint8) (Status, error) {
	if err := checkSocket(s); err != nil {
		return StatusClosed, err
	}
	v, err := d.sockRead8(s, regSnSR)
	return Status(v), err
}

// SocketMode reads a socket's mode register.
func (d *Device) SocketMode(s uint8) (Mode, error) {
	if err := checkSocket(s); err != nil {
		return ModeClosed, err
	}
	v, err := d.sockRead8(s, regSnMR)
	return Mode(v), err
}

// SocketOpen opens a socket in the given mode, bound to the given source
// port. A zero port selects a pseudo-random ephemeral port. The call
// polls until the chip reports the mode's open state.
func (d *Device) SocketOpen(ctx context.Context, s uint8, mode Mode, port uint16) error {
	if err := checkSocket(s); err != nil {
		return err
	}
	up, err := d.LinkUp()
	if err != nil {
		return err
	}
	if !up {
		return fmt.Errorf("open socket %d: %w", s, ErrLinkDown)
	}

	status, err := d.SocketStatus(s)
	if err != nil {
		return err
	}
	if !status.Reusable() {
		return &StateError{Op: "open", Socket: s, Status: status}
	}

	if port == 0 {
		port = ephemeralPort()
	}

	if err = d.sockWrite8(s, regSnMR, byte(mode)); err != nil {
		return err
	}
	if err = d.sockWrite8(s, regSnIR, 0xFF); err != nil {
		return err
	}
	if err = d.sockWrite16(s, regSnPORT, port); err != nil {
		return err
	}
	if err = d.command(ctx, s, cmdOpen); err != nil {
		return err
	}

	want := mode.opened()
	for {
		status, err = d.SocketStatus(s)
		if err != nil {
			return err
		}
		if status == want {
			break
		}
		if err = d.pollWait(ctx); err != nil {
			return fmt.Errorf("open socket %d as %s: %w", s, mode, err)
		}
	}

	if mode == ModeUDP {
		d.udp[s] = udpRecvState{}
	}
	d.logger.Debug("Opened socket",
		tslog.Uint("socket", s),
		tslog.Uint("port", port),
		tslog.Int("mode", int(mode)),
	)
	return nil
}

// SocketConnect sets a socket's destination address. For TCP sockets it
// issues CONNECT and polls until the connection is established; a
// regression to CLOSED fails with [ErrConnectionFailed]. For UDP sockets
// it only latches the destination used by subsequent sends.
func (d *Device) SocketConnect(ctx context.Context, s uint8, dest netip.AddrPort) error {
	if err := checkSocket(s); err != nil {
		return err
	}
	if !dest.Addr().Is4() {
		return fmt.Errorf("connect socket %d: destination %s is not IPv4", s, dest.Addr())
	}

	mode, err := d.SocketMode(s)
	if err != nil {
		return err
	}
	status, err := d.SocketStatus(s)
	if err != nil {
		return err
	}
	switch mode {
	case ModeTCP:
		if status != StatusInit {
			return &StateError{Op: "connect", Socket: s, Status: status}
		}
	case ModeUDP:
		if status != StatusUDP {
			return &StateError{Op: "connect", Socket: s, Status: status}
		}
	default:
		return &StateError{Op: "connect", Socket: s, Status: status}
	}

	ip := dest.Addr().As4()
	if err = d.write(regSnDIPR, sockBlock(s), ip[:]); err != nil {
		return err
	}
	if err = d.sockWrite16(s, regSnDPORT, dest.Port()); err != nil {
		return err
	}

	if mode == ModeUDP {
		d.udp[s] = udpRecvState{}
		return nil
	}

	if err = d.command(ctx, s, cmdConnect); err != nil {
		return err
	}
	for {
		status, err = d.SocketStatus(s)
		if err != nil {
			return err
		}
		switch status {
		case StatusEstablished:
			d.logger.Debug("Connected socket",
				tslog.Uint("socket", s),
				tslog.AddrPort("dest", dest),
			)
			return nil
		case StatusClosed:
			return fmt.Errorf("connect socket %d to %s: %w", s, dest, ErrConnectionFailed)
		}
		if err = d.pollWait(ctx); err != nil {
			return fmt.Errorf("connect socket %d to %s: %w", s, dest, err)
		}
	}
}

// SocketListen opens a TCP socket bound to port and puts it in the
// LISTEN state. A regression to CLOSED while waiting fails the call.
func (d *Device) SocketListen(ctx context.Context, s uint8, port uint16) error {
	if err := d.SocketOpen(ctx, s, ModeTCP, port); err != nil {
		return err
	}
	if err := d.command(ctx, s, cmdListen); err != nil {
		return err
	}
	for {
		status, err := d.SocketStatus(s)
		if err != nil {
			return err
		}
		switch status {
		case StatusListen:
			d.logger.Debug("Listening socket",
				tslog.Uint("socket", s),
				tslog.Uint("port", port),
			)
			return nil
		case StatusClosed:
			return fmt.Errorf("listen socket %d on port %d: %w", s, port, ErrConnectionFailed)
		}
		if err = d.pollWait(ctx); err != nil {
			return fmt.Errorf("listen socket %d on port %d: %w", s, port, err)
		}
	}
}

// SocketAccept reads the remote address off a listening socket that has
// accepted a connection, and scans for the next free socket index so the
// caller can re-arm a listener on it. It does not re-issue LISTEN
// itself; that split belongs to the caller (see package sock).
//
// If no socket is free, the returned index is [SocketInvalid] and the
// error wraps [ErrNoFreeSocket]; the remote address is still valid.
func (d *Device) SocketAccept(s uint8) (next uint8, remote netip.AddrPort, err error) {
	if err = checkSocket(s); err != nil {
		return SocketInvalid, netip.AddrPort{}, err
	}

	var ip [4]byte
	if err = d.read(regSnDIPR, sockBlock(s), ip[:]); err != nil {
		return SocketInvalid, netip.AddrPort{}, err
	}
	port, err := d.sockRead16(s, regSnDPORT)
	if err != nil {
		return SocketInvalid, netip.AddrPort{}, err
	}
	remote = netip.AddrPortFrom(netip.AddrFrom4(ip), port)

	next, err = d.Socket()
	if err != nil {
		return next, remote, fmt.Errorf("accept on socket %d: %w", s, err)
	}
	d.logger.Debug("Accepted connection",
		tslog.Uint("socket", s),
		tslog.AddrPort("remote", remote),
		tslog.Uint("nextSocket", next),
	)
	return next, remote, nil
}

// SocketDisconnect initiates a graceful TCP disconnect. It is a no-op on
// a socket that is already CLOSED.
func (d *Device) SocketDisconnect(ctx context.Context, s uint8) error {
	if err := checkSocket(s); err != nil {
		return err
	}
	status, err := d.SocketStatus(s)
	if err != nil {
		return err
	}
	if status == StatusClosed {
		return nil
	}
	return d.command(ctx, s, cmdDisconnect)
}

// SocketClose closes a socket and discards its UDP receive state. It is
// idempotent: closing an already-CLOSED socket succeeds.
func (d *Device) SocketClose(ctx context.Context, s uint8) error {
	if err := checkSocket(s); err != nil {
		return err
	}
	if err := d.command(ctx, s, cmdClose); err != nil {
		return err
	}
	d.udp[s] = udpRecvState{}
	d.logger.Debug("Closed socket", tslog.Uint("socket", s))
	return nil
}

func checkSocket(s uint8) error {
	if s >= MaxSockets {
		return fmt.Errorf("socket index %d out of range", s)
	}
	return nil
}

// ephemeralPort returns a pseudo-random port in the IANA dynamic range.
func ephemeralPort() uint16 {
	return uint16(49152 + rand.IntN(16384))
}
