// Package dhcp implements a minimal DHCPv4 client on top of a hardware
// UDP socket: DISCOVER, collect an OFFER, REQUEST it, and apply the ACK
// to the chip's interface registers.
package dhcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/spiethernet/wiznet5k-go/sock"
	"github.com/spiethernet/wiznet5k-go/tslog"
	"github.com/spiethernet/wiznet5k-go/wiznet5k"
)

const (
	clientPort = 68
	serverPort = 67

	opRequest = 1
	opReply   = 2

	htypeEthernet = 1

	// BOOTP field offsets.
	offXID    = 4
	offFlags  = 10
	offYiaddr = 16
	offChaddr = 28
	offCookie = 236

	flagBroadcast = 0x8000

	optPad         = 0
	optSubnetMask  = 1
	optRouter      = 3
	optDNS         = 6
	optHostname    = 12
	optRequestedIP = 50
	optLeaseTime   = 51
	optMsgType     = 53
	optServerID    = 54
	optParamList   = 55
	optT1          = 58
	optT2          = 59
	optClientID    = 61
	optEnd         = 255

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgACK      = 5
	msgNAK      = 6
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

var broadcast = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), serverPort)

// ErrNAK is returned when the server refuses the requested lease.
var ErrNAK = errors.New("server declined the lease")

// Lease is the interface configuration granted by a DHCP server.
type Lease struct {
	Addr       netip.Addr
	SubnetMask netip.Addr
	Gateway    netip.Addr
	DNS        netip.Addr
	Server     netip.Addr

	// LeaseTime is the full lease duration; T1 and T2 are the renew and
	// rebind points. Servers that omit them get the RFC 2131 defaults of
	// 1/2 and 7/8 of the lease.
	LeaseTime time.Duration
	T1        time.Duration
	T2        time.Duration
}

// Client negotiates leases for one device.
type Client struct {
	dev      *wiznet5k.Device
	logger   *tslog.Logger
	hostname string
	mac      net.HardwareAddr
}

// maxHostnameLen is the largest hostname that fits a single-byte DHCP
// option length.
const maxHostnameLen = 255

// NewClient returns a client that negotiates on behalf of dev's MAC
// address. The hostname is offered to the server and may be empty.
func NewClient(dev *wiznet5k.Device, logger *tslog.Logger, hostname string) (*Client, error) {
	if len(hostname) > maxHostnameLen {
		return nil, fmt.Errorf("hostname is %d bytes, limit %d", len(hostname), maxHostnameLen)
	}
	if logger == nil {
		logger = tslog.Noop
	}
	mac, err := dev.HardwareAddr()
	if err != nil {
		return nil, err
	}
	return &Client{
		dev:      dev,
		logger:   logger,
		hostname: hostname,
		mac:      mac,
	}, nil
}

// RequestLease runs one full DISCOVER/OFFER/REQUEST/ACK exchange,
// bounded by ctx.
func (c *Client) RequestLease(ctx context.Context) (Lease, error) {
	s, err := sock.New(c.dev, c.logger)
	if err != nil {
		return Lease{}, err
	}
	if err = s.Bind(ctx, clientPort); err != nil {
		return Lease{}, err
	}
	defer s.Close(context.WithoutCancel(ctx))
	if err = s.SetDestination(ctx, broadcast); err != nil {
		return Lease{}, err
	}

	xid := rand.Uint32()

	if _, err = s.Write(ctx, c.buildFrame(xid, msgDiscover, netip.Addr{}, netip.Addr{})); err != nil {
		return Lease{}, fmt.Errorf("send DISCOVER: %w", err)
	}
	c.logger.Debug("Sent DISCOVER", tslog.Uint("xid", xid))

	offer, err := c.awaitReply(ctx, s, xid, msgOffer)
	if err != nil {
		return Lease{}, fmt.Errorf("await OFFER: %w", err)
	}

	if _, err = s.Write(ctx, c.buildFrame(xid, msgRequest, offer.Addr, offer.Server)); err != nil {
		return Lease{}, fmt.Errorf("send REQUEST: %w", err)
	}
	c.logger.Debug("Sent REQUEST",
		tslog.Uint("xid", xid),
		tslog.Addr("addr", offer.Addr),
		tslog.Addr("server", offer.Server),
	)

	lease, err := c.awaitReply(ctx, s, xid, msgACK)
	if err != nil {
		return Lease{}, fmt.Errorf("await ACK: %w", err)
	}

	if lease.LeaseTime == 0 {
		lease.LeaseTime = time.Hour
	}
	if lease.T1 == 0 {
		lease.T1 = lease.LeaseTime / 2
	}
	if lease.T2 == 0 {
		lease.T2 = lease.LeaseTime * 7 / 8
	}
	c.logger.Info("Obtained lease",
		tslog.Addr("addr", lease.Addr),
		tslog.Addr("gateway", lease.Gateway),
		tslog.Addr("dns", lease.DNS),
		slog.Duration("leaseTime", lease.LeaseTime),
	)
	return lease, nil
}

// Configure obtains a lease and writes it to the chip's interface
// registers.
func Configure(ctx context.Context, dev *wiznet5k.Device, logger *tslog.Logger, hostname string) (Lease, error) {
	c, err := NewClient(dev, logger, hostname)
	if err != nil {
		return Lease{}, err
	}
	lease, err := c.RequestLease(ctx)
	if err != nil {
		return Lease{}, err
	}
	if err = dev.SetIfConfig(wiznet5k.IfConfig{
		Addr:       lease.Addr,
		SubnetMask: lease.SubnetMask,
		Gateway:    lease.Gateway,
		DNS:        lease.DNS,
	}); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// buildFrame assembles a BOOTP request with the options for the given
// message type. requested and server are only included for REQUEST.
func (c *Client) buildFrame(xid uint32, msgType byte, requested, server netip.Addr) []byte {
	frame := make([]byte, offCookie, offCookie+64)
	frame[0] = opRequest
	frame[1] = htypeEthernet
	frame[2] = 6 // hlen
	binary.BigEndian.PutUint32(frame[offXID:], xid)
	binary.BigEndian.PutUint16(frame[offFlags:], flagBroadcast)
	copy(frame[offChaddr:], c.mac)

	frame = append(frame, magicCookie[:]...)
	frame = append(frame, optMsgType, 1, msgType)
	frame = append(frame, optClientID, 7, htypeEthernet)
	frame = append(frame, c.mac...)
	if c.hostname != "" {
		frame = append(frame, optHostname, byte(len(c.hostname)))
		frame = append(frame, c.hostname...)
	}
	if requested.IsValid() {
		ip := requested.As4()
		frame = append(frame, optRequestedIP, 4)
		frame = append(frame, ip[:]...)
	}
	if server.IsValid() {
		ip := server.As4()
		frame = append(frame, optServerID, 4)
		frame = append(frame, ip[:]...)
	}
	frame = append(frame, optParamList, 6,
		optSubnetMask, optRouter, optDNS, optLeaseTime, optT1, optT2)
	frame = append(frame, optEnd)
	return frame
}

// awaitReply reads datagrams until one carries our transaction ID and
// the wanted message type. A NAK for our transaction fails immediately.
func (c *Client) awaitReply(ctx context.Context, s *sock.Socket, xid uint32, want byte) (Lease, error) {
	buf := make([]byte, 1024)
	for {
		n, from, err := s.RecvFrom(ctx, buf)
		if err != nil {
			return Lease{}, err
		}
		lease, msgType, err := parseReply(buf[:n], xid)
		if err != nil {
			c.logger.Debug("Ignoring datagram",
				tslog.AddrPort("from", from),
				tslog.Err(err),
			)
			continue
		}
		switch msgType {
		case want:
			return lease, nil
		case msgNAK:
			return Lease{}, ErrNAK
		}
	}
}

// parseReply validates a BOOTP reply and extracts the lease fields from
// its options.
func parseReply(frame []byte, xid uint32) (Lease, byte, error) {
	if len(frame) < offCookie+4 {
		return Lease{}, 0, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	if frame[0] != opReply {
		return Lease{}, 0, fmt.Errorf("not a reply: op %d", frame[0])
	}
	if got := binary.BigEndian.Uint32(frame[offXID:]); got != xid {
		return Lease{}, 0, fmt.Errorf("transaction ID mismatch: 0x%08x", got)
	}
	if !bytes.Equal(frame[offCookie:offCookie+4], magicCookie[:]) {
		return Lease{}, 0, errors.New("bad magic cookie")
	}

	var lease Lease
	lease.Addr = netip.AddrFrom4([4]byte(frame[offYiaddr : offYiaddr+4]))

	var msgType byte
	opts := frame[offCookie+4:]
	for len(opts) > 0 {
		code := opts[0]
		if code == optPad {
			opts = opts[1:]
			continue
		}
		if code == optEnd {
			break
		}
		if len(opts) < 2 || len(opts) < 2+int(opts[1]) {
			return Lease{}, 0, errors.New("truncated option")
		}
		val := opts[2 : 2+opts[1]]
		opts = opts[2+opts[1]:]

		switch code {
		case optMsgType:
			if len(val) != 1 {
				return Lease{}, 0, fmt.Errorf("message type option has length %d", len(val))
			}
			msgType = val[0]
		case optSubnetMask:
			if len(val) == 4 {
				lease.SubnetMask = netip.AddrFrom4([4]byte(val))
			}
		case optRouter:
			if len(val) >= 4 {
				lease.Gateway = netip.AddrFrom4([4]byte(val[:4]))
			}
		case optDNS:
			if len(val) >= 4 {
				lease.DNS = netip.AddrFrom4([4]byte(val[:4]))
			}
		case optServerID:
			if len(val) == 4 {
				lease.Server = netip.AddrFrom4([4]byte(val))
			}
		case optLeaseTime:
			if len(val) == 4 {
				lease.LeaseTime = time.Duration(binary.BigEndian.Uint32(val)) * time.Second
			}
		case optT1:
			if len(val) == 4 {
				lease.T1 = time.Duration(binary.BigEndian.Uint32(val)) * time.Second
			}
		case optT2:
			if len(val) == 4 {
				lease.T2 = time.Duration(binary.BigEndian.Uint32(val)) * time.Second
			}
		}
	}
	if msgType == 0 {
		return Lease{}, 0, errors.New("missing message type option")
	}
	return lease, msgType, nil
}
