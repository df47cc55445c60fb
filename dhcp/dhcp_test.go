package dhcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/spiethernet/wiznet5k-go/internal/chipemu"
	"github.com/spiethernet/wiznet5k-go/tslog"
	"github.com/spiethernet/wiznet5k-go/wiznet5k"
)

var (
	serverAddr = netip.MustParseAddr("192.168.1.1")
	leaseAddr  = netip.MustParseAddr("192.168.1.123")
	dnsAddr    = netip.MustParseAddr("9.9.9.9")
	maskAddr   = netip.MustParseAddr("255.255.255.0")
)

func newTestDevice(t *testing.T) (*wiznet5k.Device, *chipemu.Emulator) {
	t.Helper()
	emu := chipemu.New()
	d, err := wiznet5k.New(emu, wiznet5k.Config{
		PollInterval: 10 * time.Microsecond,
		Logger:       (&tslog.Config{}).NewTestLogger(t),
	})
	if err != nil {
		t.Fatalf("Failed to initialize device: %v", err)
	}
	return d, emu
}

// requestMsgType digs the message type option out of a client frame.
func requestMsgType(t *testing.T, frame []byte) byte {
	t.Helper()
	if len(frame) < offCookie+4 {
		t.Fatalf("short client frame: %d bytes", len(frame))
	}
	opts := frame[offCookie+4:]
	for len(opts) >= 2 {
		code, n := opts[0], int(opts[1])
		if code == optEnd {
			break
		}
		if code == optMsgType {
			return opts[2]
		}
		opts = opts[2+n:]
	}
	t.Fatal("client frame has no message type option")
	return 0
}

// buildReply assembles a server reply reusing the client's transaction ID.
func buildReply(request []byte, msgType byte, leaseSecs uint32) []byte {
	frame := make([]byte, offCookie, offCookie+64)
	frame[0] = opReply
	frame[1] = htypeEthernet
	frame[2] = 6
	copy(frame[offXID:], request[offXID:offXID+4])
	yiaddr := leaseAddr.As4()
	copy(frame[offYiaddr:], yiaddr[:])

	frame = append(frame, magicCookie[:]...)
	frame = append(frame, optMsgType, 1, msgType)
	mask := maskAddr.As4()
	frame = append(frame, optSubnetMask, 4)
	frame = append(frame, mask[:]...)
	gw := serverAddr.As4()
	frame = append(frame, optRouter, 4)
	frame = append(frame, gw[:]...)
	dns := dnsAddr.As4()
	frame = append(frame, optDNS, 4)
	frame = append(frame, dns[:]...)
	frame = append(frame, optServerID, 4)
	frame = append(frame, gw[:]...)
	var secs [4]byte
	binary.BigEndian.PutUint32(secs[:], leaseSecs)
	frame = append(frame, optLeaseTime, 4)
	frame = append(frame, secs[:]...)
	frame = append(frame, optEnd)
	return frame
}

// installServer wires a scripted DHCP server into the emulator: every
// client frame gets the reply chosen by respond.
func installServer(t *testing.T, emu *chipemu.Emulator, respond func(reqType byte, request []byte) []byte) {
	t.Helper()
	from := netip.AddrPortFrom(serverAddr, serverPort)
	emu.OnSend = func(sock uint8, dst netip.AddrPort, payload []byte) {
		if dst.Port() != serverPort {
			t.Errorf("client sent to %s, want port %d", dst, serverPort)
			return
		}
		if reply := respond(requestMsgType(t, payload), payload); reply != nil {
			emu.InjectUDP(sock, from, reply)
		}
	}
}

func TestRequestLease(t *testing.T) {
	d, emu := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	installServer(t, emu, func(reqType byte, request []byte) []byte {
		switch reqType {
		case msgDiscover:
			return buildReply(request, msgOffer, 86400)
		case msgRequest:
			return buildReply(request, msgACK, 86400)
		default:
			t.Errorf("unexpected client message type %d", reqType)
			return nil
		}
	})

	c, err := NewClient(d, (&tslog.Config{}).NewTestLogger(t), "gopher")
	if err != nil {
		t.Fatal(err)
	}
	lease, err := c.RequestLease(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if lease.Addr != leaseAddr {
		t.Errorf("lease addr = %s, want %s", lease.Addr, leaseAddr)
	}
	if lease.SubnetMask != maskAddr {
		t.Errorf("subnet mask = %s, want %s", lease.SubnetMask, maskAddr)
	}
	if lease.Gateway != serverAddr {
		t.Errorf("gateway = %s, want %s", lease.Gateway, serverAddr)
	}
	if lease.DNS != dnsAddr {
		t.Errorf("dns = %s, want %s", lease.DNS, dnsAddr)
	}
	if lease.LeaseTime != 24*time.Hour {
		t.Errorf("lease time = %s, want 24h", lease.LeaseTime)
	}
	if lease.T1 != 12*time.Hour {
		t.Errorf("T1 = %s, want the RFC 2131 default of half the lease", lease.T1)
	}
	if lease.T2 != 21*time.Hour {
		t.Errorf("T2 = %s, want the RFC 2131 default of 7/8 of the lease", lease.T2)
	}
}

func TestNewClientRejectsOversizedHostname(t *testing.T) {
	d, _ := newTestDevice(t)

	long := strings.Repeat("a", maxHostnameLen+1)
	if _, err := NewClient(d, nil, long); err == nil {
		t.Error("NewClient accepted a hostname longer than one option can carry")
	}
	if _, err := NewClient(d, nil, strings.Repeat("a", maxHostnameLen)); err != nil {
		t.Errorf("NewClient rejected a %d-byte hostname: %v", maxHostnameLen, err)
	}
}

func TestRequestParamListIncludesRenewTimers(t *testing.T) {
	d, _ := newTestDevice(t)

	c, err := NewClient(d, nil, "gopher")
	if err != nil {
		t.Fatal(err)
	}
	frame := c.buildFrame(1, msgDiscover, netip.Addr{}, netip.Addr{})

	var params []byte
	opts := frame[offCookie+4:]
	for len(opts) >= 2 && opts[0] != optEnd {
		code, n := opts[0], int(opts[1])
		if code == optParamList {
			params = opts[2 : 2+n]
			break
		}
		opts = opts[2+n:]
	}
	if params == nil {
		t.Fatal("client frame has no parameter request list")
	}
	for _, want := range []byte{optT1, optT2} {
		if !bytes.Contains(params, []byte{want}) {
			t.Errorf("parameter request list %v is missing option %d", params, want)
		}
	}
}

func TestRequestLeaseNAK(t *testing.T) {
	d, emu := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	installServer(t, emu, func(reqType byte, request []byte) []byte {
		switch reqType {
		case msgDiscover:
			return buildReply(request, msgOffer, 3600)
		default:
			return buildReply(request, msgNAK, 0)
		}
	})

	c, err := NewClient(d, (&tslog.Config{}).NewTestLogger(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = c.RequestLease(ctx); !errors.Is(err, ErrNAK) {
		t.Errorf("RequestLease = %v, want ErrNAK", err)
	}
}

func TestRequestLeaseIgnoresForeignXID(t *testing.T) {
	d, emu := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	installServer(t, emu, func(reqType byte, request []byte) []byte {
		reply := buildReply(request, msgOffer, 3600)
		if reqType == msgDiscover {
			// First a stale reply for someone else's transaction, then
			// the real one; the client must skip the stale datagram.
			stale := buildReply(request, msgOffer, 3600)
			stale[offXID] ^= 0xFF
			emu.InjectUDP(0, netip.AddrPortFrom(serverAddr, serverPort), stale)
			return reply
		}
		return buildReply(request, msgACK, 3600)
	})

	c, err := NewClient(d, (&tslog.Config{}).NewTestLogger(t), "")
	if err != nil {
		t.Fatal(err)
	}
	lease, err := c.RequestLease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Addr != leaseAddr {
		t.Errorf("lease addr = %s, want %s", lease.Addr, leaseAddr)
	}
}

func TestConfigureAppliesLease(t *testing.T) {
	d, emu := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	installServer(t, emu, func(reqType byte, request []byte) []byte {
		if reqType == msgDiscover {
			return buildReply(request, msgOffer, 3600)
		}
		return buildReply(request, msgACK, 3600)
	})

	if _, err := Configure(ctx, d, (&tslog.Config{}).NewTestLogger(t), "gopher"); err != nil {
		t.Fatal(err)
	}

	cfg, err := d.IfConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != leaseAddr || cfg.Gateway != serverAddr || cfg.DNS != dnsAddr {
		t.Errorf("IfConfig = %+v", cfg)
	}
}

func TestParseReplyRejectsGarbage(t *testing.T) {
	for _, tc := range []struct {
		name  string
		frame []byte
	}{
		{"short", make([]byte, 40)},
		{"not a reply", func() []byte {
			f := buildReply(make([]byte, offCookie), msgOffer, 0)
			f[0] = opRequest
			return f
		}()},
		{"bad cookie", func() []byte {
			f := buildReply(make([]byte, offCookie), msgOffer, 0)
			f[offCookie] = 0
			return f
		}()},
		{"zero-length message type", func() []byte {
			f := make([]byte, offCookie)
			f[0] = opReply
			f = append(f, magicCookie[:]...)
			f = append(f, optMsgType, 0)
			f = append(f, optEnd)
			return f
		}()},
		{"truncated option", func() []byte {
			f := make([]byte, offCookie)
			f[0] = opReply
			f = append(f, magicCookie[:]...)
			f = append(f, optMsgType, 9, msgOffer)
			return f
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := parseReply(tc.frame, 0); err == nil {
				t.Error("parseReply accepted a malformed frame")
			}
		})
	}
}
