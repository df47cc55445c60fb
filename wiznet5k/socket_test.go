package wiznet5k

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

func TestSocketOpenTCP(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()

	if err := d.SocketOpen(ctx, 0, ModeTCP, 1234); err != nil {
		t.Fatal(err)
	}

	status, err := d.SocketStatus(0)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusInit {
		t.Errorf("status = %s, want INIT", status)
	}

	port, err := d.sockRead16(0, regSnPORT)
	if err != nil {
		t.Fatal(err)
	}
	if port != 1234 {
		t.Errorf("source port = %d, want 1234", port)
	}
}

func TestSocketOpenUDP(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	if err := d.SocketOpen(context.Background(), 3, ModeUDP, 5000); err != nil {
		t.Fatal(err)
	}

	status, err := d.SocketStatus(3)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusUDP {
		t.Errorf("status = %s, want UDP", status)
	}
}

func TestSocketOpenEphemeralPort(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	if err := d.SocketOpen(context.Background(), 0, ModeTCP, 0); err != nil {
		t.Fatal(err)
	}

	port, err := d.sockRead16(0, regSnPORT)
	if err != nil {
		t.Fatal(err)
	}
	if port < 49152 {
		t.Errorf("ephemeral port = %d, want >= 49152", port)
	}
}

func TestSocketOpenBusy(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()

	if err := d.SocketOpen(ctx, 0, ModeTCP, 1234); err != nil {
		t.Fatal(err)
	}

	err := d.SocketOpen(ctx, 0, ModeTCP, 5678)
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("reopening a busy socket = %v, want StateError", err)
	}
	if stateErr.Op != "open" || stateErr.Socket != 0 {
		t.Errorf("StateError = %+v", stateErr)
	}
}

func TestSocketOpenOutOfRange(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	if err := d.SocketOpen(context.Background(), MaxSockets, ModeTCP, 1234); err == nil {
		t.Error("expected error for out-of-range socket index")
	}
}

func TestSocketScan(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()

	for want := uint8(0); want < MaxSockets; want++ {
		s, err := d.Socket()
		if err != nil {
			t.Fatal(err)
		}
		if s != want {
			t.Fatalf("Socket() = %d, want %d", s, want)
		}
		if err = d.SocketOpen(ctx, s, ModeTCP, 0); err != nil {
			t.Fatal(err)
		}
	}

	s, err := d.Socket()
	if !errors.Is(err, ErrNoFreeSocket) {
		t.Errorf("Socket() with all sockets busy = %v, want ErrNoFreeSocket", err)
	}
	if s != SocketInvalid {
		t.Errorf("Socket() = %d, want SocketInvalid", s)
	}
}

func TestSocketScanReclaims(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()

	for s := uint8(0); s < MaxSockets; s++ {
		if err := d.SocketOpen(ctx, s, ModeTCP, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.SocketClose(ctx, 5); err != nil {
		t.Fatal(err)
	}

	s, err := d.Socket()
	if err != nil {
		t.Fatal(err)
	}
	if s != 5 {
		t.Errorf("Socket() = %d, want the reclaimed socket 5", s)
	}
}

func TestSocketConnect(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()
	dest := netip.MustParseAddrPort("192.168.1.10:80")

	if err := d.SocketOpen(ctx, 0, ModeTCP, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketConnect(ctx, 0, dest); err != nil {
		t.Fatal(err)
	}

	status, err := d.SocketStatus(0)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusEstablished {
		t.Errorf("status = %s, want ESTABLISHED", status)
	}

	var ip [4]byte
	if err = d.read(regSnDIPR, sockBlock(0), ip[:]); err != nil {
		t.Fatal(err)
	}
	port, err := d.sockRead16(0, regSnDPORT)
	if err != nil {
		t.Fatal(err)
	}
	if got := netip.AddrPortFrom(netip.AddrFrom4(ip), port); got != dest {
		t.Errorf("destination registers = %s, want %s", got, dest)
	}
}

func TestSocketConnectRefused(t *testing.T) {
	d, emu := newTestDevice(t, Config{})
	ctx := context.Background()
	emu.RefuseConnections(true)

	if err := d.SocketOpen(ctx, 0, ModeTCP, 0); err != nil {
		t.Fatal(err)
	}
	err := d.SocketConnect(ctx, 0, netip.MustParseAddrPort("192.168.1.10:80"))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("SocketConnect = %v, want ErrConnectionFailed", err)
	}
}

func TestSocketConnectWithoutOpen(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	err := d.SocketConnect(context.Background(), 0, netip.MustParseAddrPort("192.168.1.10:80"))
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Errorf("SocketConnect on closed socket = %v, want StateError", err)
	}
}

func TestSocketConnectUDP(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()
	dest := netip.MustParseAddrPort("10.0.0.99:4000")

	if err := d.SocketOpen(ctx, 0, ModeUDP, 5000); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketConnect(ctx, 0, dest); err != nil {
		t.Fatal(err)
	}

	// UDP connect only latches the destination; the socket stays in UDP.
	status, err := d.SocketStatus(0)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusUDP {
		t.Errorf("status = %s, want UDP", status)
	}
}

func TestSocketListen(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	if err := d.SocketListen(context.Background(), 0, 8080); err != nil {
		t.Fatal(err)
	}

	status, err := d.SocketStatus(0)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusListen {
		t.Errorf("status = %s, want LISTEN", status)
	}
}

func TestSocketAccept(t *testing.T) {
	d, emu := newTestDevice(t, Config{})
	ctx := context.Background()
	remote := netip.MustParseAddrPort("172.16.0.7:51000")

	if err := d.SocketListen(ctx, 0, 8080); err != nil {
		t.Fatal(err)
	}
	emu.CompleteConnect(0, remote)

	next, got, err := d.SocketAccept(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != remote {
		t.Errorf("remote = %s, want %s", got, remote)
	}
	if next != 1 {
		t.Errorf("next free socket = %d, want 1", next)
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()

	if err := d.SocketClose(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketClose(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketDisconnect(ctx, 0); err != nil {
		t.Fatal(err)
	}
}

func TestStatusReusable(t *testing.T) {
	for _, tc := range []struct {
		status Status
		want   bool
	}{
		{StatusClosed, true},
		{StatusTimeWait, true},
		{StatusFinWait, true},
		{StatusCloseWait, true},
		{StatusClosing, true},
		{StatusInit, false},
		{StatusListen, false},
		{StatusEstablished, false},
		{StatusUDP, false},
	} {
		if got := tc.status.Reusable(); got != tc.want {
			t.Errorf("%s.Reusable() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
