package wiznet5k

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/spiethernet/wiznet5k-go/internal/chipemu"
	"github.com/spiethernet/wiznet5k-go/tslog"
)

func newTestDevice(t *testing.T, cfg Config) (*Device, *chipemu.Emulator) {
	t.Helper()
	emu := chipemu.New()
	if cfg.Logger == nil {
		cfg.Logger = (&tslog.Config{}).NewTestLogger(t)
	}
	d, err := New(emu, cfg)
	if err != nil {
		t.Fatalf("Failed to initialize device: %v", err)
	}
	d.sleep = func(time.Duration) {}
	return d, emu
}

func TestNewDetectsChip(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	if got := d.Variant(); got != "w5500" {
		t.Errorf("Variant() = %q, want %q", got, "w5500")
	}

	mac, err := d.HardwareAddr()
	if err != nil {
		t.Fatal(err)
	}
	if !macEqual(mac, DefaultMAC) {
		t.Errorf("HardwareAddr() = %s, want %s", mac, DefaultMAC)
	}
}

func TestNewCustomMAC(t *testing.T) {
	want := net.HardwareAddr{0x02, 0x00, 0x00, 0x12, 0x34, 0x56}
	d, _ := newTestDevice(t, Config{MAC: want})

	mac, err := d.HardwareAddr()
	if err != nil {
		t.Fatal(err)
	}
	if !macEqual(mac, want) {
		t.Errorf("HardwareAddr() = %s, want %s", mac, want)
	}
}

func TestNewSizesBuffers(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	for s := uint8(0); s < MaxSockets; s++ {
		rx, err := d.sockRead8(s, regSnRXBUFSZ)
		if err != nil {
			t.Fatal(err)
		}
		tx, err := d.sockRead8(s, regSnTXBUFSZ)
		if err != nil {
			t.Fatal(err)
		}
		if rx != BufferSize/1024 || tx != BufferSize/1024 {
			t.Errorf("socket %d buffer sizes = %d/%d KB, want %d", s, rx, tx, BufferSize/1024)
		}
	}
}

func TestIfConfigRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, Config{})

	want := IfConfig{
		Addr:       netip.AddrFrom4([4]byte{192, 168, 1, 100}),
		SubnetMask: netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		Gateway:    netip.AddrFrom4([4]byte{192, 168, 1, 1}),
		DNS:        netip.AddrFrom4([4]byte{9, 9, 9, 9}),
	}
	if err := d.SetIfConfig(want); err != nil {
		t.Fatal(err)
	}

	got, err := d.IfConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("IfConfig() = %+v, want %+v", got, want)
	}
	if d.DNS() != want.DNS {
		t.Errorf("DNS() = %s, want %s", d.DNS(), want.DNS)
	}
}

func TestLinkUp(t *testing.T) {
	d, emu := newTestDevice(t, Config{})

	up, err := d.LinkUp()
	if err != nil {
		t.Fatal(err)
	}
	if !up {
		t.Error("LinkUp() = false, want true")
	}

	emu.SetLinkUp(false)
	up, err = d.LinkUp()
	if err != nil {
		t.Fatal(err)
	}
	if up {
		t.Error("LinkUp() = true after link drop, want false")
	}

	err = d.SocketOpen(context.Background(), 0, ModeTCP, 1234)
	if !errors.Is(err, ErrLinkDown) {
		t.Errorf("SocketOpen with link down = %v, want ErrLinkDown", err)
	}
}

func TestResetClosesSockets(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	ctx := context.Background()

	if err := d.SocketOpen(ctx, 0, ModeUDP, 5000); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}

	status, err := d.SocketStatus(0)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusClosed {
		t.Errorf("status after reset = %s, want CLOSED", status)
	}
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
