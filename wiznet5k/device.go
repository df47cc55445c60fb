// Package wiznet5k drives the hardware-socket layer of WIZnet W5500-family
// TCP/IP-offload controllers over a register bus.
//
// The chip builds and parses IP/TCP headers internally; this package manages
// per-socket lifecycle, hardware ring-buffer flow control, and UDP datagram
// framing by reading and writing chip registers. All operations are
// synchronous; waits are busy-polls on status registers bounded by the
// caller's context.
package wiznet5k

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/spiethernet/wiznet5k-go/bus"
	"github.com/spiethernet/wiznet5k-go/tslog"
)

const (
	// MaxSockets is the number of hardware sockets on W5200/W5500 chips.
	MaxSockets = 8

	// BufferSize is the size in bytes of each socket's TX and RX ring.
	BufferSize = 2048

	// SocketInvalid is the sentinel returned when no socket is free.
	SocketInvalid uint8 = 0xFF
)

// ptrMask folds a 16-bit ring pointer into a physical buffer offset.
// The logical pointers wrap at 65536; only the physical offset wraps at
// BufferSize.
const ptrMask = BufferSize - 1

// DefaultMAC is the address assigned when Config.MAC is unset.
var DefaultMAC = net.HardwareAddr{0xDE, 0xAD, 0xBE, 0xEF, 0xFE, 0xED}

// udpRecvState tracks the datagram currently being drained from a UDP
// socket's RX ring. A new in-band header is parsed only once remaining
// reaches zero.
type udpRecvState struct {
	remote    netip.AddrPort
	remaining uint16
}

// Config is a set of options for a [*Device].
type Config struct {
	// MAC is the hardware address programmed into the chip.
	// Defaults to [DefaultMAC].
	MAC net.HardwareAddr

	// PollInterval is the delay between busy-poll iterations on status
	// and flag registers. Defaults to 1ms.
	PollInterval time.Duration

	// Logger receives lifecycle events and register-level traces.
	// Defaults to [tslog.Noop].
	Logger *tslog.Logger
}

// Device is the handle to one chip. It exclusively owns its bus transport.
//
// The embedded mutex scopes exclusive bus access to a single register
// transaction. Multi-step socket operations are not atomic against other
// goroutines touching the same socket; callers share sockets at their own
// risk.
type Device struct {
	mu  sync.Mutex
	bus bus.Transport

	logger       *tslog.Logger
	pollInterval time.Duration
	sleep        func(time.Duration)

	variant string
	dns     netip.Addr
	udp     [MaxSockets]udpRecvState
}

// New initializes and detects a chip on the given transport.
func New(tr bus.Transport, cfg Config) (*Device, error) {
	if cfg.MAC == nil {
		cfg.MAC = DefaultMAC
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = tslog.Noop
	}

	d := &Device{
		bus:          tr,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		sleep:        time.Sleep,
	}

	if err := d.detect(); err != nil {
		return nil, err
	}

	// Carve the chip's packet memory into 2KB TX and RX rings per socket.
	for s := uint8(0); s < MaxSockets; s++ {
		if err := d.sockWrite8(s, regSnRXBUFSZ, BufferSize/1024); err != nil {
			return nil, fmt.Errorf("failed to size socket %d RX buffer: %w", s, err)
		}
		if err := d.sockWrite8(s, regSnTXBUFSZ, BufferSize/1024); err != nil {
			return nil, fmt.Errorf("failed to size socket %d TX buffer: %w", s, err)
		}
	}

	if err := d.SetHardwareAddr(cfg.MAC); err != nil {
		return nil, err
	}

	d.logger.Info("Initialized WIZnet module",
		tslog.HardwareAddr("mac", cfg.MAC),
		tslog.Uint("sockets", uint(MaxSockets)),
	)
	return d, nil
}

// detect soft-resets the chip and verifies it is a W5500 by walking the
// mode register and checking the silicon version.
func (d *Device) detect() error {
	if err := d.Reset(); err != nil {
		return err
	}

	for _, v := range []byte{0x08, 0x10, 0x00} {
		if err := d.write8(regMR, blockCommon, v); err != nil {
			return err
		}
		got, err := d.read8(regMR, blockCommon)
		if err != nil {
			return err
		}
		if got != v {
			return fmt.Errorf("chip detection failed: MR readback 0x%02x, expected 0x%02x", got, v)
		}
	}

	version, err := d.read8(regVERSIONR, blockCommon)
	if err != nil {
		return err
	}
	if version != 0x04 {
		return fmt.Errorf("unsupported chip: VERSIONR 0x%02x", version)
	}
	d.variant = "w5500"
	return nil
}

// Reset soft-resets the chip through the mode register RST bit.
func (d *Device) Reset() error {
	if err := d.write8(regMR, blockCommon, mrRST); err != nil {
		return err
	}
	mode, err := d.read8(regMR, blockCommon)
	if err != nil {
		return err
	}
	if mode != 0x00 {
		return fmt.Errorf("chip did not reset: MR 0x%02x", mode)
	}
	for i := range d.udp {
		d.udp[i] = udpRecvState{}
	}
	return nil
}

// Variant returns the detected chip variant, e.g. "w5500".
func (d *Device) Variant() string {
	return d.variant
}

// HardwareAddr reads the chip's MAC address.
func (d *Device) HardwareAddr() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if err := d.read(regSHAR, blockCommon, mac); err != nil {
		return nil, err
	}
	return mac, nil
}

// SetHardwareAddr programs the chip's MAC address.
func (d *Device) SetHardwareAddr(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid MAC address length %d", len(mac))
	}
	return d.write(regSHAR, blockCommon, mac)
}

// IfConfig is the chip's IPv4 interface configuration. The DNS server is
// not a chip register; the device carries it for the resolver collaborator.
type IfConfig struct {
	Addr       netip.Addr `json:"addr"`
	SubnetMask netip.Addr `json:"subnetMask"`
	Gateway    netip.Addr `json:"gateway"`
	DNS        netip.Addr `json:"dns"`
}

// IfConfig reads the chip's current interface configuration.
func (d *Device) IfConfig() (IfConfig, error) {
	var cfg IfConfig
	for _, r := range []struct {
		addr uint16
		dst  *netip.Addr
	}{
		{regSIPR, &cfg.Addr},
		{regSUBR, &cfg.SubnetMask},
		{regGAR, &cfg.Gateway},
	} {
		var b [4]byte
		if err := d.read(r.addr, blockCommon, b[:]); err != nil {
			return IfConfig{}, err
		}
		*r.dst = netip.AddrFrom4(b)
	}
	cfg.DNS = d.dns
	return cfg, nil
}

// SetIfConfig writes the interface configuration to the chip.
func (d *Device) SetIfConfig(cfg IfConfig) error {
	for _, r := range []struct {
		addr uint16
		src  netip.Addr
	}{
		{regSIPR, cfg.Addr},
		{regSUBR, cfg.SubnetMask},
		{regGAR, cfg.Gateway},
	} {
		b := r.src.As4()
		if err := d.write(r.addr, blockCommon, b[:]); err != nil {
			return err
		}
	}
	d.dns = cfg.DNS
	d.logger.Info("Configured interface",
		tslog.Addr("addr", cfg.Addr),
		tslog.Addr("subnetMask", cfg.SubnetMask),
		tslog.Addr("gateway", cfg.Gateway),
		tslog.Addr("dns", cfg.DNS),
	)
	return nil
}

// DNS returns the configured DNS server address, which may be the zero
// value if none has been set.
func (d *Device) DNS() netip.Addr {
	return d.dns
}

// LinkUp reads the PHY link bit.
func (d *Device) LinkUp() (bool, error) {
	phy, err := d.read8(regPHYCFGR, blockCommon)
	if err != nil {
		return false, err
	}
	return phy&0x01 != 0, nil
}
