//go:build linux

package spidev

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers from <linux/spi/spidev.h>.
const (
	spiIOCWrMode        = 0x40016b01 // _IOW(SPI_IOC_MAGIC, 1, __u8)
	spiIOCWrBitsPerWord = 0x40016b03 // _IOW(SPI_IOC_MAGIC, 3, __u8)
	spiIOCWrMaxSpeedHz  = 0x40046b04 // _IOW(SPI_IOC_MAGIC, 4, __u32)
	spiIOCMessage1      = 0x40206b00 // SPI_IOC_MESSAGE(1)
)

// spiIOCTransfer is struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	len            uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// Device is a [bus.Transport] over a /dev/spidevB.C character device.
type Device struct {
	mu      sync.Mutex
	f       *os.File
	speedHz uint32
}

// Open opens the spidev character device at path and configures it
// according to cfg.
func Open(path string, cfg Config) (*Device, error) {
	cfg.applyDefaults()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	d := &Device{f: f, speedHz: cfg.MaxSpeedHz}

	mode := cfg.Mode
	if err = d.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set SPI mode on %s: %w", path, err)
	}

	bits := uint8(8)
	if err = d.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set SPI word size on %s: %w", path, err)
	}

	if err = d.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&d.speedHz)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set SPI speed on %s: %w", path, err)
	}

	return d, nil
}

// Tx implements [bus.Transport.Tx].
func (d *Device) Tx(w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("mismatched buffer lengths: %d != %d", len(w), len(r))
	}

	var xfer spiIOCTransfer
	if len(w) > 0 {
		xfer.txBuf = uint64(uintptr(unsafe.Pointer(&w[0])))
		xfer.len = uint32(len(w))
	}
	if len(r) > 0 {
		xfer.rxBuf = uint64(uintptr(unsafe.Pointer(&r[0])))
		xfer.len = uint32(len(r))
	}
	if xfer.len == 0 {
		return nil
	}
	xfer.speedHz = d.speedHz
	xfer.bitsPerWord = 8

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ioctl(spiIOCMessage1, unsafe.Pointer(&xfer)); err != nil {
		return fmt.Errorf("SPI transfer failed: %w", err)
	}
	return nil
}

// Close implements [bus.Transport.Close].
func (d *Device) Close() error {
	return d.f.Close()
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
