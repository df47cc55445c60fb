//go:build !linux

package spidev

import "errors"

// Device is a [bus.Transport] over a /dev/spidevB.C character device.
//
// The spidev interface only exists on Linux.
type Device struct{}

// Open returns an error on platforms without spidev support.
func Open(path string, cfg Config) (*Device, error) {
	return nil, errors.New("spidev is only supported on Linux")
}

// Tx implements [bus.Transport.Tx].
func (d *Device) Tx(w, r []byte) error {
	return errors.New("spidev is only supported on Linux")
}

// Close implements [bus.Transport.Close].
func (d *Device) Close() error {
	return nil
}
