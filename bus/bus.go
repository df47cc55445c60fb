// Package bus defines the byte-oriented register bus used to reach a
// WIZnet chip.
package bus

// Transport is a full-duplex register bus, typically SPI with the chip
// select wired to one module.
//
// One Tx call is one bus transaction, performed under the implementation's
// exclusive lock. The lock is held for the duration of the call only, so
// multi-transaction sequences are not atomic; callers that need atomicity
// must serialize above this layer.
type Transport interface {
	// Tx performs one full-duplex exchange: w is clocked out while r is
	// filled with the bytes clocked in. If r is nil the received bytes
	// are discarded. If both are non-nil they must be the same length.
	//
	// Any failure is a fatal transport error. Implementations do not
	// retry.
	Tx(w, r []byte) error

	// Close releases the bus.
	Close() error
}
