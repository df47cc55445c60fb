// Package spidev implements a [bus.Transport] over the Linux spidev
// userspace interface.
package spidev

// Config is a set of options for a spidev [*Device].
type Config struct {
	// MaxSpeedHz is the SPI clock rate in Hz. Defaults to 8 MHz, the rate
	// the W5500 handles reliably on breakout wiring.
	MaxSpeedHz uint32 `json:"maxSpeedHz"`

	// Mode is the SPI mode (clock polarity and phase). The W5500 uses
	// mode 0.
	Mode uint8 `json:"mode"`
}

func (c *Config) applyDefaults() {
	if c.MaxSpeedHz == 0 {
		c.MaxSpeedHz = 8_000_000
	}
}
