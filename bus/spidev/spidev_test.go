package spidev

import "testing"

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c.MaxSpeedHz != 8_000_000 {
		t.Errorf("default MaxSpeedHz = %d, want 8000000", c.MaxSpeedHz)
	}
	if c.Mode != 0 {
		t.Errorf("default Mode = %d, want 0", c.Mode)
	}

	c = Config{MaxSpeedHz: 1_000_000, Mode: 3}
	c.applyDefaults()
	if c.MaxSpeedHz != 1_000_000 || c.Mode != 3 {
		t.Errorf("applyDefaults clobbered explicit values: %+v", c)
	}
}
