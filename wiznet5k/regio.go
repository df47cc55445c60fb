package wiznet5k

import (
	"context"
	"fmt"
)

// read performs one bus transaction: 2-byte big-endian offset address,
// control byte, then len(p) data bytes clocked into p. The device mutex
// scopes exclusive bus ownership to this single transaction.
func (d *Device) read(addr uint16, block byte, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 3 + len(p)
	w := make([]byte, n)
	r := make([]byte, n)
	w[0] = byte(addr >> 8)
	w[1] = byte(addr)
	w[2] = block
	if err := d.bus.Tx(w, r); err != nil {
		return fmt.Errorf("bus read of %d bytes at 0x%04x/0x%02x: %w", len(p), addr, block, err)
	}
	copy(p, r[3:])
	return nil
}

// write performs one bus transaction streaming p after the address and
// control byte.
func (d *Device) write(addr uint16, block byte, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := make([]byte, 3+len(p))
	w[0] = byte(addr >> 8)
	w[1] = byte(addr)
	w[2] = block | controlWrite
	copy(w[3:], p)
	if err := d.bus.Tx(w, nil); err != nil {
		return fmt.Errorf("bus write of %d bytes at 0x%04x/0x%02x: %w", len(p), addr, block, err)
	}
	return nil
}

func (d *Device) read8(addr uint16, block byte) (byte, error) {
	var b [1]byte
	err := d.read(addr, block, b[:])
	return b[0], err
}

func (d *Device) write8(addr uint16, block byte, v byte) error {
	return d.write(addr, block, []byte{v})
}

// sockBlock returns the control-byte block selector for a socket's
// register block.
func sockBlock(s uint8) byte {
	return s<<5 | blockSocketReg
}

func (d *Device) sockRead8(s uint8, addr uint16) (byte, error) {
	return d.read8(addr, sockBlock(s))
}

func (d *Device) sockWrite8(s uint8, addr uint16, v byte) error {
	return d.write8(addr, sockBlock(s), v)
}

func (d *Device) sockRead16(s uint8, addr uint16) (uint16, error) {
	var b [2]byte
	if err := d.read(addr, sockBlock(s), b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (d *Device) sockWrite16(s uint8, addr uint16, v uint16) error {
	return d.write(addr, sockBlock(s), []byte{byte(v >> 8), byte(v)})
}

// stableRead16 re-reads a 16-bit socket register until two consecutive
// reads agree, guarding against the chip updating the register between
// the two byte transactions.
func (d *Device) stableRead16(s uint8, addr uint16) (uint16, error) {
	prev, err := d.sockRead16(s, addr)
	if err != nil {
		return 0, err
	}
	for {
		cur, err := d.sockRead16(s, addr)
		if err != nil {
			return 0, err
		}
		if cur == prev {
			return cur, nil
		}
		prev = cur
	}
}

// command writes a socket command and busy-polls the command register
// until the chip has consumed it.
func (d *Device) command(ctx context.Context, s uint8, cmd byte) error {
	if err := d.sockWrite8(s, regSnCR, cmd); err != nil {
		return err
	}
	for {
		v, err := d.sockRead8(s, regSnCR)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		if err := d.pollWait(ctx); err != nil {
			return fmt.Errorf("command 0x%02x on socket %d: %w", cmd, s, err)
		}
	}
}

// pollWait sleeps one poll interval, failing once ctx is done.
func (d *Device) pollWait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.sleep(d.pollInterval)
	return nil
}
