package onewire

import (
	"context"
	"errors"
	"fmt"
)

// ErrBusBusy is returned by an I2CBus whose transfer engine has not finished
// the previous command.
var ErrBusBusy = errors.New("onewire: I2C bus busy")

// ErrNotSupported is returned by operations the driver deliberately leaves out
// (multi-device ROM search, CRC validation).
var ErrNotSupported = errors.New("onewire: not supported")

// ErrInvalidLength is returned by WriteBytes when the byte count is outside 1..4.
var ErrInvalidLength = errors.New("onewire: byte count must be between 1 and 4")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// I2CBus is the transport used by I2C attached 1-Wire bridges.
type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// SlotMaster performs the physical layer operations of the bus: reset with
// presence detection and single bit time slots.
type SlotMaster interface {
	// Reset issues a reset pulse and reports whether a presence pulse was seen.
	Reset(ctx context.Context) (bool, error)
	// WriteBit sends the lowest bit of bit in a single write slot.
	WriteBit(ctx context.Context, bit byte) error
	// ReadBit runs a read slot and returns 1 if the line stayed high.
	ReadBit(ctx context.Context) (byte, error)
}

// ByteWriter serializes up to 4 bytes of value onto the bus, LSB first.
type ByteWriter interface {
	WriteBytes(ctx context.Context, value uint32, count int) error
}

// Master is what the addressing and device layers need from a bus master.
type Master interface {
	SlotMaster
	ByteWriter
}

// StrongPuller is implemented by masters that do not keep the line driven
// high on their own. A parasite powered device draws its conversion and
// EEPROM write current from the line, so the strong pull-up must be armed
// before the command byte and switched off once the wait is over.
type StrongPuller interface {
	StrongPullup(ctx context.Context, on bool) error
}

// ByteReader is implemented by masters able to read a whole byte in one
// command. Bridges behind a slow transport save a round trip per bit.
type ByteReader interface {
	// ReadBytes fills buf with bytes read from the bus, LSB first.
	ReadBytes(ctx context.Context, buf []byte) error
}

// ReadBits runs nbits read slots and ORs bit i into buf[i/8] at position i%8.
// buf is not cleared. Whole bytes go through ByteReader when m implements it.
func ReadBits(ctx context.Context, m SlotMaster, buf []byte, nbits int) error {
	if nbits > len(buf)*8 {
		return fmt.Errorf("onewire: %d bits do not fit in %d bytes", nbits, len(buf))
	}
	start := 0
	if br, ok := m.(ByteReader); ok && nbits >= 8 {
		whole := make([]byte, nbits/8)
		if err := br.ReadBytes(ctx, whole); err != nil {
			return fmt.Errorf("onewire: read %d bytes: %w", len(whole), err)
		}
		for i, b := range whole {
			buf[i] |= b
		}
		start = len(whole) * 8
	}
	for i := start; i < nbits; i++ {
		bit, err := m.ReadBit(ctx)
		if err != nil {
			return fmt.Errorf("onewire: read slot %d: %w", i, err)
		}
		buf[i/8] |= (bit & 0x01) << (i % 8)
	}
	return nil
}

// CheckByteCount validates a byte framer count.
func CheckByteCount(count int) error {
	if count < 1 || count > 4 {
		return ErrInvalidLength
	}
	return nil
}
