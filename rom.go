package onewire

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	owbus "periph.io/x/conn/v3/onewire"
)

// ROM command set.
const (
	CmdReadROM     byte = 0x33
	CmdMatchROM    byte = 0x55
	CmdSkipROM     byte = 0xCC
	CmdAlarmSearch byte = 0xEC
	CmdSearchROM   byte = 0xF0
)

const romBits = 64

// ROM is the 64-bit identity of a device as it appears on the wire:
// family code, 6 serial bytes (LSB first), check byte.
//
//	+--------+----------------------------+-------+
//	| family |  48-bit serial (LSB first) |  crc  |
//	+--------+----------------------------+-------+
//	   [0]              [1..6]               [7]
type ROM [8]byte

func (r ROM) Family() byte {
	return r[0]
}

// Serial returns the 48-bit serial number.
func (r ROM) Serial() uint64 {
	var sn uint64
	for i := 6; i >= 1; i-- {
		sn = sn<<8 | uint64(r[i])
	}
	return sn
}

func (r ROM) CRC() byte {
	return r[7]
}

// String returns the canonical family.serial.crc form, e.g. 28.0000070e41ac.74.
func (r ROM) String() string {
	return fmt.Sprintf("%02x.%012x.%02x", r.Family(), r.Serial(), r.CRC())
}

// IsZero reports whether no identity has been read.
func (r ROM) IsZero() bool {
	return r == ROM{}
}

// Address converts the ROM to the periph representation.
func (r ROM) Address() owbus.Address {
	return owbus.Address(binary.LittleEndian.Uint64(r[:]))
}

// Verify would validate the check byte. The driver does not implement CRC
// checking, callers wanting it can run owbus.CheckCRC on the raw bytes.
func (r ROM) Verify() error {
	return ErrNotSupported
}

// ROMFromAddress converts a periph address into a ROM.
func ROMFromAddress(a owbus.Address) ROM {
	var r ROM
	binary.LittleEndian.PutUint64(r[:], uint64(a))
	return r
}

// ParseROM parses the family.serial.crc form produced by ROM.String.
func ParseROM(s string) (ROM, error) {
	var family, crc uint8
	var sn uint64
	n, err := fmt.Sscanf(s, "%02x.%012x.%02x", &family, &sn, &crc)
	if err != nil || n != 3 || sn>>48 != 0 {
		return ROM{}, fmt.Errorf("onewire: invalid ROM %q", s)
	}
	var r ROM
	r[0] = family
	for i := 1; i <= 6; i++ {
		r[i] = byte(sn)
		sn >>= 8
	}
	r[7] = crc
	return r, nil
}

// Features lists optional protocol features and whether the driver provides them.
type Features struct {
	Search bool `yaml:"search"`
	CRC    bool `yaml:"crc"`
}

// Capabilities reports the gaps of the driver so callers can assert on them.
func Capabilities() Features {
	return Features{Search: false, CRC: false}
}

// ReadROM reads the identity of the only device on the bus. With more than one
// device present the answers collide and the result is garbage.
func ReadROM(ctx context.Context, m Master) (ROM, error) {
	var rom ROM
	if err := m.WriteBytes(ctx, uint32(CmdReadROM), 1); err != nil {
		return rom, fmt.Errorf("onewire: read ROM command: %w", err)
	}
	if err := ReadBits(ctx, m, rom[:], romBits); err != nil {
		return rom, fmt.Errorf("onewire: read ROM: %w", err)
	}
	slog.Debug("onewire: read ROM", "rom", rom.String())
	return rom, nil
}

// MatchROM addresses the device with the given identity.
func MatchROM(ctx context.Context, m Master, rom ROM) error {
	if err := m.WriteBytes(ctx, uint32(CmdMatchROM), 1); err != nil {
		return fmt.Errorf("onewire: match ROM command: %w", err)
	}
	for i, b := range rom {
		if err := m.WriteBytes(ctx, uint32(b), 1); err != nil {
			return fmt.Errorf("onewire: match ROM byte %d: %w", i, err)
		}
	}
	return nil
}

// SkipROM addresses every device on the bus.
func SkipROM(ctx context.Context, m Master) error {
	if err := m.WriteBytes(ctx, uint32(CmdSkipROM), 1); err != nil {
		return fmt.Errorf("onewire: skip ROM command: %w", err)
	}
	return nil
}

// AlarmSearch issues the alarm search command and reads the first answer bit.
// A device in alarm state pulls the line low, so a 0 means at least one alarm.
// The full branching search is not implemented.
func AlarmSearch(ctx context.Context, m Master) (bool, error) {
	if err := m.WriteBytes(ctx, uint32(CmdAlarmSearch), 1); err != nil {
		return false, fmt.Errorf("onewire: alarm search command: %w", err)
	}
	bit, err := m.ReadBit(ctx)
	if err != nil {
		return false, fmt.Errorf("onewire: alarm search: %w", err)
	}
	return bit == 0, nil
}

// Search would enumerate every device on the bus.
func Search(ctx context.Context, m Master, alarmOnly bool) ([]ROM, error) {
	return nil, ErrNotSupported
}
