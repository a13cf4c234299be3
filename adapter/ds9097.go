package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/mklimuk/onewire"
)

const (
	ds9097ResetBaud = 9600
	ds9097SlotBaud  = 115200
	ds9097Reset     = 0xF0
	ds9097Timeout   = 100 * time.Millisecond
)

// Port is the part of serial.Port a UART master needs.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// DS9097 is a passive serial 1-Wire master: the UART TX and RX lines are tied
// to the bus so that every transmitted character becomes a time slot and its
// echo carries what the devices did to the line.
//
// A reset is one 0xF0 character at 9600 baud; a device answering with a
// presence pulse corrupts the echo. Bit slots are single characters at
// 115200 baud, 0xFF for write-one and read slots, 0x00 for write-zero.
type DS9097 struct {
	mx   sync.Mutex
	name string
	port Port
	mode serial.Mode
}

// OpenDS9097 opens the serial device, e.g. /dev/ttyUSB0.
func OpenDS9097(name string) (*DS9097, error) {
	mode := serial.Mode{
		BaudRate: ds9097SlotBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, &mode)
	if err != nil {
		return nil, fmt.Errorf("ds9097: could not open %s: %w", name, err)
	}
	return NewDS9097(name, port)
}

// NewDS9097 wraps an open port.
func NewDS9097(name string, port Port) (*DS9097, error) {
	d := &DS9097{
		name: name,
		port: port,
		mode: serial.Mode{
			BaudRate: ds9097SlotBaud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
	if err := port.SetReadTimeout(ds9097Timeout); err != nil {
		return nil, fmt.Errorf("ds9097: set read timeout: %w", err)
	}
	return d, nil
}

func (d *DS9097) setBaud(baud int) error {
	if d.mode.BaudRate == baud {
		return nil
	}
	d.mode.BaudRate = baud
	if err := d.port.SetMode(&d.mode); err != nil {
		return fmt.Errorf("ds9097: set baud rate %d: %w", baud, err)
	}
	return nil
}

func (d *DS9097) clear() error {
	if err := d.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("ds9097: reset input buffer: %w", err)
	}
	if err := d.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("ds9097: reset output buffer: %w", err)
	}
	return nil
}

// exchange sends one character and returns its echo.
func (d *DS9097) exchange(ctx context.Context, b byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := d.clear(); err != nil {
		return 0, err
	}
	if _, err := d.port.Write([]byte{b}); err != nil {
		return 0, fmt.Errorf("ds9097: write: %w", err)
	}
	var echo [1]byte
	n, err := d.port.Read(echo[:])
	if err != nil {
		return 0, fmt.Errorf("ds9097: read echo: %w", err)
	}
	if n != 1 {
		return 0, fmt.Errorf("ds9097: no echo on %s, are RX and TX tied to the bus?", d.name)
	}
	return echo[0], nil
}

func (d *DS9097) Reset(ctx context.Context) (bool, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.setBaud(ds9097ResetBaud); err != nil {
		return false, err
	}
	echo, err := d.exchange(ctx, ds9097Reset)
	if err != nil {
		return false, err
	}
	if err := d.setBaud(ds9097SlotBaud); err != nil {
		return false, err
	}
	slog.Debug("ds9097: reset", "echo", fmt.Sprintf("0x%02X", echo))
	return echo != ds9097Reset, nil
}

func (d *DS9097) WriteBit(ctx context.Context, bit byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.writeBit(ctx, bit)
}

func (d *DS9097) writeBit(ctx context.Context, bit byte) error {
	var out byte
	if bit&0x01 == 1 {
		out = 0xFF
	}
	echo, err := d.exchange(ctx, out)
	if err != nil {
		return err
	}
	if echo != out {
		return fmt.Errorf("ds9097: wrote 0x%02X, bus echoed 0x%02X: %w", out, echo, ErrCommandFailed)
	}
	return nil
}

func (d *DS9097) ReadBit(ctx context.Context) (byte, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	echo, err := d.exchange(ctx, 0xFF)
	if err != nil {
		return 0, err
	}
	if echo == 0xFF {
		return 1, nil
	}
	return 0, nil
}

// WriteBytes sends count bytes of value LSB first, one character per bit.
func (d *DS9097) WriteBytes(ctx context.Context, value uint32, count int) error {
	if err := onewire.CheckByteCount(count); err != nil {
		return err
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	for i := 0; i < count*8; i++ {
		if err := d.writeBit(ctx, byte(value&0x01)); err != nil {
			return err
		}
		value >>= 1
	}
	return nil
}

func (d *DS9097) Close() error {
	return d.port.Close()
}

func (d *DS9097) String() string {
	return fmt.Sprintf("DS9097{%s}", d.name)
}

var _ onewire.Master = &DS9097{}
