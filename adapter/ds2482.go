package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mklimuk/onewire"
)

const ds2482DefaultAddress = 0x18

// DS2482 commands.
const (
	ds2482CmdDeviceReset = 0xF0
	ds2482CmdWriteConfig = 0xD2
	ds2482CmdBusReset    = 0xB4
	ds2482CmdSingleBit   = 0x87
	ds2482CmdWriteByte   = 0xA5
	ds2482CmdReadByte    = 0x96
	ds2482CmdSetPointer  = 0xE1
)

// Read pointer codes.
const (
	ds2482RegStatus = 0xF0
	ds2482RegData   = 0xE1
	ds2482RegConfig = 0xC3
)

// Status register bits.
const (
	ds2482Status1WB = 0x01 // 1-Wire busy
	ds2482StatusPPD = 0x02 // presence pulse detected
	ds2482StatusSD  = 0x04 // short detected
	ds2482StatusRST = 0x10 // device reset since last config write
	ds2482StatusSBR = 0x20 // single bit result
)

// Configuration register bits.
const (
	ds2482ConfigAPU = 0x01 // active pull-up
	ds2482ConfigSPU = 0x04 // strong pull-up
)

var ErrBridgeBusy = errors.New("bridge still busy")

type DS2482Opts struct {
	Address       byte
	PollLimit     int
	PassivePullup bool
}

type DS2482Opt func(*DS2482Opts)

// WithBridgeAddress sets the I2C address of the bridge, 0x18 by default.
func WithBridgeAddress(address byte) DS2482Opt {
	return func(o *DS2482Opts) {
		o.Address = address
	}
}

// WithPollLimit bounds how many status reads wait for a bus cycle.
func WithPollLimit(limit int) DS2482Opt {
	return func(o *DS2482Opts) {
		o.PollLimit = limit
	}
}

// WithPassivePullup disables the active pull-up.
func WithPassivePullup() DS2482Opt {
	return func(o *DS2482Opts) {
		o.PassivePullup = true
	}
}

// DS2482 is a Maxim DS2482-100 (or DS2483) I2C to 1-Wire bridge. The bridge
// generates the time slots itself, so the I2C link only carries commands.
// See: https://www.analog.com/media/en/technical-documentation/data-sheets/DS2482-100.pdf
//
// Typical usage:
//
//	bridge, err := adapter.NewDS2482(ctx, adapter.NewMCP2221())
//	sensor, err := environment.NewDS18B20(ctx, bridge)
type DS2482 struct {
	mx        sync.Mutex
	transport onewire.I2CBus
	config    DS2482Opts
	confReg   byte
}

// NewDS2482 resets the bridge and writes its configuration.
func NewDS2482(ctx context.Context, transport onewire.I2CBus, opts ...DS2482Opt) (*DS2482, error) {
	config := DS2482Opts{
		Address:   ds2482DefaultAddress,
		PollLimit: 100,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Address < 0x18 || config.Address > 0x1F {
		return nil, fmt.Errorf("ds2482: address %#x not supported by device", config.Address)
	}
	d := &DS2482{transport: transport, config: config}
	if err := d.init(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DS2482) init(ctx context.Context) error {
	if err := d.transport.WriteToAddr(ctx, d.config.Address, []byte{ds2482CmdDeviceReset}); err != nil {
		return fmt.Errorf("ds2482: error while resetting: %w", err)
	}
	status, err := d.status(ctx)
	if err != nil {
		return err
	}
	if status&ds2482StatusRST == 0 {
		return fmt.Errorf("ds2482: invalid status register value %#x: %w", status, ErrCommandFailed)
	}
	d.confReg = ds2482ConfigAPU
	if d.config.PassivePullup {
		d.confReg = 0
	}
	return d.writeConfig(ctx, d.confReg)
}

// writeConfig writes the low nibble of conf with its complement in the high
// nibble and checks the read back value.
func (d *DS2482) writeConfig(ctx context.Context, conf byte) error {
	conf &= 0x0F
	if err := d.transport.WriteToAddr(ctx, d.config.Address, []byte{ds2482CmdWriteConfig, conf | ^conf<<4}); err != nil {
		return fmt.Errorf("ds2482: error writing config register: %w", err)
	}
	var readBack [1]byte
	if err := d.transport.ReadFromAddr(ctx, d.config.Address, readBack[:]); err != nil {
		return fmt.Errorf("ds2482: error reading config register: %w", err)
	}
	if readBack[0] != conf {
		return fmt.Errorf("ds2482: wrote config %#x got %#x back: %w", conf, readBack[0], ErrCommandFailed)
	}
	return nil
}

func (d *DS2482) status(ctx context.Context) (byte, error) {
	var status [1]byte
	if err := d.transport.ReadFromAddr(ctx, d.config.Address, status[:]); err != nil {
		return 0, fmt.Errorf("ds2482: error reading status: %w", err)
	}
	return status[0], nil
}

// waitIdle polls the status register until the 1-Wire cycle is over.
func (d *DS2482) waitIdle(ctx context.Context) (byte, error) {
	for i := 0; i < d.config.PollLimit; i++ {
		status, err := d.status(ctx)
		if err != nil {
			return 0, err
		}
		if status&ds2482Status1WB == 0 {
			return status, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("ds2482: waiting for bus cycle: %w", err)
		}
	}
	return 0, fmt.Errorf("ds2482: %d status polls: %w", d.config.PollLimit, ErrBridgeBusy)
}

func (d *DS2482) command(ctx context.Context, cmd ...byte) (byte, error) {
	if err := d.transport.WriteToAddr(ctx, d.config.Address, cmd); err != nil {
		return 0, fmt.Errorf("ds2482: command %#x: %w", cmd[0], err)
	}
	return d.waitIdle(ctx)
}

// Reset runs a 1-Wire reset and reports the presence pulse.
func (d *DS2482) Reset(ctx context.Context) (bool, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	status, err := d.command(ctx, ds2482CmdBusReset)
	if err != nil {
		return false, err
	}
	if status&ds2482StatusSD != 0 {
		slog.Debug("ds2482: short detected on the bus")
	}
	return status&ds2482StatusPPD != 0, nil
}

func (d *DS2482) WriteBit(ctx context.Context, bit byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.singleBit(ctx, bit)
	return err
}

// ReadBit is a write-one slot whose sampled level is returned.
func (d *DS2482) ReadBit(ctx context.Context) (byte, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.singleBit(ctx, 1)
}

func (d *DS2482) singleBit(ctx context.Context, bit byte) (byte, error) {
	var arg byte
	if bit&0x01 == 1 {
		arg = 0x80
	}
	status, err := d.command(ctx, ds2482CmdSingleBit, arg)
	if err != nil {
		return 0, err
	}
	if status&ds2482StatusSBR != 0 {
		return 1, nil
	}
	return 0, nil
}

// WriteBytes sends count bytes of value LSB first, one write byte command each.
func (d *DS2482) WriteBytes(ctx context.Context, value uint32, count int) error {
	if err := onewire.CheckByteCount(count); err != nil {
		return err
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	for i := 0; i < count; i++ {
		if _, err := d.command(ctx, ds2482CmdWriteByte, byte(value)); err != nil {
			return err
		}
		value >>= 8
	}
	return nil
}

// ReadBytes reads len(buf) bytes with the bridge read byte command, which
// costs three I2C transfers per byte instead of three per bit.
func (d *DS2482) ReadBytes(ctx context.Context, buf []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	for i := range buf {
		if _, err := d.command(ctx, ds2482CmdReadByte); err != nil {
			return err
		}
		if err := d.transport.WriteToAddr(ctx, d.config.Address, []byte{ds2482CmdSetPointer, ds2482RegData}); err != nil {
			return fmt.Errorf("ds2482: select data register: %w", err)
		}
		var data [1]byte
		if err := d.transport.ReadFromAddr(ctx, d.config.Address, data[:]); err != nil {
			return fmt.Errorf("ds2482: error reading data register: %w", err)
		}
		buf[i] = data[0]
	}
	return nil
}

// StrongPullup switches the strong pull-up for the next bus cycle, as parasite
// powered conversions need.
func (d *DS2482) StrongPullup(ctx context.Context, on bool) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	conf := d.confReg &^ ds2482ConfigSPU
	if on {
		conf |= ds2482ConfigSPU
	}
	return d.writeConfig(ctx, conf)
}

func (d *DS2482) String() string {
	return fmt.Sprintf("DS2482{%#x}", d.config.Address)
}

var _ onewire.Master = &DS2482{}
var _ onewire.StrongPuller = &DS2482{}
var _ onewire.ByteReader = &DS2482{}
