// Package bitbang drives a 1-Wire bus from a single GPIO line, producing the
// reset, write and read time slots in software.
//
// Typical usage:
//
//	pin, err := bitbang.OpenPin("GPIO4")
//	m, err := bitbang.NewMaster(pin)
//	present, err := m.Reset(ctx)
package bitbang

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	owbus "periph.io/x/conn/v3/onewire"

	"github.com/mklimuk/onewire"
)

// Line is the part of a GPIO pin the master needs. Every periph gpio.PinIO
// satisfies it.
type Line interface {
	Out(l gpio.Level) error
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
}

type MasterOpts struct {
	Clock    onewire.Clock
	Critical Critical
	Name     string
}

type MasterOpt func(*MasterOpts)

func WithClock(c onewire.Clock) MasterOpt {
	return func(o *MasterOpts) {
		o.Clock = c
	}
}

func WithCritical(c Critical) MasterOpt {
	return func(o *MasterOpts) {
		o.Critical = c
	}
}

func WithName(name string) MasterOpt {
	return func(o *MasterOpts) {
		o.Name = name
	}
}

// Master is a bit-banged bus master. Every primitive leaves the line driven
// high in output mode so the next operation starts from a known level; that
// level also acts as the strong pull-up parasite powered devices need.
type Master struct {
	mx       sync.Mutex // held for a whole Tx
	line     Line
	clock    onewire.Clock
	critical Critical
	name     string
}

// NewMaster wraps line and drives it high.
func NewMaster(line Line, opts ...MasterOpt) (*Master, error) {
	config := MasterOpts{
		Name: "line",
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Clock == nil {
		config.Clock = onewire.NewSystemClock()
	}
	if config.Critical == nil {
		config.Critical = &RuntimeCritical{}
	}
	m := &Master{
		line:     line,
		clock:    config.Clock,
		critical: config.Critical,
		name:     config.Name,
	}
	if err := line.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("bitbang: could not drive %s high: %w", config.Name, err)
	}
	return m, nil
}

// Reset sends the reset pulse and samples the presence pulse. The whole
// sequence runs in one critical region.
func (m *Master) Reset(ctx context.Context) (bool, error) {
	exit := m.critical.Enter()
	defer exit()

	if err := m.line.Out(gpio.Low); err != nil {
		return false, m.recover(fmt.Errorf("bitbang: reset pulse: %w", err))
	}
	m.clock.Delay(resetLow)
	if err := m.line.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return false, m.recover(fmt.Errorf("bitbang: release after reset: %w", err))
	}
	m.clock.Delay(presenceSample)
	present := m.line.Read() == gpio.Low
	m.clock.Delay(resetHigh)
	// the presence pulse must be over by now
	if present {
		present = m.line.Read() == gpio.High
	}
	if err := m.line.Out(gpio.High); err != nil {
		return false, fmt.Errorf("bitbang: drive high after reset: %w", err)
	}
	slog.Debug("bitbang: reset", "line", m.name, "presence", present)
	return present, nil
}

// WriteBit runs a write-one or write-zero slot depending on the lowest bit.
func (m *Master) WriteBit(ctx context.Context, bit byte) error {
	exit := m.critical.Enter()
	defer exit()
	if err := m.writeBit(bit); err != nil {
		return fmt.Errorf("bitbang: %w", err)
	}
	return nil
}

// ReadBit runs a read slot.
func (m *Master) ReadBit(ctx context.Context) (byte, error) {
	exit := m.critical.Enter()
	defer exit()
	return m.readSlot()
}

// WriteBytes sends count bytes of value LSB first in a single critical region.
func (m *Master) WriteBytes(ctx context.Context, value uint32, count int) error {
	if err := onewire.CheckByteCount(count); err != nil {
		return err
	}
	exit := m.critical.Enter()
	defer exit()
	for i := 0; i < count*8; i++ {
		if err := m.writeBit(byte(value & 0x01)); err != nil {
			return fmt.Errorf("bitbang: bit %d: %w", i, err)
		}
		value >>= 1
	}
	return nil
}

func (m *Master) writeBit(bit byte) error {
	if bit&0x01 == 1 {
		return m.writeOneSlot()
	}
	return m.writeZeroSlot()
}

// writeZeroSlot keeps the line low for the whole slot. Holding it much longer
// than 120us starts to look like a reset to the devices.
func (m *Master) writeZeroSlot() error {
	if err := m.line.Out(gpio.Low); err != nil {
		return m.recover(fmt.Errorf("write 0 slot: %w", err))
	}
	m.clock.Delay(write0Low)
	if err := m.line.Out(gpio.High); err != nil {
		return fmt.Errorf("write 0 slot release: %w", err)
	}
	m.clock.Delay(write0Recovery)
	return nil
}

// writeOneSlot releases the line within 15us. Going high quickly matters for
// parasite powered devices.
func (m *Master) writeOneSlot() error {
	if err := m.line.Out(gpio.Low); err != nil {
		return m.recover(fmt.Errorf("write 1 slot: %w", err))
	}
	m.clock.Delay(write1Low)
	if err := m.line.Out(gpio.High); err != nil {
		return fmt.Errorf("write 1 slot release: %w", err)
	}
	m.clock.Delay(write1High)
	return nil
}

// readSlot starts a slot, releases the line and samples it before the 15us
// validity window closes. A device sends 0 by holding the line low.
func (m *Master) readSlot() (byte, error) {
	if err := m.line.Out(gpio.Low); err != nil {
		return 0, m.recover(fmt.Errorf("bitbang: read slot: %w", err))
	}
	m.clock.Delay(readLow)
	if err := m.line.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return 0, m.recover(fmt.Errorf("bitbang: read slot release: %w", err))
	}
	m.clock.Delay(readSample)
	var bit byte
	if m.line.Read() == gpio.High {
		bit = 1
	}
	m.clock.Delay(readRest)
	if err := m.line.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("bitbang: read slot drive high: %w", err)
	}
	m.clock.Delay(readRecovery)
	return bit, nil
}

// recover tries to put the line back to output high after a failure.
func (m *Master) recover(err error) error {
	if herr := m.line.Out(gpio.High); herr != nil {
		return errors.Join(err, fmt.Errorf("bitbang: restore line: %w", herr))
	}
	return err
}

func (m *Master) String() string {
	return "bitbang(" + m.name + ")"
}

// Halt implements conn.Resource.
func (m *Master) Halt() error {
	return nil
}

// Tx implements onewire.Bus from periph: reset, write w, then fill r. The line
// is always left driven high, which is a strong pull-up, so power is ignored.
func (m *Master) Tx(w, r []byte, power owbus.Pullup) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	ctx := context.Background()
	present, err := m.Reset(ctx)
	if err != nil {
		return err
	}
	if !present {
		return busError("bitbang: no device present")
	}
	for i, b := range w {
		if err := m.WriteBytes(ctx, uint32(b), 1); err != nil {
			return fmt.Errorf("bitbang: tx byte %d: %w", i, err)
		}
	}
	for i := range r {
		r[i] = 0
		if err := onewire.ReadBits(ctx, m, r[i:i+1], 8); err != nil {
			return fmt.Errorf("bitbang: rx byte %d: %w", i, err)
		}
	}
	return nil
}

// Search implements onewire.Bus. ROM search is not provided.
func (m *Master) Search(alarmOnly bool) ([]owbus.Address, error) {
	return nil, onewire.ErrNotSupported
}

// SearchTriplet implements onewire.Bus. ROM search is not provided.
func (m *Master) SearchTriplet(direction byte) (owbus.TripletResult, error) {
	return owbus.TripletResult{}, onewire.ErrNotSupported
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ onewire.Master = &Master{}
var _ owbus.Bus = &Master{}
var _ conn.Resource = &Master{}
