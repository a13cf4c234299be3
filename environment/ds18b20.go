package environment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/onewire"
)

// DS18B20 function commands.
const (
	cmdConvertT        byte = 0x44
	cmdWriteScratchpad byte = 0x4E
	cmdReadScratchpad  byte = 0xBE
	cmdCopyScratchpad  byte = 0x48
	cmdRecallEEPROM    byte = 0xB8
	cmdReadPowerSupply byte = 0xB4
)

const scratchpadBits = 72

type DS18B20Opts struct {
	MatchROM    bool
	PollTimeout time.Duration
	Clock       onewire.Clock
}

type DS18B20Opt func(*DS18B20Opts)

// WithMatchROM addresses the device by its identity instead of skip ROM.
func WithMatchROM() DS18B20Opt {
	return func(o *DS18B20Opts) {
		o.MatchROM = true
	}
}

// WithPollTimeout bounds every "wait for 1" poll. Zero polls forever.
func WithPollTimeout(d time.Duration) DS18B20Opt {
	return func(o *DS18B20Opts) {
		o.PollTimeout = d
	}
}

// WithClock sets the clock used for parasite power waits.
func WithClock(c onewire.Clock) DS18B20Opt {
	return func(o *DS18B20Opts) {
		o.Clock = c
	}
}

// DS18B20 represents a Maxim DS18B20 programmable resolution thermometer, the
// only device on its bus.
// See: https://www.analog.com/media/en/technical-documentation/data-sheets/DS18B20.pdf
//
// Typical usage:
//
//	d, err := NewDS18B20(ctx, master)
//	if !d.Detected() { ... }
//	t, err := d.GetTemperature(ctx)
//
// Protocol outcomes are reported as state: a missing presence pulse clears
// Detected and the operation still runs; the scratchpad CRC is kept but never
// checked. Only transport failures are returned as errors.
type DS18B20 struct {
	mx     sync.Mutex
	bus    onewire.Master
	config DS18B20Opts

	rom        onewire.ROM
	scratchpad Scratchpad
	detected   bool
	parasite   bool
	alarm      bool
}

// NewDS18B20 queries the power mode, reads the scratchpad and then the ROM of
// the device on the bus.
func NewDS18B20(ctx context.Context, bus onewire.Master, opts ...DS18B20Opt) (*DS18B20, error) {
	config := DS18B20Opts{}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Clock == nil {
		config.Clock = onewire.NewSystemClock()
	}
	d := &DS18B20{bus: bus, config: config}
	d.mx.Lock()
	defer d.mx.Unlock()
	// match ROM needs an identity, which is only known at the end
	if err := d.skipAndRun(ctx, d.readPowerSupply); err != nil {
		return nil, err
	}
	if err := d.skipAndRun(ctx, d.readScratchpad); err != nil {
		return nil, err
	}
	if err := d.reset(ctx); err != nil {
		return nil, err
	}
	if err := d.readROM(ctx); err != nil {
		return nil, err
	}
	slog.Debug("ds18b20: detected", "rom", d.rom.String(), "present", d.detected, "parasite", d.parasite)
	return d, nil
}

func (d *DS18B20) reset(ctx context.Context) error {
	present, err := d.bus.Reset(ctx)
	if err != nil {
		return fmt.Errorf("ds18b20: reset: %w", err)
	}
	d.detected = present
	return nil
}

func (d *DS18B20) address(ctx context.Context) error {
	if d.config.MatchROM {
		return onewire.MatchROM(ctx, d.bus, d.rom)
	}
	return onewire.SkipROM(ctx, d.bus)
}

// run performs reset and addressing and then op.
func (d *DS18B20) run(ctx context.Context, op func(context.Context) error) error {
	if err := d.reset(ctx); err != nil {
		return err
	}
	if err := d.address(ctx); err != nil {
		return fmt.Errorf("ds18b20: %w", err)
	}
	return op(ctx)
}

func (d *DS18B20) skipAndRun(ctx context.Context, op func(context.Context) error) error {
	if err := d.reset(ctx); err != nil {
		return err
	}
	if err := onewire.SkipROM(ctx, d.bus); err != nil {
		return fmt.Errorf("ds18b20: %w", err)
	}
	return op(ctx)
}

func (d *DS18B20) command(ctx context.Context, cmd byte) error {
	if err := d.bus.WriteBytes(ctx, uint32(cmd), 1); err != nil {
		return fmt.Errorf("ds18b20: command 0x%02X: %w", cmd, err)
	}
	return nil
}

// pollUntilOne runs read slots until the device releases the line.
func (d *DS18B20) pollUntilOne(ctx context.Context, what string) error {
	if d.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.PollTimeout)
		defer cancel()
	}
	polls := 0
	for {
		bit, err := d.bus.ReadBit(ctx)
		if err != nil {
			return fmt.Errorf("ds18b20: %s poll: %w", what, err)
		}
		polls++
		if bit == 1 {
			slog.Debug("ds18b20: done", "op", what, "polls", polls)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ds18b20: %s not complete after %d polls: %w", what, polls, err)
		}
	}
}

// ConvertT starts a temperature conversion and waits for it to finish. A
// parasite powered device cannot signal completion, so the wait is a fixed
// ConversionWait for the current resolution.
func (d *DS18B20) ConvertT(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.run(ctx, d.convertT)
}

func (d *DS18B20) convertT(ctx context.Context) error {
	if d.parasite {
		return d.powered(ctx, cmdConvertT, ConversionWait(d.scratchpad.Resolution()), "conversion")
	}
	if err := d.command(ctx, cmdConvertT); err != nil {
		return err
	}
	return d.pollUntilOne(ctx, "conversion")
}

// powered sends cmd to a parasite powered device and keeps the line strongly
// pulled up for wait. Masters without a StrongPuller already hold the line
// driven high.
func (d *DS18B20) powered(ctx context.Context, cmd byte, wait time.Duration, what string) error {
	puller, ok := d.bus.(onewire.StrongPuller)
	if ok {
		if err := puller.StrongPullup(ctx, true); err != nil {
			return fmt.Errorf("ds18b20: arm strong pull-up for %s: %w", what, err)
		}
	}
	err := d.command(ctx, cmd)
	if err == nil {
		if werr := onewire.BusyWait(ctx, d.config.Clock, wait); werr != nil {
			err = fmt.Errorf("ds18b20: %s wait: %w", what, werr)
		}
	}
	if ok {
		// release even when the wait was cut short
		if perr := puller.StrongPullup(context.WithoutCancel(ctx), false); perr != nil && err == nil {
			err = fmt.Errorf("ds18b20: release strong pull-up after %s: %w", what, perr)
		}
	}
	return err
}

// ConvertTAsync runs ConvertT on its own goroutine. The channel receives the
// result and is closed.
func (d *DS18B20) ConvertTAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- d.ConvertT(ctx)
	}()
	return done
}

// WriteScratchpad sets the alarm thresholds and resolution in the volatile
// registers. A resolution outside 9..12 is written as 12. The local state is
// only refreshed by ReadScratchpad.
func (d *DS18B20) WriteScratchpad(ctx context.Context, high, low int8, res int) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.run(ctx, func(ctx context.Context) error {
		return d.writeScratchpad(ctx, high, low, res)
	})
}

func (d *DS18B20) writeScratchpad(ctx context.Context, high, low int8, res int) error {
	if err := d.command(ctx, cmdWriteScratchpad); err != nil {
		return err
	}
	if err := d.bus.WriteBytes(ctx, packScratchpad(high, low, res), 3); err != nil {
		return fmt.Errorf("ds18b20: scratchpad payload: %w", err)
	}
	return nil
}

// ReadScratchpad reads all 9 bytes and refreshes temperature, thresholds and
// resolution.
func (d *DS18B20) ReadScratchpad(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.run(ctx, d.readScratchpad)
}

func (d *DS18B20) readScratchpad(ctx context.Context) error {
	if err := d.command(ctx, cmdReadScratchpad); err != nil {
		return err
	}
	var sp Scratchpad
	if err := onewire.ReadBits(ctx, d.bus, sp[:], scratchpadBits); err != nil {
		return fmt.Errorf("ds18b20: read scratchpad: %w", err)
	}
	d.scratchpad = sp
	slog.Debug("ds18b20: scratchpad", "raw", sp.String(), "temperature", sp.Temperature(), "resolution", sp.Resolution())
	return nil
}

// CopyScratchpad persists TH, TL and the configuration register to EEPROM.
func (d *DS18B20) CopyScratchpad(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.run(ctx, d.copyScratchpad)
}

func (d *DS18B20) copyScratchpad(ctx context.Context) error {
	if d.parasite {
		return d.powered(ctx, cmdCopyScratchpad, parasiteCopy, "copy")
	}
	return d.command(ctx, cmdCopyScratchpad)
}

// RecallEEPROM reloads TH, TL and configuration from EEPROM into the
// scratchpad and waits for the transfer to finish.
func (d *DS18B20) RecallEEPROM(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.run(ctx, func(ctx context.Context) error {
		if err := d.command(ctx, cmdRecallEEPROM); err != nil {
			return err
		}
		return d.pollUntilOne(ctx, "recall")
	})
}

// ReadPowerSupply refreshes the parasite power flag.
func (d *DS18B20) ReadPowerSupply(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.run(ctx, d.readPowerSupply)
}

func (d *DS18B20) readPowerSupply(ctx context.Context) error {
	if err := d.command(ctx, cmdReadPowerSupply); err != nil {
		return err
	}
	bit, err := d.bus.ReadBit(ctx)
	if err != nil {
		return fmt.Errorf("ds18b20: read power supply: %w", err)
	}
	d.parasite = bit == 0
	return nil
}

// ReadROM refreshes the stored identity.
func (d *DS18B20) ReadROM(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.reset(ctx); err != nil {
		return err
	}
	return d.readROM(ctx)
}

func (d *DS18B20) readROM(ctx context.Context) error {
	rom, err := onewire.ReadROM(ctx, d.bus)
	if err != nil {
		return fmt.Errorf("ds18b20: %w", err)
	}
	d.rom = rom
	return nil
}

// AlarmSearch refreshes AlarmActive.
func (d *DS18B20) AlarmSearch(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.reset(ctx); err != nil {
		return err
	}
	alarm, err := onewire.AlarmSearch(ctx, d.bus)
	if err != nil {
		return fmt.Errorf("ds18b20: %w", err)
	}
	d.alarm = alarm
	return nil
}

// GetTemperature converts and reads back the temperature in Celsius.
func (d *DS18B20) GetTemperature(ctx context.Context) (float32, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.run(ctx, d.convertT); err != nil {
		return 0, err
	}
	if err := d.run(ctx, d.readScratchpad); err != nil {
		return 0, err
	}
	return d.scratchpad.Temperature(), nil
}

// Settings is the configurable part of the scratchpad.
type Settings struct {
	AlarmHigh  int8 `yaml:"alarm_high"`
	AlarmLow   int8 `yaml:"alarm_low"`
	Resolution int  `yaml:"resolution"`
	// Persist copies the settings to EEPROM.
	Persist bool `yaml:"persist"`
}

// Configure writes the settings, reads them back and optionally persists them.
func (d *DS18B20) Configure(ctx context.Context, s Settings) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	err := d.run(ctx, func(ctx context.Context) error {
		return d.writeScratchpad(ctx, s.AlarmHigh, s.AlarmLow, s.Resolution)
	})
	if err != nil {
		return err
	}
	if err := d.run(ctx, d.readScratchpad); err != nil {
		return err
	}
	if !s.Persist {
		return nil
	}
	return d.run(ctx, d.copyScratchpad)
}

func (d *DS18B20) ROM() onewire.ROM {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.rom
}

func (d *DS18B20) Temperature() float32 {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.scratchpad.Temperature()
}

func (d *DS18B20) AlarmHigh() int8 {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.scratchpad.AlarmHigh()
}

func (d *DS18B20) AlarmLow() int8 {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.scratchpad.AlarmLow()
}

func (d *DS18B20) Resolution() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.scratchpad.Resolution()
}

// Detected reports whether the last reset saw a presence pulse.
func (d *DS18B20) Detected() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.detected
}

func (d *DS18B20) Parasite() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.parasite
}

func (d *DS18B20) AlarmActive() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.alarm
}

// Scratchpad returns the raw bytes of the last read.
func (d *DS18B20) Scratchpad() Scratchpad {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.scratchpad
}

func (d *DS18B20) Family() Family {
	return Family(d.ROM().Family())
}

func (d *DS18B20) String() string {
	return d.Family().String() + "{" + d.ROM().String() + "}"
}

// State is a snapshot of everything the driver knows about the device.
type State struct {
	ROM         string           `yaml:"rom"`
	Family      string           `yaml:"family"`
	Detected    bool             `yaml:"detected"`
	Parasite    bool             `yaml:"parasite"`
	AlarmActive bool             `yaml:"alarm_active"`
	Temperature float32          `yaml:"temperature"`
	AlarmHigh   int8             `yaml:"alarm_high"`
	AlarmLow    int8             `yaml:"alarm_low"`
	Resolution  int              `yaml:"resolution"`
	Scratchpad  string           `yaml:"scratchpad"`
	Features    onewire.Features `yaml:"features"`
}

func (d *DS18B20) State() State {
	d.mx.Lock()
	defer d.mx.Unlock()
	return State{
		ROM:         d.rom.String(),
		Family:      Family(d.rom.Family()).String(),
		Detected:    d.detected,
		Parasite:    d.parasite,
		AlarmActive: d.alarm,
		Temperature: d.scratchpad.Temperature(),
		AlarmHigh:   d.scratchpad.AlarmHigh(),
		AlarmLow:    d.scratchpad.AlarmLow(),
		Resolution:  d.scratchpad.Resolution(),
		Scratchpad:  d.scratchpad.String(),
		Features:    onewire.Capabilities(),
	}
}
