package wiretest

import (
	"math"
	"sync"
	"time"

	owbus "periph.io/x/conn/v3/onewire"

	"github.com/mklimuk/onewire"
)

// DefaultROM is the identity of a real DS18B20.
var DefaultROM = onewire.ROM{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}

// Power-on scratchpad: 85C, TH 75, TL 70, 12-bit resolution.
var powerOn = [8]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}

const (
	slotHold         = 30 * time.Microsecond
	defaultPresDelay = 30 * time.Microsecond
	defaultPresWidth = 120 * time.Microsecond
	copyTime         = 10 * time.Millisecond
	defaultRecall    = time.Millisecond
)

type devState int

const (
	stIdle devState = iota
	stROM
	stMatch
	stFunc
	stRecv
	stSend
	stPoll
)

// Device simulates a DS18B20 attached to a Wire. Exported fields may be set
// before the device is used.
type Device struct {
	mx sync.Mutex

	ROM         onewire.ROM
	Parasite    bool
	Temperature float64 // value measured by the next conversion

	// Silent devices never answer a reset.
	Silent        bool
	PresenceDelay time.Duration
	PresenceWidth time.Duration
	// ConversionTime overrides the datasheet conversion time when set.
	ConversionTime time.Duration
	RecallTime     time.Duration

	scratch [8]byte
	eeprom  [3]byte
	alarm   bool

	state  devState
	rx     byte
	rxBits int
	recv   []byte
	want   int
	onRecv func([]byte)
	tx     []byte // pending bits, 0 or 1

	busyUntil  time.Duration
	pending    bool
	pendingRaw int16
	converting bool

	edge         time.Duration // last release
	presenceFrom time.Duration
	presenceTo   time.Duration
	holdUntil    time.Duration

	commands    []byte
	conversions int
	faults      int
	copies      int
}

func NewDevice(rom onewire.ROM) *Device {
	d := &Device{
		ROM:           rom,
		Temperature:   25,
		PresenceDelay: defaultPresDelay,
		PresenceWidth: defaultPresWidth,
		RecallTime:    defaultRecall,
		scratch:       powerOn,
	}
	copy(d.eeprom[:], powerOn[2:5])
	return d
}

// Scratchpad returns the 9 scratchpad bytes including the check byte.
func (d *Device) Scratchpad() [9]byte {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.scratchpad()
}

func (d *Device) scratchpad() [9]byte {
	var sp [9]byte
	copy(sp[:], d.scratch[:])
	sp[8] = owbus.CalcCRC(d.scratch[:])
	return sp
}

// EEPROM returns the persisted TH, TL and configuration bytes.
func (d *Device) EEPROM() [3]byte {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.eeprom
}

// SetScratchpad overwrites the scratchpad RAM, e.g. to inject malformed
// configuration bytes.
func (d *Device) SetScratchpad(b [8]byte) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.scratch = b
}

// Commands returns every ROM and function command byte received.
func (d *Device) Commands() []byte {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]byte(nil), d.commands...)
}

// Conversions returns the number of completed temperature conversions.
func (d *Device) Conversions() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.conversions
}

// PowerFaults counts conversions lost because a parasite powered device saw
// the line go low before the conversion ended.
func (d *Device) PowerFaults() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.faults
}

// Copies counts completed copy scratchpad operations.
func (d *Device) Copies() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.copies
}

// Alarm reports the alarm flag set by the last conversion.
func (d *Device) Alarm() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.alarm
}

func (d *Device) resolution() int {
	return int((d.scratch[4]>>5)&0x03) + 9
}

func (d *Device) conversionTime() time.Duration {
	if d.ConversionTime > 0 {
		return d.ConversionTime
	}
	return (750 * time.Millisecond) >> (12 - d.resolution())
}

func (d *Device) pulling(now time.Duration) bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	if now >= d.presenceFrom && now < d.presenceTo {
		return true
	}
	return now < d.holdUntil
}

// fall is called on every falling edge driven by the master.
func (d *Device) fall(now time.Duration) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if !d.converting {
		return
	}
	if now >= d.busyUntil {
		d.complete()
		return
	}
	if d.Parasite {
		// the device lost its supply mid conversion
		d.converting = false
		d.pending = false
		d.faults++
		d.scratch[0], d.scratch[1] = powerOn[0], powerOn[1]
	}
}

func (d *Device) complete() {
	d.converting = false
	if !d.pending {
		return
	}
	d.pending = false
	d.scratch[0] = byte(d.pendingRaw)
	d.scratch[1] = byte(d.pendingRaw >> 8)
	whole := int8(d.pendingRaw >> 4)
	d.alarm = whole >= int8(d.scratch[2]) || whole <= int8(d.scratch[3])
	d.conversions++
}

// release is called when the master lets the line go after a low pulse that
// started at fall.
func (d *Device) release(fall, now time.Duration) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.edge = now
	low := now - fall
	switch {
	case low >= minResetLow:
		d.reset(now)
	case low < maxShortLow:
		d.shortSlot(fall, now)
	default:
		d.receive(0)
	}
}

func (d *Device) reset(now time.Duration) {
	if d.converting && now >= d.busyUntil {
		d.complete()
	}
	d.rx, d.rxBits = 0, 0
	d.tx = nil
	d.holdUntil = 0
	if d.Silent {
		d.state = stIdle
		d.presenceFrom, d.presenceTo = 0, 0
		return
	}
	d.state = stROM
	d.presenceFrom = now + d.PresenceDelay
	d.presenceTo = d.presenceFrom + d.PresenceWidth
}

func (d *Device) shortSlot(fall, now time.Duration) {
	switch d.state {
	case stSend:
		bit := d.tx[0]
		d.tx = d.tx[1:]
		if bit == 0 {
			d.holdUntil = fall + slotHold
		}
		if len(d.tx) == 0 {
			d.state = stIdle
		}
	case stPoll:
		if now < d.busyUntil {
			d.holdUntil = fall + slotHold
		}
	case stIdle:
	default:
		d.receive(1)
	}
}

func (d *Device) receive(bit byte) {
	switch d.state {
	case stROM, stMatch, stFunc, stRecv:
	default:
		return
	}
	d.rx |= bit << d.rxBits
	d.rxBits++
	if d.rxBits < 8 {
		return
	}
	b := d.rx
	d.rx, d.rxBits = 0, 0
	d.handle(b)
}

func (d *Device) handle(b byte) {
	switch d.state {
	case stROM:
		d.commands = append(d.commands, b)
		d.romCommand(b)
	case stMatch, stRecv:
		d.recv = append(d.recv, b)
		if len(d.recv) == d.want {
			d.state = stIdle
			d.onRecv(d.recv)
		}
	case stFunc:
		d.commands = append(d.commands, b)
		d.functionCommand(b)
	}
}

func (d *Device) expect(n int, next devState, fn func([]byte)) {
	d.recv = d.recv[:0]
	d.want = n
	d.onRecv = fn
	d.state = next
}

func (d *Device) send(bytes []byte) {
	d.tx = d.tx[:0]
	for _, b := range bytes {
		for i := 0; i < 8; i++ {
			d.tx = append(d.tx, (b>>i)&0x01)
		}
	}
	d.state = stSend
}

func (d *Device) sendBit(bit byte) {
	d.tx = append(d.tx[:0], bit&0x01)
	d.state = stSend
}

func (d *Device) romCommand(b byte) {
	switch b {
	case onewire.CmdReadROM:
		d.send(d.ROM[:])
	case onewire.CmdSkipROM:
		d.state = stFunc
	case onewire.CmdMatchROM:
		d.expect(8, stMatch, func(rom []byte) {
			if onewire.ROM(rom) == d.ROM {
				d.state = stFunc
			}
		})
	case onewire.CmdAlarmSearch:
		if d.alarm {
			d.sendBit(0)
		} else {
			d.state = stIdle
		}
	default:
		d.state = stIdle
	}
}

func (d *Device) functionCommand(b byte) {
	switch b {
	case 0x44:
		d.startConversion()
	case 0x4e:
		d.expect(3, stRecv, func(data []byte) {
			d.scratch[2] = data[0]
			d.scratch[3] = data[1]
			d.scratch[4] = data[2]&0x60 | 0x1f
		})
	case 0xbe:
		// an unfinished conversion leaves the previous reading in place
		sp := d.scratchpad()
		d.send(sp[:])
	case 0x48:
		copy(d.eeprom[:], d.scratch[2:5])
		d.copies++
		d.busyUntil = d.edge + copyTime
		d.state = stPoll
	case 0xb8:
		copy(d.scratch[2:5], d.eeprom[:])
		d.busyUntil = d.edge + d.RecallTime
		d.state = stPoll
	case 0xb4:
		if d.Parasite {
			d.sendBit(0)
		} else {
			d.sendBit(1)
		}
	default:
		d.state = stIdle
	}
}

func (d *Device) startConversion() {
	raw := int16(math.Round(d.Temperature * 16))
	switch d.resolution() {
	case 9:
		raw &^= 0x07
	case 10:
		raw &^= 0x03
	case 11:
		raw &^= 0x01
	}
	d.pendingRaw = raw
	d.pending = true
	d.converting = true
	d.busyUntil = d.edge + d.conversionTime()
	d.state = stPoll
}
