// Package wiretest simulates a 1-Wire line in virtual time so bus masters and
// device drivers can be tested without hardware.
//
// A Wire is at once the GPIO line, the clock and the critical region provider
// of a bit-banged master. Time only advances through Delay, so slot timing is
// exact and tests run instantly:
//
//	w := wiretest.NewWire(wiretest.NewDevice(wiretest.DefaultROM))
//	m, _ := bitbang.NewMaster(w, bitbang.WithClock(w), bitbang.WithCritical(w))
package wiretest

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Recognized low pulse widths.
const (
	maxShortLow = 15 * time.Microsecond
	minResetLow = 480 * time.Microsecond
)

type SlotKind int

const (
	// SlotShort is a write-1 or read slot (released within 15us).
	SlotShort SlotKind = iota
	// SlotZero is a write-0 slot.
	SlotZero
	// SlotReset is a reset pulse.
	SlotReset
)

func (k SlotKind) String() string {
	switch k {
	case SlotShort:
		return "short"
	case SlotZero:
		return "zero"
	default:
		return "reset"
	}
}

// Slot is one low pulse driven by the master.
type Slot struct {
	Start    time.Duration // falling edge
	Low      time.Duration // how long the master held the line low
	Kind     SlotKind
	Critical bool          // released inside a critical region
	Sampled  bool          // the master read the line during the slot
	SampleAt time.Duration // first sample, relative to Start
}

// Wire is a simulated open-drain line with an optional device attached.
type Wire struct {
	mx sync.Mutex

	now    time.Duration
	output bool
	level  gpio.Level

	lowActive bool
	fallAt    time.Duration

	device *Device

	// OutErr, when set, is returned by every Out call.
	OutErr error

	Slots  []Slot
	Delays []time.Duration

	depth  int
	enters int
	exits  int
}

// NewWire returns an idle line. dev may be nil for an empty bus.
func NewWire(dev *Device) *Wire {
	return &Wire{device: dev, output: true, level: gpio.High}
}

func (w *Wire) Device() *Device {
	return w.device
}

func (w *Wire) String() string {
	return "wiretest"
}

// Out drives the line in output mode.
func (w *Wire) Out(l gpio.Level) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.OutErr != nil {
		return w.OutErr
	}
	w.output = true
	w.level = l
	if l == gpio.Low {
		w.fall()
	} else {
		w.release()
	}
	return nil
}

// In releases the line; the pull-up takes it high unless a device holds it.
func (w *Wire) In(pull gpio.Pull, edge gpio.Edge) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.output = false
	w.release()
	return nil
}

// Read samples the line.
func (w *Wire) Read() gpio.Level {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.output {
		return w.level
	}
	if n := len(w.Slots); n > 0 && !w.Slots[n-1].Sampled && !w.lowActive {
		w.Slots[n-1].Sampled = true
		w.Slots[n-1].SampleAt = w.now - w.Slots[n-1].Start
	}
	if w.device != nil && w.device.pulling(w.now) {
		return gpio.Low
	}
	return gpio.High
}

func (w *Wire) fall() {
	if w.lowActive {
		return
	}
	w.lowActive = true
	w.fallAt = w.now
	if w.device != nil {
		w.device.fall(w.now)
	}
}

func (w *Wire) release() {
	if !w.lowActive {
		return
	}
	w.lowActive = false
	low := w.now - w.fallAt
	kind := SlotZero
	switch {
	case low >= minResetLow:
		kind = SlotReset
	case low < maxShortLow:
		kind = SlotShort
	}
	w.Slots = append(w.Slots, Slot{Start: w.fallAt, Low: low, Kind: kind, Critical: w.depth > 0})
	if w.device != nil {
		w.device.release(w.fallAt, w.now)
	}
}

// Now implements onewire.Clock.
func (w *Wire) Now() time.Duration {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.now
}

// Delay implements onewire.Clock by advancing virtual time.
func (w *Wire) Delay(d time.Duration) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.now += d
	w.Delays = append(w.Delays, d)
}

// Enter implements bitbang.Critical and counts region entries and exits.
func (w *Wire) Enter() func() {
	w.mx.Lock()
	w.depth++
	w.enters++
	w.mx.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mx.Lock()
			w.depth--
			w.exits++
			w.mx.Unlock()
		})
	}
}

// Balanced reports whether every critical region entered has been exited.
func (w *Wire) Balanced() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.depth == 0 && w.enters == w.exits
}

// Regions returns how many critical regions were entered.
func (w *Wire) Regions() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.enters
}

// IsHigh reports whether the line is driven high in output mode.
func (w *Wire) IsHigh() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.output && w.level == gpio.High
}

// LongestDelay returns the longest single Delay call.
func (w *Wire) LongestDelay() time.Duration {
	w.mx.Lock()
	defer w.mx.Unlock()
	var longest time.Duration
	for _, d := range w.Delays {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// Reset clears recorded slots and delays.
func (w *Wire) Reset() {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.Slots = nil
	w.Delays = nil
}

// WrittenBits decodes slots as master writes: short slots are 1, zero slots 0.
// Reset pulses are skipped.
func WrittenBits(slots []Slot) []byte {
	bits := make([]byte, 0, len(slots))
	for _, s := range slots {
		switch s.Kind {
		case SlotShort:
			bits = append(bits, 1)
		case SlotZero:
			bits = append(bits, 0)
		}
	}
	return bits
}
