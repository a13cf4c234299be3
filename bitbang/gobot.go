package bitbang

import (
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/gpio"
)

// DigitalPins is the digital pin capability of a gobot adaptor.
type DigitalPins interface {
	DigitalRead(id string) (int, error)
	DigitalWrite(id string, val byte) error
}

// DigitalLine adapts a gobot digital pin to Line. Gobot switches the pin
// direction on every read or write, so In is a read whose value is dropped.
//
// Gobot pins go through the sysfs or cdev layers; whether slot timing holds
// depends on the board.
type DigitalLine struct {
	pins DigitalPins
	id   string
	err  error
}

func NewDigitalLine(pins DigitalPins, id string) *DigitalLine {
	return &DigitalLine{pins: pins, id: id}
}

func (l *DigitalLine) Out(level gpio.Level) error {
	var val byte
	if level == gpio.High {
		val = 1
	}
	if err := l.pins.DigitalWrite(l.id, val); err != nil {
		return fmt.Errorf("gobot pin %s write: %w", l.id, err)
	}
	return nil
}

func (l *DigitalLine) In(pull gpio.Pull, edge gpio.Edge) error {
	if _, err := l.pins.DigitalRead(l.id); err != nil {
		return fmt.Errorf("gobot pin %s release: %w", l.id, err)
	}
	return nil
}

// Read samples the pin. A failed read reports the idle (high) level and is
// kept for Err.
func (l *DigitalLine) Read() gpio.Level {
	val, err := l.pins.DigitalRead(l.id)
	if err != nil {
		l.err = err
		slog.Debug("bitbang: gobot pin read failed", "pin", l.id, "error", err)
		return gpio.High
	}
	return val != 0
}

// Err returns the last read error.
func (l *DigitalLine) Err() error {
	return l.err
}

func (l *DigitalLine) String() string {
	return "gobot:" + l.id
}

// OpenNeoPin connects a NanoPi NEO adaptor and returns the line on the given
// header pin (e.g. "7"). The returned func finalizes the adaptor.
func OpenNeoPin(id string) (*DigitalLine, func() error, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.Connect(); err != nil {
		return nil, nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	return NewDigitalLine(npi, id), npi.Finalize, nil
}
