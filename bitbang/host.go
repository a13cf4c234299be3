package bitbang

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// OpenPin initializes the periph host drivers and returns the named pin
// (e.g. "GPIO4"). The pin is returned as is; NewMaster drives it high.
func OpenPin(name string) (gpio.PinIO, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("bitbang: host driver loaded", "driver", driver.String())
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("bitbang: pin %q not found", name)
	}
	return pin, nil
}
