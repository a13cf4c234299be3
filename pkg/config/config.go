// Package config holds the command line tool configuration file and the
// build information injected at link time.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Set by the dev build tool through -ldflags. The names are the ones
// devtool's GoBuild injects.
var (
	AppVersion = "latest"
	GitCommit  = "none"
	BuildTime  = "unknown"
)

const (
	DriverGPIO   = "gpio"
	DriverGobot  = "gobot"
	DriverDS2482 = "ds2482"
	DriverDS9097 = "ds9097"

	BridgeMCP2221 = "mcp2221"
	BridgeI2C     = "i2c"

	AddressingSkip  = "skip"
	AddressingMatch = "match"
)

var ErrInvalid = errors.New("invalid configuration")

type Bus struct {
	Driver  string `yaml:"driver"`
	Pin     string `yaml:"pin,omitempty"`
	Bridge  string `yaml:"bridge,omitempty"`
	Device  string `yaml:"device,omitempty"`
	Address int    `yaml:"address,omitempty"`
}

type Sensor struct {
	Addressing  string        `yaml:"addressing"`
	Resolution  int           `yaml:"resolution"`
	AlarmHigh   int           `yaml:"alarm_high"`
	AlarmLow    int           `yaml:"alarm_low"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type Config struct {
	Bus    Bus    `yaml:"bus"`
	Sensor Sensor `yaml:"sensor"`
}

// Default matches a DS18B20 fresh from the factory on GPIO4.
func Default() *Config {
	return &Config{
		Bus: Bus{
			Driver:  DriverGPIO,
			Pin:     "GPIO4",
			Bridge:  BridgeMCP2221,
			Address: 0x18,
		},
		Sensor: Sensor{
			Addressing: AddressingSkip,
			Resolution: 12,
			AlarmHigh:  75,
			AlarmLow:   70,
		},
	}
}

// Load reads the file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	conf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Driver {
	case DriverGPIO, DriverGobot:
		if c.Bus.Pin == "" {
			errs = append(errs, fmt.Errorf("bus.pin is required by the %s driver", c.Bus.Driver))
		}
	case DriverDS2482:
		switch c.Bus.Bridge {
		case BridgeMCP2221:
		case BridgeI2C:
			if c.Bus.Device == "" {
				errs = append(errs, errors.New("bus.device is required by the i2c bridge"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown bus.bridge %q", c.Bus.Bridge))
		}
		if c.Bus.Address < 0x18 || c.Bus.Address > 0x1F {
			errs = append(errs, fmt.Errorf("bus.address %#x outside 0x18-0x1f", c.Bus.Address))
		}
	case DriverDS9097:
		if c.Bus.Device == "" {
			errs = append(errs, errors.New("bus.device is required by the ds9097 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}
	switch c.Sensor.Addressing {
	case AddressingSkip, AddressingMatch:
	default:
		errs = append(errs, fmt.Errorf("unknown sensor.addressing %q", c.Sensor.Addressing))
	}
	if c.Sensor.Resolution < 9 || c.Sensor.Resolution > 12 {
		errs = append(errs, fmt.Errorf("sensor.resolution %d outside 9-12", c.Sensor.Resolution))
	}
	for name, v := range map[string]int{"alarm_high": c.Sensor.AlarmHigh, "alarm_low": c.Sensor.AlarmLow} {
		if v < -128 || v > 127 {
			errs = append(errs, fmt.Errorf("sensor.%s %d does not fit a signed byte", name, v))
		}
	}
	if c.Sensor.PollTimeout < 0 {
		errs = append(errs, errors.New("sensor.poll_timeout must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// BuildInfo is the version string reported by the ds18b20 --version flag.
func BuildInfo() string {
	return fmt.Sprintf("%s (commit %s, built %s)", AppVersion, GitCommit, BuildTime)
}
