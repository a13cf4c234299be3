package main

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/onewire/cmd/ds18b20/console"
	"github.com/mklimuk/onewire/environment"
	"github.com/mklimuk/onewire/pkg/config"
)

// openMaster is swapped by tests.
var openMaster = openBus

// withSensor opens the configured bus, detects the sensor and runs fn.
func withSensor(c *cli.Context, fn func(ctx context.Context, conf *config.Config, s *environment.DS18B20) error) error {
	conf, err := loadConfig(c)
	if err != nil {
		return console.Exit(1, "configuration error: %s", console.Red(err))
	}
	ctx := c.Context
	bus, closeBus, err := openMaster(ctx, conf.Bus)
	if err != nil {
		return console.Exit(1, "bus initialization error: %s", console.Red(err))
	}
	defer func() {
		if err := closeBus(); err != nil {
			slog.Debug("closing bus failed", "error", err)
		}
	}()
	s, err := environment.NewDS18B20(ctx, bus, sensorOpts(conf.Sensor)...)
	if err != nil {
		return console.Exit(1, "sensor initialization error: %s", console.Red(err))
	}
	if !s.Detected() {
		console.Warnf("no presence pulse on %v, readings come from an idle bus", bus)
	}
	return fn(ctx, conf, s)
}

var readCmd = cli.Command{
	Name:    "read",
	Aliases: []string{"temp"},
	Usage:   "convert and read the temperature",
	Action: func(c *cli.Context) error {
		return withSensor(c, func(ctx context.Context, _ *config.Config, s *environment.DS18B20) error {
			temp, err := s.GetTemperature(ctx)
			if err != nil {
				return console.Exit(1, "error getting temperature read: %s", console.Red(err))
			}
			console.PInfof(console.PictoThermometer, "%s °C", console.White(temp))
			return nil
		})
	},
}

var infoCmd = cli.Command{
	Name:  "info",
	Usage: "dump the sensor state",
	Action: func(c *cli.Context) error {
		return withSensor(c, func(ctx context.Context, _ *config.Config, s *environment.DS18B20) error {
			if err := s.AlarmSearch(ctx); err != nil {
				return console.Exit(1, "alarm search error: %s", console.Red(err))
			}
			enc := yaml.NewEncoder(console.Writer())
			defer func() { _ = enc.Close() }()
			if err := enc.Encode(s.State()); err != nil {
				return console.Exit(1, "encoding error: %s", console.Red(err))
			}
			return nil
		})
	},
}

var configureCmd = cli.Command{
	Name:  "configure",
	Usage: "write alarm thresholds and resolution",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "high", Usage: "high alarm threshold in °C"},
		&cli.IntFlag{Name: "low", Usage: "low alarm threshold in °C"},
		&cli.IntFlag{Name: "resolution", Aliases: []string{"r"}, Usage: "conversion resolution in bits (9-12)"},
		&cli.BoolFlag{Name: "persist", Usage: "copy the settings to EEPROM"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask before writing EEPROM"},
	},
	Action: func(c *cli.Context) error {
		return withSensor(c, func(ctx context.Context, conf *config.Config, s *environment.DS18B20) error {
			settings := environment.Settings{
				AlarmHigh:  int8(conf.Sensor.AlarmHigh),
				AlarmLow:   int8(conf.Sensor.AlarmLow),
				Resolution: conf.Sensor.Resolution,
				Persist:    c.Bool("persist"),
			}
			if c.IsSet("high") {
				settings.AlarmHigh = int8(c.Int("high"))
			}
			if c.IsSet("low") {
				settings.AlarmLow = int8(c.Int("low"))
			}
			if c.IsSet("resolution") {
				settings.Resolution = c.Int("resolution")
			}
			if settings.Persist && !c.Bool("yes") {
				ok, err := console.Confirm("copy settings to EEPROM?")
				if err != nil {
					return console.Exit(1, "prompt error: %s", console.Red(err))
				}
				settings.Persist = ok
			}
			if err := s.Configure(ctx, settings); err != nil {
				return console.Exit(1, "configuration error: %s", console.Red(err))
			}
			console.PInfof(console.PictoKey, "high %s °C, low %s °C, resolution %s bits",
				console.White(s.AlarmHigh()), console.White(s.AlarmLow()), console.White(s.Resolution()))
			if settings.Persist {
				console.PInfof(console.PictoFloppy, "settings copied to EEPROM")
			}
			return nil
		})
	},
}

var recallCmd = cli.Command{
	Name:  "recall",
	Usage: "restore the settings stored in EEPROM",
	Action: func(c *cli.Context) error {
		return withSensor(c, func(ctx context.Context, _ *config.Config, s *environment.DS18B20) error {
			if err := s.RecallEEPROM(ctx); err != nil {
				return console.Exit(1, "recall error: %s", console.Red(err))
			}
			if err := s.ReadScratchpad(ctx); err != nil {
				return console.Exit(1, "error reading scratchpad: %s", console.Red(err))
			}
			console.PInfof(console.PictoFloppy, "high %s °C, low %s °C, resolution %s bits",
				console.White(s.AlarmHigh()), console.White(s.AlarmLow()), console.White(s.Resolution()))
			return nil
		})
	},
}

var alarmCmd = cli.Command{
	Name:  "alarm",
	Usage: "convert and check whether the sensor is in alarm",
	Action: func(c *cli.Context) error {
		return withSensor(c, func(ctx context.Context, _ *config.Config, s *environment.DS18B20) error {
			if err := s.ConvertT(ctx); err != nil {
				return console.Exit(1, "conversion error: %s", console.Red(err))
			}
			if err := s.AlarmSearch(ctx); err != nil {
				return console.Exit(1, "alarm search error: %s", console.Red(err))
			}
			if s.AlarmActive() {
				console.PInfof(console.PictoBell, "%s", console.Red("alarm"))
				return nil
			}
			console.PInfof(console.PictoBell, "%s", console.Green("no alarm"))
			return nil
		})
	},
}
