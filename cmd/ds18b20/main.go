package main

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/onewire/cmd/ds18b20/console"
	"github.com/mklimuk/onewire/pkg/config"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := newApp()
	err := app.Run(args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		log.Printf("unexpected error: %v", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ds18b20"
	app.EnableBashCompletion = true
	app.Version = config.BuildInfo()
	app.Writer = console.Writer()
	app.Usage = "DS18B20 temperature sensor on a 1-Wire bus"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"ONEWIRE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "driver",
			Usage: "bus master: gpio, gobot, ds2482 or ds9097",
		},
		&cli.StringFlag{
			Name:  "pin",
			Usage: "data pin for the gpio and gobot drivers",
		},
		&cli.StringFlag{
			Name:  "bridge",
			Usage: "I2C transport of the ds2482 driver: mcp2221 or i2c",
		},
		&cli.StringFlag{
			Name:  "device",
			Usage: "I2C bus or serial port device",
		},
		&cli.IntFlag{
			Name:  "address",
			Usage: "ds2482 I2C address",
		},
		&cli.BoolFlag{
			Name:  "match",
			Usage: "address the sensor by its ROM instead of skipping ROM",
		},
		&cli.DurationFlag{
			Name:  "poll-timeout",
			Usage: "give up waiting for the sensor after this long (0 waits forever)",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = cli.Commands{
		&readCmd,
		&infoCmd,
		&configureCmd,
		&recallCmd,
		&alarmCmd,
		&usbCmd,
		&mcp2221Cmd,
	}
	return app
}

// loadConfig reads the configuration file, if any, and applies the global
// flags on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	conf := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		conf, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	if c.IsSet("driver") {
		conf.Bus.Driver = c.String("driver")
	}
	if c.IsSet("pin") {
		conf.Bus.Pin = c.String("pin")
	}
	if c.IsSet("bridge") {
		conf.Bus.Bridge = c.String("bridge")
	}
	if c.IsSet("device") {
		conf.Bus.Device = c.String("device")
	}
	if c.IsSet("address") {
		conf.Bus.Address = c.Int("address")
	}
	if c.Bool("match") {
		conf.Sensor.Addressing = config.AddressingMatch
	}
	if c.IsSet("poll-timeout") {
		conf.Sensor.PollTimeout = c.Duration("poll-timeout")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
