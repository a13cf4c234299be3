package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gophertribe/devtool/test"
	"github.com/magefile/mage/sh"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests (simulated bus, no hardware needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

// bench describes the bus master a smoke run talks to. Empty fields fall back
// to the cli configuration.
type bench struct {
	Driver  string
	Bridge  string
	Device  string
	Pin     string
	Address int
	Match   bool
	Verbose bool
}

// args builds a go run invocation of the cli for one subcommand.
func (b bench) args(command string) []string {
	args := []string{"run", "./cmd/ds18b20"}
	if b.Verbose {
		args = append(args, "--verbose")
	}
	if b.Driver != "" {
		args = append(args, "--driver", b.Driver)
	}
	if b.Bridge != "" {
		args = append(args, "--bridge", b.Bridge)
	}
	if b.Device != "" {
		args = append(args, "--device", b.Device)
	}
	if b.Pin != "" {
		args = append(args, "--pin", b.Pin)
	}
	if b.Address != 0 {
		args = append(args, "--address", strconv.Itoa(b.Address))
	}
	if b.Match {
		args = append(args, "--match")
	}
	return append(args, command)
}

// smokeSteps go from the least to the most demanding bus traffic.
var smokeSteps = []string{"info", "read", "alarm"}

func SmokeCmd() *cobra.Command {
	var b bench
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run the ds18b20 cli against a sensor on a real bus",
		Long: `Runs info, read and alarm through the attached bus master and stops at
the first failure. The sensor must be the only device on the bus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b.Verbose = cmd.Flag("debug").Value.String() == "true"
			for _, step := range smokeSteps {
				slog.Info("smoke step", "command", step, "driver", b.Driver)
				if err := sh.RunV("go", b.args(step)...); err != nil {
					return fmt.Errorf("smoke step %s failed: %w", step, err)
				}
			}
			slog.Info("sensor answered every smoke step")
			return nil
		},
	}
	cmd.Flags().StringVar(&b.Driver, "driver", "", "bus driver: gpio, gobot, ds2482 or ds9097")
	cmd.Flags().StringVar(&b.Bridge, "bridge", "", "I2C transport of the ds2482: mcp2221 or i2c")
	cmd.Flags().StringVar(&b.Device, "device", "", "I2C bus or serial port")
	cmd.Flags().StringVar(&b.Pin, "pin", "", "GPIO pin of the bit-banged bus")
	cmd.Flags().IntVar(&b.Address, "address", 0, "DS2482 I2C address")
	cmd.Flags().BoolVar(&b.Match, "match", false, "address the sensor with Match ROM")
	return cmd
}
