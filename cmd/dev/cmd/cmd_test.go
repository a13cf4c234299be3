package cmd

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		name   string
		os     string
		arch   string
		output string
	}{
		{"native", runtime.GOOS, runtime.GOARCH, "dist/ds18b20"},
		{"rpi", "linux", "arm", "dist/ds18b20-linux-arm"},
		{"rpi64", "linux", "arm64", "dist/ds18b20-linux-arm64"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tg, err := resolveTarget(test.name)
			require.NoError(t, err)
			assert.Equal(t, test.os, tg.OS)
			assert.Equal(t, test.arch, tg.Arch)
			if !tg.native() {
				assert.Equal(t, test.output, tg.output())
			}
		})
	}

	_, err := resolveTarget("esp32")
	assert.ErrorContains(t, err, "unknown target \"esp32\"")
	assert.Equal(t, []string{"native", "rpi", "rpi64"}, targetNames())
}

func TestBuildArgs(t *testing.T) {
	assert.Equal(t, []string{"build", "--target", "rpi", "--version", "v0.2.0"}, buildArgs("rpi", "v0.2.0"))
}

func TestBenchArgs(t *testing.T) {
	assert.Equal(t, []string{"run", "./cmd/ds18b20", "info"}, bench{}.args("info"))

	b := bench{Driver: "ds2482", Bridge: "i2c", Device: "/dev/i2c-1", Address: 0x19, Match: true, Verbose: true}
	assert.Equal(t, []string{
		"run", "./cmd/ds18b20", "--verbose",
		"--driver", "ds2482", "--bridge", "i2c", "--device", "/dev/i2c-1",
		"--address", "25", "--match", "read",
	}, b.args("read"))

	b = bench{Driver: "gpio", Pin: "GPIO17"}
	assert.Equal(t, []string{"run", "./cmd/ds18b20", "--driver", "gpio", "--pin", "GPIO17", "alarm"}, b.args("alarm"))
}

func TestSmokeCmd_Flags(t *testing.T) {
	cmd := SmokeCmd()
	for _, name := range []string{"driver", "bridge", "device", "pin", "address", "match"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, []string{"info", "read", "alarm"}, smokeSteps)
}
