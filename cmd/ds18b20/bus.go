package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mklimuk/onewire"
	"github.com/mklimuk/onewire/adapter"
	"github.com/mklimuk/onewire/bitbang"
	"github.com/mklimuk/onewire/environment"
	"github.com/mklimuk/onewire/i2c"
	"github.com/mklimuk/onewire/pkg/config"
)

func noop() error { return nil }

// openBus returns the configured bus master and a func releasing it.
func openBus(ctx context.Context, conf config.Bus) (onewire.Master, func() error, error) {
	switch conf.Driver {
	case config.DriverGPIO:
		pin, err := bitbang.OpenPin(conf.Pin)
		if err != nil {
			return nil, nil, err
		}
		m, err := bitbang.NewMaster(pin)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Halt, nil
	case config.DriverGobot:
		line, finalize, err := bitbang.OpenNeoPin(conf.Pin)
		if err != nil {
			return nil, nil, err
		}
		m, err := bitbang.NewMaster(line, bitbang.WithName(line.String()))
		if err != nil {
			_ = finalize()
			return nil, nil, err
		}
		return m, finalize, nil
	case config.DriverDS2482:
		var transport onewire.I2CBus
		closer := noop
		switch conf.Bridge {
		case config.BridgeI2C:
			bus, err := i2c.NewGenericBus(conf.Device)
			if err != nil {
				return nil, nil, err
			}
			transport, closer = bus, bus.Close
		default:
			mcp := adapter.NewMCP2221()
			if err := mcp.SetSpeed(ctx, 400_000); err != nil {
				slog.Warn("could not set I2C speed, keeping adapter default", "error", err)
			}
			transport = mcp
		}
		bridge, err := adapter.NewDS2482(ctx, transport, adapter.WithBridgeAddress(byte(conf.Address)))
		if err != nil {
			_ = closer()
			return nil, nil, err
		}
		return bridge, closer, nil
	case config.DriverDS9097:
		m, err := adapter.OpenDS9097(conf.Device)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", conf.Driver)
}

func sensorOpts(conf config.Sensor) []environment.DS18B20Opt {
	var opts []environment.DS18B20Opt
	if conf.Addressing == config.AddressingMatch {
		opts = append(opts, environment.WithMatchROM())
	}
	if conf.PollTimeout > 0 {
		opts = append(opts, environment.WithPollTimeout(conf.PollTimeout))
	}
	return opts
}
