package i2c

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/mklimuk/onewire/adapter"
)

func TestGenericBus_ReadWrite(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{0xB4}},
			{Addr: 0x18, R: []byte{0x02}},
		},
		DontPanic: true,
	}
	bus := NewBus(pb)
	ctx := context.Background()

	require.NoError(t, bus.WriteToAddr(ctx, 0x18, []byte{0xB4}))
	buf := make([]byte, 1)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x18, buf))
	assert.Equal(t, byte(0x02), buf[0])
	assert.NoError(t, bus.Release(ctx))
	assert.NoError(t, bus.Close())
}

func TestGenericBus_Errors(t *testing.T) {
	bus := NewBus(&i2ctest.Playback{DontPanic: true})
	ctx := context.Background()

	assert.ErrorContains(t, bus.WriteToAddr(ctx, 0x18, []byte{0xF0}), "could not write to i2c bus 18")
	assert.ErrorContains(t, bus.ReadFromAddr(ctx, 0x18, make([]byte, 1)), "could not read from i2c bus 18")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, bus.WriteToAddr(cancelled, 0x18, []byte{0xF0}), context.Canceled)
}

func TestGenericBus_DS2482(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{0xF0}},
			{Addr: 0x18, R: []byte{0x18}},
			{Addr: 0x18, W: []byte{0xD2, 0xE1}},
			{Addr: 0x18, R: []byte{0x01}},
			{Addr: 0x18, W: []byte{0xB4}},
			{Addr: 0x18, R: []byte{0x02}},
		},
		DontPanic: true,
	}
	bus := NewBus(pb)
	ctx := context.Background()

	bridge, err := adapter.NewDS2482(ctx, bus)
	require.NoError(t, err)
	presence, err := bridge.Reset(ctx)
	require.NoError(t, err)
	assert.True(t, presence)
	assert.NoError(t, bus.Close())
}
