package bitbang

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	owbus "periph.io/x/conn/v3/onewire"

	"github.com/mklimuk/onewire"
	"github.com/mklimuk/onewire/wiretest"
)

func newMaster(t *testing.T, dev *wiretest.Device) (*Master, *wiretest.Wire) {
	t.Helper()
	w := wiretest.NewWire(dev)
	m, err := NewMaster(w, WithClock(w), WithCritical(w), WithName("test"))
	require.NoError(t, err)
	return m, w
}

func TestReset_Presence(t *testing.T) {
	tests := []struct {
		name     string
		device   *wiretest.Device
		expected bool
	}{
		{"device present", wiretest.NewDevice(wiretest.DefaultROM), true},
		{"empty bus", nil, false},
		{"silent device", func() *wiretest.Device {
			d := wiretest.NewDevice(wiretest.DefaultROM)
			d.Silent = true
			return d
		}(), false},
		{"late short presence", func() *wiretest.Device {
			d := wiretest.NewDevice(wiretest.DefaultROM)
			d.PresenceDelay = 60 * time.Microsecond
			d.PresenceWidth = 60 * time.Microsecond
			return d
		}(), true},
		{"line held low", func() *wiretest.Device {
			d := wiretest.NewDevice(wiretest.DefaultROM)
			d.PresenceWidth = time.Second
			return d
		}(), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, w := newMaster(t, test.device)
			present, err := m.Reset(context.Background())
			require.NoError(t, err)
			assert.Equal(t, test.expected, present)
			require.Len(t, w.Slots, 1)
			assert.Equal(t, wiretest.SlotReset, w.Slots[0].Kind)
			assert.GreaterOrEqual(t, w.Slots[0].Low, 480*time.Microsecond)
			assert.True(t, w.Slots[0].Critical)
			assert.True(t, w.IsHigh())
			assert.True(t, w.Balanced())
		})
	}
}

func TestReset_Repeatable(t *testing.T) {
	m, w := newMaster(t, wiretest.NewDevice(wiretest.DefaultROM))
	for i := 0; i < 3; i++ {
		present, err := m.Reset(context.Background())
		require.NoError(t, err)
		assert.True(t, present)
	}
	// reset leaves the line idle for more than the 480us recovery
	assert.GreaterOrEqual(t, w.Slots[1].Start-w.Slots[0].Start-w.Slots[0].Low, 480*time.Microsecond)
}

func TestWriteBytes_Framing(t *testing.T) {
	m, w := newMaster(t, nil)
	for v := 0; v < 256; v++ {
		t.Run(fmt.Sprintf("%02x", v), func(t *testing.T) {
			w.Reset()
			regions := w.Regions()
			require.NoError(t, m.WriteBytes(context.Background(), uint32(v), 1))
			require.Len(t, w.Slots, 8)
			for i, slot := range w.Slots {
				assert.True(t, slot.Critical, "bit %d outside critical region", i)
				if (v>>i)&1 == 1 {
					assert.Equal(t, wiretest.SlotShort, slot.Kind, "bit %d", i)
					assert.Equal(t, write1Low, slot.Low)
				} else {
					assert.Equal(t, wiretest.SlotZero, slot.Kind, "bit %d", i)
					assert.Equal(t, write0Low, slot.Low)
				}
			}
			assert.Equal(t, regions+1, w.Regions(), "one region per byte")
			assert.True(t, w.Balanced())
			assert.True(t, w.IsHigh())
		})
	}
}

func TestWriteBytes_MultiByte(t *testing.T) {
	m, w := newMaster(t, nil)
	require.NoError(t, m.WriteBytes(context.Background(), 0x3FF619, 3))
	bits := wiretest.WrittenBits(w.Slots)
	require.Len(t, bits, 24)
	var got uint32
	for i, b := range bits {
		got |= uint32(b) << i
	}
	assert.Equal(t, uint32(0x3FF619), got)
}

func TestWriteBytes_InvalidCount(t *testing.T) {
	m, w := newMaster(t, nil)
	for _, count := range []int{0, 5, -1} {
		err := m.WriteBytes(context.Background(), 0xFF, count)
		assert.ErrorIs(t, err, onewire.ErrInvalidLength)
	}
	assert.Empty(t, w.Slots)
	assert.Equal(t, 0, w.Regions())
}

func TestWriteBit(t *testing.T) {
	m, w := newMaster(t, nil)
	require.NoError(t, m.WriteBit(context.Background(), 0x03))
	require.NoError(t, m.WriteBit(context.Background(), 0x02))
	assert.Equal(t, []byte{1, 0}, wiretest.WrittenBits(w.Slots))
	assert.True(t, w.Balanced())
}

func TestReadBit_SampleWindow(t *testing.T) {
	m, w := newMaster(t, nil)
	bit, err := m.ReadBit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(1), bit, "released bus reads as 1")
	require.Len(t, w.Slots, 1)
	slot := w.Slots[0]
	assert.Equal(t, wiretest.SlotShort, slot.Kind)
	assert.True(t, slot.Sampled)
	assert.Less(t, slot.SampleAt, 15*time.Microsecond)
	assert.Greater(t, slot.SampleAt, slot.Low)
	assert.True(t, slot.Critical)
	assert.True(t, w.IsHigh())
}

func TestReadROM(t *testing.T) {
	m, w := newMaster(t, wiretest.NewDevice(wiretest.DefaultROM))
	ctx := context.Background()
	present, err := m.Reset(ctx)
	require.NoError(t, err)
	require.True(t, present)
	rom, err := onewire.ReadROM(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, wiretest.DefaultROM, rom)
	assert.Equal(t, []byte{onewire.CmdReadROM}, w.Device().Commands())
	assert.True(t, w.Balanced())
}

func TestOutError(t *testing.T) {
	m, w := newMaster(t, wiretest.NewDevice(wiretest.DefaultROM))
	halErr := errors.New("pin gone")
	w.OutErr = halErr
	ctx := context.Background()

	_, err := m.Reset(ctx)
	assert.ErrorIs(t, err, halErr)
	err = m.WriteBytes(ctx, 0xCC, 1)
	assert.ErrorIs(t, err, halErr)
	_, err = m.ReadBit(ctx)
	assert.ErrorIs(t, err, halErr)
	assert.True(t, w.Balanced(), "regions are exited on error paths")
}

func TestTx(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	m, _ := newMaster(t, dev)
	r := make([]byte, 9)
	require.NoError(t, m.Tx([]byte{onewire.CmdSkipROM, 0xBE}, r, owbus.WeakPullup))
	sp := dev.Scratchpad()
	assert.Equal(t, sp[:], r)
}

func TestTx_NoDevice(t *testing.T) {
	m, _ := newMaster(t, nil)
	err := m.Tx([]byte{onewire.CmdReadROM}, make([]byte, 8), owbus.WeakPullup)
	require.Error(t, err)
	var be interface{ BusError() bool }
	require.True(t, errors.As(err, &be))
	assert.True(t, be.BusError())
}

func TestSearch_NotSupported(t *testing.T) {
	m, _ := newMaster(t, nil)
	_, err := m.Search(false)
	assert.ErrorIs(t, err, onewire.ErrNotSupported)
	_, err = m.SearchTriplet(0)
	assert.ErrorIs(t, err, onewire.ErrNotSupported)
}

func TestNewMaster_DrivesHigh(t *testing.T) {
	w := wiretest.NewWire(nil)
	require.NoError(t, w.Out(gpio.Low))
	_, err := NewMaster(w, WithClock(w), WithCritical(w))
	require.NoError(t, err)
	assert.True(t, w.IsHigh())
}

func TestRuntimeCritical_Nesting(t *testing.T) {
	c := &RuntimeCritical{}
	outer := c.Enter()
	inner := c.Enter()
	assert.Equal(t, 2, c.depth)
	inner()
	inner()
	assert.Equal(t, 1, c.depth, "exit is idempotent")
	outer()
	assert.Equal(t, 0, c.depth)
}
