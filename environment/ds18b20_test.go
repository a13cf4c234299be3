package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/onewire"
	"github.com/mklimuk/onewire/bitbang"
	"github.com/mklimuk/onewire/wiretest"
)

func newSimulated(t *testing.T, dev *wiretest.Device, opts ...DS18B20Opt) (*DS18B20, *wiretest.Wire) {
	t.Helper()
	w := wiretest.NewWire(dev)
	m, err := bitbang.NewMaster(w, bitbang.WithClock(w), bitbang.WithCritical(w))
	require.NoError(t, err)
	d, err := NewDS18B20(context.Background(), m, append([]DS18B20Opt{WithClock(w)}, opts...)...)
	require.NoError(t, err)
	return d, w
}

// readSlots counts the sampled short slots. The presence sample of a reset
// does not count.
func readSlots(w *wiretest.Wire) int {
	var n int
	for _, slot := range w.Slots {
		if slot.Kind == wiretest.SlotShort && slot.Sampled {
			n++
		}
	}
	return n
}

func TestNewDS18B20(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, w := newSimulated(t, dev)

	assert.True(t, d.Detected())
	assert.False(t, d.Parasite())
	assert.False(t, d.AlarmActive())
	assert.Equal(t, wiretest.DefaultROM, d.ROM())
	assert.Equal(t, float32(85), d.Temperature(), "power-on value")
	assert.Equal(t, int8(75), d.AlarmHigh())
	assert.Equal(t, int8(70), d.AlarmLow())
	assert.Equal(t, 12, d.Resolution())
	assert.Equal(t, dev.Scratchpad(), [9]byte(d.Scratchpad()))
	assert.Equal(t, []byte{onewire.CmdSkipROM, 0xB4, onewire.CmdSkipROM, 0xBE, onewire.CmdReadROM}, dev.Commands())
	assert.Equal(t, FamilyDS18B20, d.Family())
	assert.Equal(t, "DS18B20{28.0000070e41ac.74}", d.String())
	assert.True(t, w.Balanced())
	assert.True(t, w.IsHigh())
}

func TestNewDS18B20_NoDevice(t *testing.T) {
	d, w := newSimulated(t, nil)
	assert.False(t, d.Detected())
	assert.False(t, d.Parasite(), "idle bus reads as externally powered")

	// commands still run against the empty bus
	require.NoError(t, d.ReadScratchpad(context.Background()))
	assert.False(t, d.Detected())
	assert.True(t, w.Balanced())
}

func TestNewDS18B20_Parasite(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Parasite = true
	d, _ := newSimulated(t, dev)
	assert.True(t, d.Parasite())

	dev.Parasite = false
	require.NoError(t, d.ReadPowerSupply(context.Background()))
	assert.False(t, d.Parasite())
}

func TestConvertT_ExternalPower(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Temperature = 21.5
	d, w := newSimulated(t, dev)
	ctx := context.Background()

	w.Reset()
	start := w.Now()
	require.NoError(t, d.ConvertT(ctx))
	assert.GreaterOrEqual(t, w.Now()-start, 750*time.Millisecond)
	assert.Less(t, w.LongestDelay(), time.Millisecond, "externally powered conversion never waits on time")
	assert.Equal(t, 1, dev.Conversions())

	polls := readSlots(w)
	assert.Greater(t, polls, 1)

	require.NoError(t, d.ReadScratchpad(ctx))
	assert.Equal(t, float32(21.5), d.Temperature())
}

func TestConvertT_ParasitePower(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Parasite = true
	dev.Temperature = 21.3
	d, w := newSimulated(t, dev)
	ctx := context.Background()

	tests := []struct {
		resolution  int
		temperature float32
	}{
		{12, 21.3125},
		{11, 21.25},
		{10, 21.25},
		{9, 21.0},
	}
	previous := time.Duration(1<<63 - 1)
	for _, test := range tests {
		require.NoError(t, d.Configure(ctx, Settings{AlarmHigh: 75, AlarmLow: 70, Resolution: test.resolution}))
		require.Equal(t, test.resolution, d.Resolution())

		w.Reset()
		start := w.Now()
		require.NoError(t, d.ConvertT(ctx))
		waited := w.Now() - start
		assert.Zero(t, readSlots(w), "parasite conversion must not poll")
		assert.GreaterOrEqual(t, waited, ConversionWait(test.resolution))
		assert.Less(t, waited, previous, "wait shrinks with resolution")
		previous = waited

		require.NoError(t, d.ReadScratchpad(ctx))
		assert.Equal(t, test.temperature, d.Temperature(), "resolution %d", test.resolution)
	}
	assert.Equal(t, 0, dev.PowerFaults())
	assert.Equal(t, 4, dev.Conversions())
}

// pullupRecorder is a bit-banged master that records strong pull-up switching
// along with the last function command the device had seen at that moment.
type pullupRecorder struct {
	*bitbang.Master
	dev    *wiretest.Device
	events []string
	offErr error
	onArm  func()
}

func (p *pullupRecorder) StrongPullup(ctx context.Context, on bool) error {
	cmds := p.dev.Commands()
	last := cmds[len(cmds)-1]
	if on {
		p.events = append(p.events, fmt.Sprintf("on after %#x", last))
		if p.onArm != nil {
			p.onArm()
		}
		return nil
	}
	p.offErr = ctx.Err()
	p.events = append(p.events, fmt.Sprintf("off after %#x", last))
	return nil
}

func newRecorded(t *testing.T, dev *wiretest.Device) (*DS18B20, *pullupRecorder) {
	t.Helper()
	w := wiretest.NewWire(dev)
	m, err := bitbang.NewMaster(w, bitbang.WithClock(w), bitbang.WithCritical(w))
	require.NoError(t, err)
	rec := &pullupRecorder{Master: m, dev: dev}
	d, err := NewDS18B20(context.Background(), rec, WithClock(w))
	require.NoError(t, err)
	return d, rec
}

func TestStrongPullup(t *testing.T) {
	ctx := context.Background()
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Parasite = true
	d, rec := newRecorded(t, dev)
	require.True(t, d.Parasite())

	require.NoError(t, d.ConvertT(ctx))
	require.NoError(t, d.CopyScratchpad(ctx))
	assert.Equal(t, []string{
		"on after 0xcc", "off after 0x44",
		"on after 0xcc", "off after 0x48",
	}, rec.events)
	assert.Equal(t, 0, dev.PowerFaults())
	assert.Equal(t, 1, dev.Copies())

	// external power signals completion by itself
	dev.Parasite = false
	require.NoError(t, d.ReadPowerSupply(ctx))
	rec.events = nil
	require.NoError(t, d.ConvertT(ctx))
	require.NoError(t, d.CopyScratchpad(ctx))
	assert.Empty(t, rec.events)
}

func TestStrongPullup_ReleasedOnCancel(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Parasite = true
	d, rec := newRecorded(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.onArm = cancel
	assert.ErrorIs(t, d.ConvertT(ctx), context.Canceled)
	require.Len(t, rec.events, 2)
	assert.Equal(t, "off", rec.events[1][:3], "released after the cut short wait")
	assert.NoError(t, rec.offErr, "release runs on an uncancelled context")
}

func TestConvertT_PollTimeout(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.ConversionTime = time.Hour
	d, w := newSimulated(t, dev, WithPollTimeout(20*time.Millisecond))

	err := d.ConvertT(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, w.Balanced())
	assert.True(t, w.IsHigh())
}

func TestConvertT_Cancelled(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, _ := newSimulated(t, dev)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.ConvertT(ctx), context.Canceled)

	dev.Parasite = true
	require.NoError(t, d.ReadPowerSupply(context.Background()))
	assert.ErrorIs(t, d.ConvertT(ctx), context.Canceled)
}

func TestConvertTAsync(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Temperature = -0.25
	d, w := newSimulated(t, dev)
	ctx := context.Background()

	done := d.ConvertTAsync(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.ReadPowerSupply(ctx))
	}()
	require.NoError(t, <-done)
	wg.Wait()
	_, open := <-done
	assert.False(t, open)

	require.NoError(t, d.ReadScratchpad(ctx))
	assert.Equal(t, float32(-0.25), d.Temperature())
	assert.True(t, w.Balanced())
}

func TestWriteScratchpad(t *testing.T) {
	tests := []struct {
		name       string
		high, low  int8
		resolution int
		expected   [3]byte
	}{
		{"packing", 25, -10, 10, [3]byte{25, 0xF6, 0x3F}},
		{"too fine", 25, -10, 13, [3]byte{25, 0xF6, 0x7F}},
		{"too coarse", 25, -10, 5, [3]byte{25, 0xF6, 0x7F}},
		{"extremes", 127, -128, 9, [3]byte{0x7F, 0x80, 0x1F}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dev := wiretest.NewDevice(wiretest.DefaultROM)
			d, _ := newSimulated(t, dev)
			before := d.Scratchpad()

			require.NoError(t, d.WriteScratchpad(context.Background(), test.high, test.low, test.resolution))
			sp := dev.Scratchpad()
			assert.Equal(t, test.expected[:], sp[2:5])
			assert.Equal(t, before, d.Scratchpad(), "local state waits for a read")

			require.NoError(t, d.ReadScratchpad(context.Background()))
			assert.Equal(t, test.high, d.AlarmHigh())
			assert.Equal(t, test.low, d.AlarmLow())
			assert.Equal(t, ClampResolution(test.resolution), d.Resolution())
		})
	}
}

func TestReadScratchpad_Idempotent(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Temperature = 23.75
	d, _ := newSimulated(t, dev)
	ctx := context.Background()
	require.NoError(t, d.ConvertT(ctx))

	require.NoError(t, d.ReadScratchpad(ctx))
	first := d.State()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.ReadScratchpad(ctx))
		assert.Equal(t, first, d.State())
	}
	assert.Equal(t, float32(23.75), first.Temperature)
}

func TestReadScratchpad_Malformed(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, _ := newSimulated(t, dev)
	dev.SetScratchpad([8]byte{0x90, 0x01, 0x4B, 0x46, 0xFF, 0xFF, 0x0C, 0x10})
	require.NoError(t, d.ReadScratchpad(context.Background()))
	assert.Equal(t, 12, d.Resolution())
	assert.Equal(t, float32(25), d.Temperature())
}

func TestCopyAndRecall(t *testing.T) {
	for _, parasite := range []bool{false, true} {
		name := "external"
		if parasite {
			name = "parasite"
		}
		t.Run(name, func(t *testing.T) {
			dev := wiretest.NewDevice(wiretest.DefaultROM)
			dev.Parasite = parasite
			d, w := newSimulated(t, dev)
			ctx := context.Background()

			require.NoError(t, d.WriteScratchpad(ctx, 30, -5, 11))
			start := w.Now()
			require.NoError(t, d.CopyScratchpad(ctx))
			if parasite {
				assert.GreaterOrEqual(t, w.Now()-start, 12*time.Millisecond)
			} else {
				assert.Less(t, w.Now()-start, 10*time.Millisecond)
			}
			assert.Equal(t, [3]byte{30, 0xFB, 0x5F}, dev.EEPROM())
			assert.Equal(t, 1, dev.Copies())

			require.NoError(t, d.WriteScratchpad(ctx, 1, 2, 9))
			require.NoError(t, d.RecallEEPROM(ctx))
			require.NoError(t, d.ReadScratchpad(ctx))
			assert.Equal(t, int8(30), d.AlarmHigh())
			assert.Equal(t, int8(-5), d.AlarmLow())
			assert.Equal(t, 11, d.Resolution())
		})
	}
}

func TestRecallEEPROM_Polls(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.RecallTime = 2 * time.Millisecond
	d, w := newSimulated(t, dev)

	w.Reset()
	require.NoError(t, d.RecallEEPROM(context.Background()))
	polls := readSlots(w)
	assert.Greater(t, polls, 10)
	assert.Equal(t, []byte{onewire.CmdSkipROM, 0xB8}, dev.Commands()[len(dev.Commands())-2:])
}

func TestAlarmSearch(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, _ := newSimulated(t, dev)
	ctx := context.Background()

	tests := []struct {
		temperature float64
		alarm       bool
	}{
		{90, true},
		{72, false},
		{70, true},
		{-20, true},
		{74.9375, false},
	}
	for _, test := range tests {
		dev.Temperature = test.temperature
		_, err := d.GetTemperature(ctx)
		require.NoError(t, err)
		require.NoError(t, d.AlarmSearch(ctx))
		assert.Equal(t, test.alarm, d.AlarmActive(), "%.4f C", test.temperature)
	}
}

func TestGetTemperature(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	dev.Temperature = -10.125
	d, _ := newSimulated(t, dev)

	temp, err := d.GetTemperature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float32(-10.125), temp)
	assert.Equal(t, temp, d.Temperature())
}

func TestMatchROM(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, _ := newSimulated(t, dev, WithMatchROM())
	ctx := context.Background()

	require.NoError(t, d.ReadScratchpad(ctx))
	cmds := dev.Commands()
	assert.Equal(t, []byte{onewire.CmdMatchROM, 0xBE}, cmds[len(cmds)-2:])
	assert.True(t, d.Detected())
}

func TestReadROM(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, _ := newSimulated(t, dev)
	dev.ROM = onewire.ROM{0x28, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x3C}
	require.NoError(t, d.ReadROM(context.Background()))
	assert.Equal(t, dev.ROM, d.ROM())
}

func TestConfigure(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, _ := newSimulated(t, dev)
	ctx := context.Background()

	require.NoError(t, d.Configure(ctx, Settings{AlarmHigh: 40, AlarmLow: -40, Resolution: 10}))
	assert.Equal(t, int8(40), d.AlarmHigh())
	assert.Equal(t, int8(-40), d.AlarmLow())
	assert.Equal(t, 10, d.Resolution())
	assert.Equal(t, 0, dev.Copies())

	require.NoError(t, d.Configure(ctx, Settings{AlarmHigh: 40, AlarmLow: -40, Resolution: 13, Persist: true}))
	assert.Equal(t, 12, d.Resolution())
	assert.Equal(t, 1, dev.Copies())
	assert.Equal(t, [3]byte{40, 0xD8, 0x7F}, dev.EEPROM())
}

func TestBusError(t *testing.T) {
	dev := wiretest.NewDevice(wiretest.DefaultROM)
	d, w := newSimulated(t, dev)
	halErr := errors.New("pin gone")
	w.OutErr = halErr

	assert.ErrorIs(t, d.ReadScratchpad(context.Background()), halErr)
	assert.ErrorIs(t, d.ConvertT(context.Background()), halErr)
	_, err := d.GetTemperature(context.Background())
	assert.ErrorIs(t, err, halErr)
	assert.True(t, w.Balanced())
}

func TestState_YAML(t *testing.T) {
	d, _ := newSimulated(t, wiretest.NewDevice(wiretest.DefaultROM))
	out, err := yaml.Marshal(d.State())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "28.0000070e41ac.74", decoded["rom"])
	assert.Equal(t, "DS18B20", decoded["family"])
	assert.Equal(t, true, decoded["detected"])
	assert.Equal(t, 12, decoded["resolution"])
	assert.Equal(t, map[string]any{"search": false, "crc": false}, decoded["features"])
}
