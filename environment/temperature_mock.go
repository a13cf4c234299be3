package environment

import (
	"context"
	"math"
	"sync"
)

// TemperatureSensor is implemented by DS18B20 and by MockTemperatureSensor.
type TemperatureSensor interface {
	GetTemperature(ctx context.Context) (float32, error)
}

// TemperatureBehaviorFunc produces a reading for MockTemperatureSensor.
type TemperatureBehaviorFunc func(ctx context.Context) (float32, error)

// MockTemperatureSensor is a thermometer that uses a behavior function to
// produce results without requiring any bus.
type MockTemperatureSensor struct {
	behavior TemperatureBehaviorFunc
}

// NewMockTemperatureSensor creates a new mock thermometer with the given behavior function.
// The behavior function is called whenever GetTemperature is invoked.
//
// Example usage:
//
//	sensor := NewMockTemperatureSensor(func(ctx context.Context) (float32, error) { return 25.0, nil })
func NewMockTemperatureSensor(behavior TemperatureBehaviorFunc) *MockTemperatureSensor {
	return &MockTemperatureSensor{behavior: behavior}
}

// GetTemperature returns the temperature by calling the behavior function.
func (m *MockTemperatureSensor) GetTemperature(ctx context.Context) (float32, error) {
	return m.behavior(ctx)
}

// NewMockDS18B20 returns a mock that walks through readings, repeating the
// last one once they run out. Readings are quantized to the 1/16 C step of a
// 12-bit conversion. Safe for concurrent use.
func NewMockDS18B20(readings ...float32) *MockTemperatureSensor {
	var mx sync.Mutex
	i := 0
	return NewMockTemperatureSensor(func(ctx context.Context) (float32, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if len(readings) == 0 {
			return 0, nil
		}
		mx.Lock()
		t := readings[i]
		if i < len(readings)-1 {
			i++
		}
		mx.Unlock()
		raw := int16(math.Round(float64(t) * 16))
		return decodeTemperature(byte(raw), byte(raw>>8)), nil
	})
}

var _ TemperatureSensor = &DS18B20{}
var _ TemperatureSensor = &MockTemperatureSensor{}
