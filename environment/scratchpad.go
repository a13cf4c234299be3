package environment

import (
	"encoding/hex"
	"time"
)

// Family code of a 1-Wire thermometer.
type Family byte

const (
	FamilyDS18B20 Family = 0x28
	FamilyDS18S20 Family = 0x10
)

func (f Family) String() string {
	switch f {
	case FamilyDS18B20:
		return "DS18B20"
	case FamilyDS18S20:
		return "DS18S20"
	default:
		return "unknown"
	}
}

const (
	minResolution     = 9
	maxResolution     = 12
	configReserved    = 0x1F
	configMalformed   = 0x80
	parasiteConvert12 = 800 * time.Millisecond
	parasiteCopy      = 12 * time.Millisecond
)

// Scratchpad is the raw 9-byte register file:
//
//	[0] temp LSB  [1] temp MSB  [2] TH  [3] TL  [4] config  [5..7] reserved  [8] crc
type Scratchpad [9]byte

// Temperature in degrees Celsius. The raw value is a signed count of 1/16 C.
func (s Scratchpad) Temperature() float32 {
	return decodeTemperature(s[0], s[1])
}

func (s Scratchpad) AlarmHigh() int8 {
	return int8(s[2])
}

func (s Scratchpad) AlarmLow() int8 {
	return int8(s[3])
}

// Resolution decodes bits 5-6 of the configuration register. A register with
// the reserved top bit set is malformed and reads as 12 bits.
func (s Scratchpad) Resolution() int {
	if s[4]&configMalformed != 0 {
		return maxResolution
	}
	return int((s[4]>>5)&0x03) + minResolution
}

// CRC returns the check byte as received; it is not verified.
func (s Scratchpad) CRC() byte {
	return s[8]
}

func (s Scratchpad) String() string {
	return hex.EncodeToString(s[:])
}

func decodeTemperature(lsb, msb byte) float32 {
	raw := int16(uint16(msb)<<8 | uint16(lsb))
	return float32(raw) / 16
}

// ClampResolution maps anything outside 9..12 to 12.
func ClampResolution(res int) int {
	if res < minResolution || res > maxResolution {
		return maxResolution
	}
	return res
}

func configByte(res int) byte {
	return byte(ClampResolution(res)-minResolution)<<5 | configReserved
}

// packScratchpad builds the 3-byte write scratchpad payload, sent LSB first:
// TH, TL, config.
func packScratchpad(high, low int8, res int) uint32 {
	return uint32(configByte(res))<<16 | uint32(uint8(low))<<8 | uint32(uint8(high))
}

// ConversionWait is how long a parasite powered conversion is given at the
// given resolution: 800ms at 12 bits, halved for each bit less.
func ConversionWait(res int) time.Duration {
	return parasiteConvert12 >> (maxResolution - ClampResolution(res))
}
