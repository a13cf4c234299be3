package bitbang

import "time"

// Slot timings. These are protocol constants chosen inside the datasheet
// windows; changing them risks missed presence pulses or corrupted bits.
const (
	// resetLow is the reset pulse, datasheet minimum 480us.
	resetLow = 550 * time.Microsecond
	// presenceSample is when the presence pulse is sampled after release.
	// Devices wait 15-60us then pull low for 60-240us.
	presenceSample = 70 * time.Microsecond
	// resetHigh completes the reset window (at least 480us after release).
	resetHigh = 550 * time.Microsecond

	// write 0: line held low for the whole slot (60-120us).
	write0Low      = 65 * time.Microsecond
	write0Recovery = 3 * time.Microsecond

	// write 1: line released within 15us, slot lasts at least 60us.
	write1Low  = 3 * time.Microsecond
	write1High = 65 * time.Microsecond

	// read: data is valid for 15us after the falling edge, sample late in that window.
	readLow      = 3 * time.Microsecond
	readSample   = 10 * time.Microsecond
	readRest     = 80 * time.Microsecond
	readRecovery = 3 * time.Microsecond
)
