package bitbang

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Critical guards time sensitive sequences. Enter masks whatever can preempt
// the caller and returns the function restoring the previous state; it must be
// called on every exit path.
type Critical interface {
	Enter() (exit func())
}

// RuntimeCritical is the hosted approximation of masking interrupts: the
// goroutine is locked to its OS thread and the garbage collector is suspended
// until exit. Regions may nest.
type RuntimeCritical struct {
	mx        sync.Mutex
	depth     int
	gcPercent int
}

func (c *RuntimeCritical) Enter() func() {
	runtime.LockOSThread()
	c.mx.Lock()
	if c.depth == 0 {
		c.gcPercent = debug.SetGCPercent(-1)
	}
	c.depth++
	c.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mx.Lock()
			c.depth--
			if c.depth == 0 {
				debug.SetGCPercent(c.gcPercent)
			}
			c.mx.Unlock()
			runtime.UnlockOSThread()
		})
	}
}
