package netconfd

import "sync/atomic"

// loopState is the shared control word both server loops consult between
// blocking waits.
type loopState int32

const (
	// loopContinue keeps both loops running.
	loopContinue loopState = iota
	// loopRestart asks the current epoch to tear down and re-initialize.
	loopRestart
	// loopStop asks the current epoch to tear down and the server to exit.
	loopStop
)

func (s loopState) String() string {
	switch s {
	case loopContinue:
		return "continue"
	case loopRestart:
		return "restart"
	case loopStop:
		return "stop"
	}
	return "unknown"
}

// controlCell is the lock-free control word. Stop always sticks: a stop
// request can overwrite restart, but restart never overwrites stop.
type controlCell struct {
	v atomic.Int32
}

func (c *controlCell) state() loopState {
	return loopState(c.v.Load())
}

func (c *controlCell) requestStop() {
	c.v.Store(int32(loopStop))
}

// requestRestart flips continue to restart; it reports false when a stop is
// already pending.
func (c *controlCell) requestRestart() bool {
	return c.v.CompareAndSwap(int32(loopContinue), int32(loopRestart))
}

// resume flips restart back to continue at the start of the next epoch. A
// concurrent stop request wins the race and resume reports false.
func (c *controlCell) resume() bool {
	return c.v.CompareAndSwap(int32(loopRestart), int32(loopContinue))
}
