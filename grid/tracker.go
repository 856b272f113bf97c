package grid

import "time"

// Direction of the current price excursion
type Direction int

const (
	DirectionNone Direction = iota
	DirectionRising
	DirectionFalling
)

func (d Direction) String() string {
	switch d {
	case DirectionRising:
		return "rising"
	case DirectionFalling:
		return "falling"
	default:
		return "none"
	}
}

// Grid level indices relative to the current center
const (
	levelLower = -1
	levelUpper = 1
)

// Tracker purely in-memory price state for one active session. Reset on
// every grid rebuild and lost across restarts by design.
type Tracker struct {
	LastPrice float64
	Direction Direction
	Extremum  float64 // peak while rising, valley while falling
	Awaiting  bool    // true between a level crossing and its callback
	LastLevel int     // last crossed level index

	cooldowns map[int]time.Time // level index -> last fire time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{cooldowns: make(map[int]time.Time)}
}

// Reset clears excursion state after a rebuild. Level cooldowns are cleared
// too: the rebuilt levels are new boundaries.
func (t *Tracker) Reset() {
	t.Direction = DirectionNone
	t.Extremum = 0
	t.Awaiting = false
	t.LastLevel = 0
	t.cooldowns = make(map[int]time.Time)
}

// coolingDown reports whether the level fired inside the cooldown window
func (t *Tracker) coolingDown(level int, window time.Duration, now time.Time) bool {
	last, ok := t.cooldowns[level]
	if !ok {
		return false
	}
	return now.Sub(last) < window
}

// markFired records a level emission
func (t *Tracker) markFired(level int, now time.Time) {
	t.cooldowns[level] = now
}
