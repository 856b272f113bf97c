package signal

import (
	"sync"
	"time"

	"gridpilot/logger"
	"gridpilot/position"
)

type pendingKey struct {
	Code string
	Kind Kind
}

// Queue bounded map of pending signals keyed by (instrument, kind) with
// last-write-wins semantics. Guarded by its own lock, distinct from the
// position store's lock; the two are never nested.
type Queue struct {
	mu        sync.Mutex
	pending   map[pendingKey]*Signal
	processed map[pendingKey]time.Time // last execution per (instrument, kind)

	staleAfter time.Duration
	cooldown   time.Duration

	now func() time.Time // injectable clock for tests
}

// NewQueue creates a signal queue with the given staleness window and
// per-kind reprocessing cooldown
func NewQueue(staleAfter, cooldown time.Duration) *Queue {
	return &Queue{
		pending:    make(map[pendingKey]*Signal),
		processed:  make(map[pendingKey]time.Time),
		staleAfter: staleAfter,
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// Enqueue stores a signal, overwriting any pending one of the same
// (instrument, kind): a newer detection always supersedes an older
// undelivered one.
func (q *Queue) Enqueue(sig *Signal) {
	if sig == nil || sig.Code == "" {
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := pendingKey{Code: sig.Code, Kind: sig.Kind}
	if old, ok := q.pending[key]; ok {
		logger.Debugf("🔁 Signal superseded: %s/%s (%.4f → %.4f)", sig.Code, sig.Kind, old.Price, sig.Price)
	}
	q.pending[key] = sig
}

// Drain removes and returns all pending signals
func (q *Queue) Drain() []*Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	out := make([]*Signal, 0, len(q.pending))
	for key, sig := range q.pending {
		out = append(out, sig)
		delete(q.pending, key)
	}
	return out
}

// PendingCount returns the number of undelivered signals
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Validate checks a signal against the current position view. Checks run in
// a fixed order and the first failure wins:
//  1. position still exists with positive held volume
//  2. signal age within the staleness window
//  3. (instrument, kind) outside its reprocessing cooldown
//  4. available volume covers the required volume
func (q *Queue) Validate(sig *Signal, pos position.Position, exists bool) error {
	if !exists || pos.Volume <= 0 {
		return ErrPositionGone
	}
	if q.now().Sub(sig.CreatedAt) > q.staleAfter {
		return ErrStale
	}
	if q.InCooldown(sig.Code, sig.Kind) {
		return ErrCooldown
	}
	if required := sig.RequiredVolume(pos.Volume); required > 0 && pos.Available < required {
		return ErrInsufficient
	}
	return nil
}

// ValidateCommand checks a signal that places no order. The position and
// volume checks do not apply, staleness and cooldown still do.
func (q *Queue) ValidateCommand(sig *Signal) error {
	if q.now().Sub(sig.CreatedAt) > q.staleAfter {
		return ErrStale
	}
	if q.InCooldown(sig.Code, sig.Kind) {
		return ErrCooldown
	}
	return nil
}

// MarkProcessed records the processing timestamp for (instrument, kind),
// feeding the cooldown check on future identical signals
func (q *Queue) MarkProcessed(code string, kind Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed[pendingKey{Code: code, Kind: kind}] = q.now()
}

// InCooldown reports whether (instrument, kind) executed inside the
// reprocessing cooldown window
func (q *Queue) InCooldown(code string, kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	last, ok := q.processed[pendingKey{Code: code, Kind: kind}]
	if !ok {
		return false
	}
	return q.now().Sub(last) < q.cooldown
}
