package position

import (
	"sync"
	"sync/atomic"
	"time"

	"gridpilot/gateway"
	"gridpilot/logger"
	"gridpilot/store"
)

// Cache is the volatile layer. All per-instrument field writes from one call
// happen inside a single critical section, and every mutation that changes
// observable state bumps the version counter exactly once. Readers treat the
// version as a cursor: it only moves forward and may skip values.
type Cache struct {
	mu        sync.RWMutex
	positions map[string]*Position
	version   uint64
	dirty     map[string]struct{} // instruments awaiting durable flush

	durable    *store.PositionStore
	flushing   atomic.Bool  // at most one flush in flight
	flushEvery atomic.Int64 // flush interval in nanoseconds, runtime tunable

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCache creates the volatile layer over the given durable store
func NewCache(durable *store.PositionStore) *Cache {
	return &Cache{
		positions: make(map[string]*Position),
		dirty:     make(map[string]struct{}),
		durable:   durable,
		stopCh:    make(chan struct{}),
	}
}

// Restore loads durable records into the cache after a restart. Volatile
// fields stay zero until the first gateway sync fills them in.
func (c *Cache) Restore() error {
	if c.durable == nil {
		return nil
	}
	records, err := c.durable.List()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		c.positions[rec.Code] = &Position{
			Code:              rec.Code,
			Name:              rec.Name,
			OpenDate:          rec.OpenDate,
			ProfitTriggered:   rec.ProfitTriggered,
			HighestPrice:      rec.HighestPrice,
			StopLossPrice:     rec.StopLossPrice,
			BreakoutTriggered: rec.BreakoutTriggered,
			BreakoutHighest:   rec.BreakoutHighest,
			UpdatedAt:         rec.UpdatedAt,
		}
	}
	if len(records) > 0 {
		c.version++
		logger.Infof("📥 Restored %d position records from durable layer", len(records))
	}
	return nil
}

// Sync merges a gateway snapshot batch. Instruments missing from the batch
// are logically closed (held volume set to 0, durable fields retained).
func (c *Cache) Sync(snapshots []gateway.PositionSnapshot) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		if snap.Volume < 0 || snap.Available < 0 {
			logger.Errorf("🚨 Invariant violation: negative volume in gateway snapshot for %s (%.2f/%.2f)",
				snap.Code, snap.Volume, snap.Available)
			continue
		}
		seen[snap.Code] = struct{}{}

		pos, ok := c.positions[snap.Code]
		if !ok {
			pos = &Position{
				Code:     snap.Code,
				OpenDate: now,
			}
			c.positions[snap.Code] = pos
			c.dirty[snap.Code] = struct{}{}
			logger.Infof("🆕 New position from gateway: %s %s (volume %.0f)", snap.Code, snap.Name, snap.Volume)
		}

		if snap.Name != "" && snap.Name != pos.Name {
			pos.Name = snap.Name
			c.dirty[snap.Code] = struct{}{}
		}
		pos.Volume = snap.Volume
		pos.Available = snap.Available
		if snap.CostPrice > 0 {
			pos.CostPrice = snap.CostPrice
		}
		pos.recompute()
		pos.UpdatedAt = now
	}

	for code, pos := range c.positions {
		if _, ok := seen[code]; ok {
			continue
		}
		if pos.Volume > 0 {
			pos.Volume = 0
			pos.Available = 0
			pos.recompute()
			pos.UpdatedAt = now
			logger.Infof("📕 Position closed: %s (gone from gateway snapshot)", code)
		}
	}

	c.version++
}

// UpdatePrice applies a market price to one instrument and recomputes the
// derived fields. Returns false if the instrument is unknown.
func (c *Cache) UpdatePrice(code string, price float64) bool {
	if price <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[code]
	if !ok {
		return false
	}
	pos.CurrentPrice = price
	pos.recompute()
	pos.UpdatedAt = time.Now()
	c.version++
	return true
}

// MutateDurable applies fn to one position under the write lock and marks
// the instrument dirty for the next scheduled flush. The flush itself is
// asynchronous and never blocks this call.
func (c *Cache) MutateDurable(code string, fn func(*Position)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[code]
	if !ok {
		return false
	}
	fn(pos)
	pos.recompute()
	pos.UpdatedAt = time.Now()
	c.dirty[code] = struct{}{}
	c.version++
	return true
}

// ApplyFill mutates volatile fields directly for a simulated fill: buys
// raise volume and rebalance cost, sells lower volume and available.
func (c *Cache) ApplyFill(code, name, side string, volume, price float64) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[code]
	if !ok {
		pos = &Position{Code: code, Name: name, OpenDate: now}
		c.positions[code] = pos
		c.dirty[code] = struct{}{}
	}

	if side == gateway.SideBuy {
		total := pos.Volume*pos.CostPrice + volume*price
		pos.Volume += volume
		if pos.Volume > 0 {
			pos.CostPrice = total / pos.Volume
		}
	} else {
		pos.Volume -= volume
		pos.Available -= volume
		if pos.Volume < 0 {
			logger.Errorf("🚨 Invariant violation: fill drove %s volume negative, clamping", code)
			pos.Volume = 0
		}
		if pos.Available < 0 {
			pos.Available = 0
		}
	}
	pos.CurrentPrice = price
	pos.recompute()
	pos.UpdatedAt = now
	c.version++
}

// Get returns a point-in-time copy plus the current version
func (c *Cache) Get(code string) (Position, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.positions[code]
	if !ok {
		return Position{}, c.version, false
	}
	return *pos, c.version, true
}

// List returns copies of every record plus the current version
func (c *Cache) List() ([]Position, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, *pos)
	}
	return out, c.version
}

// Version returns the current change cursor
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
