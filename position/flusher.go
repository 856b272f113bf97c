package position

import (
	"time"

	"gridpilot/logger"
)

// StartFlusher runs the durable-layer synchronization loop. The interval is
// a tunable (different deployments have used 5s and 15s); a delayed or
// failed flush never blocks the volatile path.
func (c *Cache) StartFlusher(interval time.Duration) {
	if c.durable == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	// A runtime override applied before start wins over the static default
	c.flushEvery.CompareAndSwap(0, int64(interval))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-c.stopCh:
				// Final flush so a clean shutdown loses nothing
				c.flushDirty()
				return
			case <-time.After(time.Duration(c.flushEvery.Load())):
				c.flushDirty()
			}
		}
	}()
	logger.Infof("💾 Position flusher started (interval: %s)", time.Duration(c.flushEvery.Load()))
}

// SetFlushInterval changes the flush cadence. A wait already in progress
// finishes at the old interval; the new one applies from the next cycle.
func (c *Cache) SetFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.flushEvery.Store(int64(interval))
}

// StopFlusher stops the flush loop after one final flush
func (c *Cache) StopFlusher() {
	if c.durable == nil {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	logger.Info("💾 Position flusher stopped")
}

// flushDirty writes the durable-field subset of every dirty instrument.
// At most one flush is in flight; if the previous one is still running this
// cycle is skipped and the dirty set carries over (later marks supersede
// earlier ones per instrument).
func (c *Cache) flushDirty() {
	if !c.flushing.CompareAndSwap(false, true) {
		return
	}
	defer c.flushing.Store(false)

	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]*Position, 0, len(c.dirty))
	for code := range c.dirty {
		if pos, ok := c.positions[code]; ok {
			snapshot := *pos
			batch = append(batch, &snapshot)
		}
		delete(c.dirty, code)
	}
	c.mu.Unlock()

	for _, pos := range batch {
		if err := c.durable.Upsert(pos.durableRecord()); err != nil {
			// Re-mark dirty so the next scheduled flush retries
			logger.Warnf("⚠️  Durable flush failed for %s: %v", pos.Code, err)
			c.mu.Lock()
			c.dirty[pos.Code] = struct{}{}
			c.mu.Unlock()
		}
	}
}
