package position

import (
	"sync"
	"testing"

	"gridpilot/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(code string, volume, available, cost float64) gateway.PositionSnapshot {
	return gateway.PositionSnapshot{
		Code:      code,
		Name:      code + " Test",
		Volume:    volume,
		Available: available,
		CostPrice: cost,
	}
}

func TestSyncCreatesAndClosesPositions(t *testing.T) {
	c := NewCache(nil)

	c.Sync([]gateway.PositionSnapshot{
		snapshot("600001", 1000, 1000, 10.0),
		snapshot("600002", 500, 500, 20.0),
	})

	positions, _ := c.List()
	require.Len(t, positions, 2)

	// 600002 gone from the next snapshot: closed, not deleted
	c.Sync([]gateway.PositionSnapshot{
		snapshot("600001", 1000, 1000, 10.0),
	})

	pos, _, ok := c.Get("600002")
	require.True(t, ok)
	assert.Equal(t, 0.0, pos.Volume)
	assert.False(t, pos.Held())

	pos, _, ok = c.Get("600001")
	require.True(t, ok)
	assert.True(t, pos.Held())
}

func TestSyncKeepsCostPriceWhenSnapshotOmitsIt(t *testing.T) {
	c := NewCache(nil)
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 10.0)})
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 0)})

	pos, _, _ := c.Get("600001")
	assert.Equal(t, 10.0, pos.CostPrice)
}

func TestSyncRejectsNegativeVolume(t *testing.T) {
	c := NewCache(nil)
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 10.0)})
	before := c.Version()

	// Negative volume violates the invariant: the snapshot is skipped and
	// the position keeps its previous values.
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", -100, -100, 10.0)})

	pos, _, ok := c.Get("600001")
	require.True(t, ok)
	assert.Equal(t, 0.0, pos.Volume) // absent from batch => closed
	assert.Equal(t, before+1, c.Version())
}

func TestVersionBumpsExactlyOncePerMutation(t *testing.T) {
	c := NewCache(nil)

	v0 := c.Version()
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 10.0)})
	assert.Equal(t, v0+1, c.Version())

	c.UpdatePrice("600001", 10.5)
	assert.Equal(t, v0+2, c.Version())

	c.MutateDurable("600001", func(p *Position) { p.HighestPrice = 10.5 })
	assert.Equal(t, v0+3, c.Version())

	c.ApplyFill("600001", "", gateway.SideBuy, 100, 10.6)
	assert.Equal(t, v0+4, c.Version())

	// Failed lookups must not move the cursor
	assert.False(t, c.UpdatePrice("999999", 1.0))
	assert.False(t, c.MutateDurable("999999", func(p *Position) {}))
	assert.Equal(t, v0+4, c.Version())
}

func TestUpdatePriceRecomputesDerivedFields(t *testing.T) {
	c := NewCache(nil)
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 10.0)})

	require.True(t, c.UpdatePrice("600001", 9.3))

	pos, _, _ := c.Get("600001")
	assert.InDelta(t, 9300.0, pos.MarketValue, 1e-9)
	assert.InDelta(t, -0.07, pos.ProfitRatio, 1e-9)
}

func TestApplyFillBuyRebalancesCost(t *testing.T) {
	c := NewCache(nil)
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 10.0)})

	c.ApplyFill("600001", "", gateway.SideBuy, 1000, 12.0)

	pos, _, _ := c.Get("600001")
	assert.Equal(t, 2000.0, pos.Volume)
	assert.InDelta(t, 11.0, pos.CostPrice, 1e-9)
}

func TestApplyFillSellClampsAtZero(t *testing.T) {
	c := NewCache(nil)
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 100, 100, 10.0)})

	c.ApplyFill("600001", "", gateway.SideSell, 500, 10.0)

	pos, _, _ := c.Get("600001")
	assert.Equal(t, 0.0, pos.Volume)
	assert.Equal(t, 0.0, pos.Available)
}

func TestConcurrentReadersSeeConsistentCopies(t *testing.T) {
	c := NewCache(nil)
	c.Sync([]gateway.PositionSnapshot{snapshot("600001", 1000, 1000, 10.0)})

	stop := make(chan struct{})
	writerDone := make(chan struct{})

	// Writer flips the price between two values; every reader must observe
	// market value consistent with whichever price it saw.
	go func() {
		defer close(writerDone)
		prices := []float64{10.0, 20.0}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				c.UpdatePrice("600001", prices[i%2])
			}
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				pos, _, ok := c.Get("600001")
				if !ok {
					continue
				}
				assert.InDelta(t, pos.Volume*pos.CurrentPrice, pos.MarketValue, 1e-9)
			}
		}()
	}

	wg.Wait()
	close(stop)
	<-writerDone
}

func TestVersionNeverDecreases(t *testing.T) {
	c := NewCache(nil)

	var last uint64
	for i := 0; i < 100; i++ {
		c.Sync([]gateway.PositionSnapshot{snapshot("600001", float64(100+i), 100, 10.0)})
		v := c.Version()
		require.Greater(t, v, last)
		last = v
	}
}
