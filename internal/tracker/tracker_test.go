package tracker

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbotzyn/internal/types"
)

func newTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	tr, err := Open(path)
	require.NoError(t, err)
	return tr, path
}

func longPosition(symbol string) types.Position {
	return types.Position{
		Symbol:     symbol,
		Side:       types.SideLong,
		EntryPrice: 100,
		Quantity:   1.5,
		StopLoss:   90,
		TakeProfit: 120,
		Protection: types.ProtectionMental,
		Status:     types.StatusOpen,
		OpenedAt:   time.Now().UTC(),
	}
}

func TestOpenPositionRejectsDuplicate(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.OpenPosition(longPosition("BTCUSDT")))

	err := tr.OpenPosition(longPosition("BTCUSDT"))
	assert.ErrorIs(t, err, ErrPositionExists)

	assert.Len(t, tr.List(), 1)
}

func TestOpenPositionRejectsInvertedLevels(t *testing.T) {
	tr, _ := newTracker(t)

	p := longPosition("BTCUSDT")
	p.StopLoss = 110 // above entry on a long
	err := tr.OpenPosition(p)
	assert.ErrorIs(t, err, ErrInvariant)

	short := types.Position{
		Symbol: "ETHUSDT", Side: types.SideShort,
		EntryPrice: 100, Quantity: 1,
		StopLoss: 90, TakeProfit: 80, // stop below entry on a short
		Protection: types.ProtectionMental, Status: types.StatusOpen,
	}
	err = tr.OpenPosition(short)
	assert.ErrorIs(t, err, ErrInvariant)

	_, ok := tr.Get("BTCUSDT")
	assert.False(t, ok, "rejected position must not be stored")
}

func TestCheckExitsLong(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.OpenPosition(longPosition("BTCUSDT")))

	// Between the levels: nothing fires.
	assert.Empty(t, tr.CheckExits(map[string]float64{"BTCUSDT": 105}))

	// At the stop.
	trigs := tr.CheckExits(map[string]float64{"BTCUSDT": 90})
	require.Len(t, trigs, 1)
	assert.Equal(t, types.ExitStopLoss, trigs[0].Kind)
	assert.Equal(t, 90.0, trigs[0].Level)

	// Above the target.
	trigs = tr.CheckExits(map[string]float64{"BTCUSDT": 121})
	require.Len(t, trigs, 1)
	assert.Equal(t, types.ExitTakeProfit, trigs[0].Kind)

	// CheckExits is pure: position is still open after triggers.
	_, ok := tr.Get("BTCUSDT")
	assert.True(t, ok)
}

func TestCheckExitsShort(t *testing.T) {
	tr, _ := newTracker(t)
	p := types.Position{
		Symbol: "ETHUSDT", Side: types.SideShort,
		EntryPrice: 100, Quantity: 2,
		StopLoss: 110, TakeProfit: 80,
		Protection: types.ProtectionMental, Status: types.StatusOpen,
	}
	require.NoError(t, tr.OpenPosition(p))

	trigs := tr.CheckExits(map[string]float64{"ETHUSDT": 111})
	require.Len(t, trigs, 1)
	assert.Equal(t, types.ExitStopLoss, trigs[0].Kind)

	trigs = tr.CheckExits(map[string]float64{"ETHUSDT": 79})
	require.Len(t, trigs, 1)
	assert.Equal(t, types.ExitTakeProfit, trigs[0].Kind)
}

func TestCheckExitsSkipsExchangeNativeAndMissingPrices(t *testing.T) {
	tr, _ := newTracker(t)

	native := longPosition("BTCUSDT")
	native.Protection = types.ProtectionExchangeNative
	require.NoError(t, tr.OpenPosition(native))
	require.NoError(t, tr.OpenPosition(longPosition("ETHUSDT")))

	// Native protection is the venue's job; missing price is not a trigger.
	trigs := tr.CheckExits(map[string]float64{"BTCUSDT": 1})
	assert.Empty(t, trigs)
}

func TestStopLossWinsOnGap(t *testing.T) {
	tr, _ := newTracker(t)
	p := longPosition("BTCUSDT")
	p.StopLoss = 90
	p.TakeProfit = 91 // pathological, but the stop must win if both cross
	require.NoError(t, tr.OpenPosition(p))

	trigs := tr.CheckExits(map[string]float64{"BTCUSDT": 90})
	require.Len(t, trigs, 1)
	assert.Equal(t, types.ExitStopLoss, trigs[0].Kind)
}

func TestDoubleExitGuard(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.OpenPosition(longPosition("BTCUSDT")))

	require.NoError(t, tr.MarkClosing("BTCUSDT"))
	err := tr.MarkClosing("BTCUSDT")
	assert.Error(t, err, "second exit attempt must be rejected while one is in flight")

	// A closing position no longer produces triggers.
	assert.Empty(t, tr.CheckExits(map[string]float64{"BTCUSDT": 50}))

	require.NoError(t, tr.ReopenAfterFailedExit("BTCUSDT"))
	assert.Len(t, tr.CheckExits(map[string]float64{"BTCUSDT": 50}), 1)
}

func TestClosePositionPersists(t *testing.T) {
	tr, path := newTracker(t)
	require.NoError(t, tr.OpenPosition(longPosition("BTCUSDT")))

	closed, err := tr.ClosePosition("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, closed.Status)

	_, err = tr.ClosePosition("BTCUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound)

	// A fresh tracker over the same file sees no positions.
	tr2, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, tr2.List())
}

func TestReloadPersistence(t *testing.T) {
	tr, path := newTracker(t)
	require.NoError(t, tr.OpenPosition(longPosition("BTCUSDT")))

	tr2, err := Open(path)
	require.NoError(t, err)
	p, ok := tr2.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 90.0, p.StopLoss)
	assert.Equal(t, 120.0, p.TakeProfit)
	assert.False(t, tr2.NeedsReconciliation())
}

func TestCorruptStoreFlagsReconciliation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	tr, err := Open(path)
	require.NoError(t, err)
	assert.True(t, tr.NeedsReconciliation())
	assert.Empty(t, tr.List())

	tr.MarkReconciled()
	assert.False(t, tr.NeedsReconciliation())
}

func TestDustExcludedFromExitsButSurfaced(t *testing.T) {
	tr, _ := newTracker(t)
	p := longPosition("BTCUSDT")
	p.Quantity = 0.0001 // worth 0.01 at entry
	require.NoError(t, tr.OpenPosition(p))
	tr.SetMinNotional("BTCUSDT", 10)

	prices := map[string]float64{"BTCUSDT": 50} // dust and through the stop
	assert.Empty(t, tr.CheckExits(prices))

	dust := tr.DustPositions(prices)
	require.Len(t, dust, 1)
	assert.Equal(t, "BTCUSDT", dust[0].Symbol)
}

func TestOpenRiskFailsClosedWithoutStop(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.OpenPosition(longPosition("BTCUSDT"))) // risk 10*1.5 = 15

	risk, err := tr.OpenRisk()
	require.NoError(t, err)
	assert.InDelta(t, 15.0, risk, 1e-9)

	unprotected := types.Position{
		Symbol: "ETHUSDT", Side: types.SideLong,
		EntryPrice: 100, Quantity: 1,
		Protection: types.ProtectionExchangeNative, Status: types.StatusOpen,
	}
	require.NoError(t, tr.OpenPosition(unprotected))

	_, err = tr.OpenRisk()
	assert.Error(t, err)
}

func TestSinglePositionPerSymbolUnderConcurrency(t *testing.T) {
	tr, _ := newTracker(t)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.OpenPosition(longPosition("BTCUSDT"))
		}(i)
	}
	wg.Wait()

	opened := 0
	for _, err := range errs {
		if err == nil {
			opened++
		}
	}
	assert.Equal(t, 1, opened, "exactly one concurrent open may win")
	assert.Len(t, tr.List(), 1)
}
