package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/playbook"
)

func sampleCandidate() playbook.Candidate {
	return playbook.Candidate{
		ID:            "cand-1",
		RunID:         "run-1",
		Symbol:        "BTC-USD",
		BarTimestamp:  time.Now(),
		Playbook:      "breakout",
		Direction:     playbook.Long,
		ProposedEntry: 100,
		Exit: playbook.ExitSpec{
			StopLossPrice:           97,
			TakeProfitPrice:         109,
			TimeStopBars:            10,
			TrailingEnabled:         false,
			TrailingActivationPrice: 103,
			TrailingDistanceATR:     1.5,
		},
	}
}

func zeroFees() FeeModel { return FeeModel{TakerFeeBps: 0, SlippageBps: 0} }

func TestOpenAppliesSlippageAndFees(t *testing.T) {
	fees := FeeModel{TakerFeeBps: 10, SlippageBps: 20} // 10bps fee, 20bps slippage (10bps half)
	m := NewManager(fees)
	pos := m.Open(sampleCandidate(), 0, 100, 2.0, 1.0)

	require.Greater(t, pos.EntryPrice, 100.0) // long entry slips worse = higher
	require.Greater(t, pos.EntryFees, 0.0)
	require.True(t, pos.Open)
	require.Equal(t, 1, m.Count())
}

func TestUpdateClosesOnTakeProfitAndComputesR(t *testing.T) {
	m := NewManager(zeroFees())
	pos := m.Open(sampleCandidate(), 0, 100, 2.0, 1.0)

	closures := m.Update(bar.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), High: 110, Low: 101, Close: 108}, 5)
	require.Len(t, closures, 1)
	closed := closures[0].Position
	require.False(t, closed.Open)
	require.Equal(t, 109.0, closed.ExitPrice)
	require.InDelta(t, 3.0, closed.RealizedR, 1e-9) // (109-100)/(100-97) = 3
	require.Equal(t, 0, m.Count())
}

func TestTakeProfitExitUsesMakerFeeStopUsesTaker(t *testing.T) {
	fees := FeeModel{MakerFeeBps: 5, TakerFeeBps: 20, SlippageBps: 0}

	m := NewManager(fees)
	m.Open(sampleCandidate(), 0, 100, 2.0, 1.0)
	closures := m.Update(bar.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), High: 110, Low: 101, Close: 108}, 5)
	require.Len(t, closures, 1)
	tpExit := closures[0].Position
	require.Equal(t, "take_profit", tpExit.ExitReason.String())
	require.InDelta(t, tpExit.ExitPrice*0.0005, tpExit.ExitFees, 1e-9, "take-profit exit must use the maker rate")

	m2 := NewManager(fees)
	m2.Open(sampleCandidate(), 0, 100, 2.0, 1.0)
	closures2 := m2.Update(bar.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), High: 101, Low: 90, Close: 95}, 5)
	require.Len(t, closures2, 1)
	slExit := closures2[0].Position
	require.Equal(t, "stop_loss", slExit.ExitReason.String())
	require.InDelta(t, slExit.ExitPrice*0.0020, slExit.ExitFees, 1e-9, "stop-loss exit must use the taker rate")
}

func TestRMultiplePostFeeBasisReflectsRealizedPnL(t *testing.T) {
	fees := FeeModel{TakerFeeBps: 10, SlippageBps: 0, RMultipleBasis: PostFee}
	m := NewManager(fees)
	m.Open(sampleCandidate(), 0, 100, 2.0, 1.0)

	closures := m.Update(bar.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), High: 110, Low: 101, Close: 108}, 5)
	require.Len(t, closures, 1)
	closed := closures[0].Position
	riskPerUnit := closed.EntryPrice - closed.ExitSpec.StopLossPrice
	require.InDelta(t, closed.RealizedPnL/(riskPerUnit*closed.SizeUnits), closed.RealizedR, 1e-9)
	require.NotEqual(t, 3.0, closed.RealizedR, "post-fee R must differ from the pre-fee (109-100)/(100-97)=3 reference value once fees are nonzero")
}

func TestUpdateIgnoresOtherSymbols(t *testing.T) {
	m := NewManager(zeroFees())
	m.Open(sampleCandidate(), 0, 100, 2.0, 1.0)

	closures := m.Update(bar.Bar{Symbol: "ETH-USD", Timestamp: time.Now(), High: 200, Low: 190, Close: 195}, 1)
	require.Empty(t, closures)
	require.Equal(t, 1, m.Count())
}

func TestUpdateLeavesPositionOpenWhenNothingTriggers(t *testing.T) {
	m := NewManager(zeroFees())
	m.Open(sampleCandidate(), 0, 100, 2.0, 1.0)

	closures := m.Update(bar.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), High: 101, Low: 99, Close: 100}, 1)
	require.Empty(t, closures)
	require.Equal(t, 1, m.Count())
}

func TestRestoreReinsertsOpenPositionWithoutRefills(t *testing.T) {
	m := NewManager(FeeModel{TakerFeeBps: 10, SlippageBps: 20})
	loaded := Position{
		ID:            "pos-1",
		CandidateID:   "cand-1",
		RunID:         "run-1",
		Symbol:        "BTC-USD",
		Direction:     playbook.Long,
		EntryBarIndex: 3,
		EntryPrice:    100.5, // already includes fees/slippage from the prior process
		SizeUnits:     1.0,
		SizeQuote:     100.5,
		ExitSpec: playbook.ExitSpec{
			StopLossPrice:   97,
			TakeProfitPrice: 109,
			TimeStopBars:    10,
		},
		Open: true,
	}

	m.Restore(loaded)

	require.Equal(t, 1, m.Count())
	open := m.OpenPositions()
	require.Len(t, open, 1)
	require.Equal(t, "pos-1", open[0].ID)
	require.Equal(t, 100.5, open[0].EntryPrice, "Restore must not reapply entry slippage/fees")

	closures := m.Update(bar.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), High: 110, Low: 101, Close: 108}, 6)
	require.Len(t, closures, 1)
	require.Equal(t, "pos-1", closures[0].Position.ID)
	require.Equal(t, 0, m.Count())
}
