package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openquant/hedgebot/internal/domain"
)

func TestStressBlocksSymbolsOverLimit(t *testing.T) {
	s := NewStressTester(0.10, 1_000)

	positions := []domain.Position{
		{Venue: "binance", Symbol: "BTCUSDT", Qty: 1, AvgEntryPrice: 100},
		{Venue: "okx", Symbol: "ETHUSDT", Qty: -2, AvgEntryPrice: 50},
	}
	marks := map[string]float64{
		"binance:BTCUSDT": 100,
		"okx:ETHUSDT":     50,
	}

	// 10% shock on 100 + 100 notional: 20 USD, far under the limit.
	total, breached := s.Evaluate(positions, marks)
	assert.InDelta(t, 20, total, 1e-9)
	assert.False(t, breached)
	assert.False(t, s.Blocked("BTCUSDT"))

	// Same book against a 1000x larger position breaches.
	positions[0].Qty = 150
	total, breached = s.Evaluate(positions, marks)
	assert.InDelta(t, 1_510, total, 1e-9)
	assert.True(t, breached)
	assert.True(t, s.Blocked("BTCUSDT"))
	assert.True(t, s.Blocked("ETHUSDT"))
	assert.Len(t, s.HardBlocks(), 2)
}

func TestStressFallsBackToEntryPrice(t *testing.T) {
	s := NewStressTester(0.10, 1_000)

	positions := []domain.Position{
		{Venue: "binance", Symbol: "BTCUSDT", Qty: 1, AvgEntryPrice: 200},
	}
	total, _ := s.Evaluate(positions, nil)
	assert.InDelta(t, 20, total, 1e-9, "no mark available, shock applies to the entry price")
}

func TestStressRecoversWhenExposureShrinks(t *testing.T) {
	s := NewStressTester(0.10, 100)

	positions := []domain.Position{{Venue: "binance", Symbol: "BTCUSDT", Qty: 20, AvgEntryPrice: 100}}
	_, breached := s.Evaluate(positions, nil)
	assert.True(t, breached)
	assert.True(t, s.Blocked("BTCUSDT"))

	positions[0].Qty = 1
	_, breached = s.Evaluate(positions, nil)
	assert.False(t, breached)
	assert.False(t, s.Blocked("BTCUSDT"), "the block set is replaced on every evaluation")
}
