package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeSchedule_ForFill(t *testing.T) {
	s := DefaultFeeSchedule()
	f := s.ForFill(FillQuote{Amount: 50, Shares: 100})

	assert.InDelta(t, 1.75, f.Total(), 1e-12)
	assert.InDelta(t, 0.875, f.CreatorFee, 1e-12)
	assert.InDelta(t, 0.875, f.PlatformFee, 1e-12)
	assert.Equal(t, 0.0, f.LiquidityFee)
}

func TestFeeSchedule_ForFill_Edges(t *testing.T) {
	s := DefaultFeeSchedule()
	assert.Equal(t, Fees{}, s.ForFill(FillQuote{Amount: 0, Shares: 10}))
	assert.Equal(t, Fees{}, s.ForFill(FillQuote{Amount: 10, Shares: 0}))
	assert.Equal(t, Fees{}, FeeSchedule{}.ForFill(FillQuote{Amount: 10, Shares: 20}))
}

func TestFeeSchedule_SameForAnySplitOfAFill(t *testing.T) {
	s := FeeSchedule{TakerRate: 0.07, CreatorShare: 0.3, LiquidityShare: 0.2}
	whole := s.ForFill(FillQuote{Amount: 40, Shares: 100})
	half := s.ForFill(FillQuote{Amount: 20, Shares: 50})

	assert.InDelta(t, whole.Total(), half.Add(half).Total(), 1e-12)
	assert.InDelta(t, whole.LiquidityFee, 2*half.LiquidityFee, 1e-12)
	assert.InDelta(t, whole.Total()*0.5, whole.PlatformFee, 1e-12)
}

func TestFees_CapTo(t *testing.T) {
	f := Fees{CreatorFee: 1, PlatformFee: 1}
	assert.Equal(t, f, f.CapTo(5))
	capped := f.CapTo(1)
	assert.InDelta(t, 0.5, capped.CreatorFee, 1e-12)
	assert.InDelta(t, 0.5, capped.PlatformFee, 1e-12)
	assert.Equal(t, Fees{}, f.CapTo(-1))
}
