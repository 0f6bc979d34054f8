package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOrderBook(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	bets := []LimitBet{
		{ID: "1", Outcome: OutcomeYes, LimitProb: 0.4, OrderAmount: 10},
		{ID: "2", Outcome: OutcomeYes, LimitProb: 0.4, OrderAmount: 5, Amount: 2},
		{ID: "3", Outcome: OutcomeYes, LimitProb: 0.45, OrderAmount: 8},
		{ID: "4", Outcome: OutcomeNo, LimitProb: 0.6, OrderAmount: 20},
		{ID: "5", Outcome: OutcomeNo, LimitProb: 0.55, OrderAmount: 4},
		{ID: "6", Outcome: OutcomeNo, LimitProb: 0.5, OrderAmount: 4, ExpiresAt: &past},
		{ID: "7", Outcome: OutcomeYes, LimitProb: 0.48, OrderAmount: 4, IsCancelled: true},
		{ID: "8", AnswerID: "other", Outcome: OutcomeYes, LimitProb: 0.49, OrderAmount: 4},
	}

	ob := BuildOrderBook("", bets, now)
	require.Len(t, ob.Bids, 2)
	require.Len(t, ob.Asks, 2)
	assert.Equal(t, BookEntry{Price: 0.45, Size: 8}, ob.Bids[0])
	assert.Equal(t, BookEntry{Price: 0.4, Size: 13}, ob.Bids[1])
	assert.Equal(t, BookEntry{Price: 0.55, Size: 4}, ob.Asks[0])

	assert.Equal(t, 0.45, ob.BestBid())
	assert.Equal(t, 0.55, ob.BestAsk())
	assert.InDelta(t, 0.5, ob.Midpoint(), 1e-12)
	assert.InDelta(t, 0.1, ob.Spread(), 1e-12)
	assert.InDelta(t, 12, ob.DepthWithin(0.5, 0.05+Epsilon), 1e-12)
}

func TestOrderBook_Empty(t *testing.T) {
	ob := BuildOrderBook("a1", nil, time.Now())
	assert.Equal(t, 0.0, ob.BestBid())
	assert.Equal(t, 0.0, ob.BestAsk())
	assert.Equal(t, 0.0, ob.Midpoint())
	assert.Equal(t, 0.0, ob.Spread())
	assert.Equal(t, 0.0, ob.DepthWithin(0.5, 1))
}
