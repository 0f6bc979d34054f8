package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poolAt arma un pool p = 0.5 con probabilidad prob y k = 100.
func poolAt(prob float64) Pool {
	return Pool{
		YES: 100 * math.Sqrt((1-prob)/prob),
		NO:  100 * math.Sqrt(prob/(1-prob)),
		P:   0.5,
	}
}

func TestPool_Prob(t *testing.T) {
	assert.InDelta(t, 0.5, Pool{YES: 100, NO: 100, P: 0.5}.Prob(), 1e-12)
	assert.InDelta(t, 0.75, Pool{YES: 100, NO: 300, P: 0.5}.Prob(), 1e-12)
	assert.InDelta(t, 0.45, poolAt(0.45).Prob(), 1e-12)
	assert.True(t, math.IsNaN(Pool{}.Prob()))
}

func TestPool_Buy_Yes(t *testing.T) {
	pool := Pool{YES: 100, NO: 100, P: 0.5}
	next, shares, err := pool.Buy(50, OutcomeYes)
	require.NoError(t, err)

	assert.InDelta(t, 83.3333333, shares, 1e-6)
	assert.InDelta(t, 66.6666667, next.YES, 1e-6)
	assert.InDelta(t, 150, next.NO, 1e-9)
	assert.Greater(t, next.Prob(), pool.Prob())
	assert.InDelta(t, pool.K(), next.K(), Epsilon)
}

func TestPool_Buy_No(t *testing.T) {
	pool := Pool{YES: 100, NO: 100, P: 0.5}
	next, shares, err := pool.Buy(50, OutcomeNo)
	require.NoError(t, err)

	assert.InDelta(t, 83.3333333, shares, 1e-6)
	assert.Less(t, next.Prob(), pool.Prob())
	assert.InDelta(t, pool.K(), next.K(), Epsilon)
}

func TestPool_Buy_InvariantAcrossShapes(t *testing.T) {
	pools := []Pool{
		{YES: 100, NO: 100, P: 0.5},
		{YES: 40, NO: 250, P: 0.5},
		{YES: 100, NO: 200, P: 0.3},
		{YES: 500, NO: 80, P: 0.8},
	}
	for _, pool := range pools {
		for _, amount := range []float64{0.01, 1, 10, 75} {
			for _, o := range []Outcome{OutcomeYes, OutcomeNo} {
				next, shares, err := pool.Buy(amount, o)
				require.NoError(t, err)
				assert.Greater(t, shares, amount, "a share costs less than 1")
				assert.InDelta(t, 0, (next.K()-pool.K())/pool.K(), 1e-9)
				if o == OutcomeYes {
					assert.Greater(t, next.Prob(), pool.Prob())
				} else {
					assert.Less(t, next.Prob(), pool.Prob())
				}
			}
		}
	}
}

func TestPool_Buy_RejectsBadInput(t *testing.T) {
	_, _, err := Pool{YES: 100, NO: 100, P: 0.5}.Buy(math.NaN(), OutcomeYes)
	assert.Equal(t, RejectInvalidOrder, RejectReasonOf(err))

	_, _, err = Pool{YES: 0, NO: 100, P: 0.5}.Buy(10, OutcomeYes)
	assert.Equal(t, RejectNonFinite, RejectReasonOf(err))
}

func TestPool_Sell_RoundTrip(t *testing.T) {
	pools := []Pool{
		{YES: 100, NO: 100, P: 0.5},
		{YES: 100, NO: 200, P: 0.3},
		{YES: 30, NO: 90, P: 0.65},
	}
	for _, pool := range pools {
		for _, o := range []Outcome{OutcomeYes, OutcomeNo} {
			bought, shares, err := pool.Buy(20, o)
			require.NoError(t, err)

			sold, amount, err := bought.Sell(shares, o)
			require.NoError(t, err)
			assert.InDelta(t, 20, amount, 1e-6)
			assert.InDelta(t, pool.YES, sold.YES, 1e-6)
			assert.InDelta(t, pool.NO, sold.NO, 1e-6)
			assert.InDelta(t, pool.K(), sold.K(), 1e-6)
		}
	}
}

func TestPool_Sell_Zero(t *testing.T) {
	pool := Pool{YES: 100, NO: 100, P: 0.5}
	next, amount, err := pool.Sell(0, OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, pool, next)
	assert.Equal(t, 0.0, amount)
}

func TestPool_AmountToProb(t *testing.T) {
	pools := []Pool{
		{YES: 100, NO: 100, P: 0.5},
		{YES: 100, NO: 200, P: 0.3},
	}
	for _, pool := range pools {
		start := pool.Prob()

		up := pool.AmountToProb(start+0.1, OutcomeYes)
		next, _, err := pool.Buy(up, OutcomeYes)
		require.NoError(t, err)
		assert.InDelta(t, start+0.1, next.Prob(), 1e-9)

		down := pool.AmountToProb(start-0.1, OutcomeNo)
		next, _, err = pool.Buy(down, OutcomeNo)
		require.NoError(t, err)
		assert.InDelta(t, start-0.1, next.Prob(), 1e-9)

		assert.Equal(t, 0.0, pool.AmountToProb(start-0.1, OutcomeYes))
		assert.True(t, math.IsInf(pool.AmountToProb(1, OutcomeYes), 1))
	}
	assert.InDelta(t, 22.4744871, Pool{YES: 100, NO: 100, P: 0.5}.AmountToProb(0.6, OutcomeYes), 1e-6)
}

func TestPool_AmountForShares(t *testing.T) {
	pools := []Pool{
		{YES: 100, NO: 100, P: 0.5},
		{YES: 66.6, NO: 150, P: 0.5},
		{YES: 100, NO: 200, P: 0.3},
	}
	for _, pool := range pools {
		for _, o := range []Outcome{OutcomeYes, OutcomeNo} {
			amount := pool.AmountForShares(40, o)
			assert.InDelta(t, 40, pool.Shares(amount, o), 1e-6)
		}
	}
	assert.Equal(t, 0.0, Pool{YES: 1, NO: 1, P: 0.5}.AmountForShares(0, OutcomeYes))
}

func TestBand(t *testing.T) {
	b := DefaultBand
	assert.True(t, b.Valid())
	assert.True(t, b.Contains(0.5))
	assert.True(t, b.Contains(0.99))
	assert.False(t, b.Contains(0.995))
	assert.False(t, b.Contains(0.001))
	assert.Equal(t, 0.99, b.Edge(OutcomeYes))
	assert.Equal(t, 0.01, b.Edge(OutcomeNo))
	assert.False(t, Band{Min: 0, Max: 1}.Valid())
}
