package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/adapters/storage"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func binaryContract(id string) domain.Contract {
	return domain.Contract{
		ID:             id,
		Question:       "Will X happen?",
		CreatorID:      "creator",
		Mechanism:      domain.MechanismCPMM,
		Pool:           domain.Pool{YES: 100, NO: 100, P: 0.5},
		TotalLiquidity: 100,
		CreatedAt:      t0,
	}
}

func deposit(key, user string, amount float64) domain.Posting {
	return domain.Posting{Key: key, UserID: user, Kind: domain.PostingDeposit, Amount: domain.Money(amount)}
}

func TestSQLiteStorage_CreateAndSnapshot(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	c := binaryContract("c1")
	c.CloseTime = t0.Add(24 * time.Hour)
	require.NoError(t, db.CreateContract(ctx, c, nil))

	snap, err := db.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", snap.Contract.ID)
	assert.Equal(t, domain.KindBinary, snap.Contract.Kind())
	assert.Equal(t, c.Pool, snap.Contract.Pool)
	assert.True(t, snap.Contract.CloseTime.Equal(c.CloseTime))
	assert.True(t, snap.Contract.CreatedAt.Equal(t0))
	assert.Empty(t, snap.Answers)
	assert.Empty(t, snap.LimitBets)
}

func TestSQLiteStorage_MultiAnswerSnapshotOrdered(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	c := binaryContract("m1")
	c.Mechanism = domain.MechanismCPMMMulti
	c.ShouldAnswersSumToOne = true
	c.Pool = domain.Pool{}
	answers := []domain.Answer{
		{ID: "b", Index: 1, Text: "B", Pool: domain.Pool{YES: 100, NO: 100, P: 0.5}},
		{ID: "a", Index: 0, Text: "A", Pool: domain.Pool{YES: 100, NO: 100, P: 0.5}, SubsidyPool: 3},
	}
	require.NoError(t, db.CreateContract(ctx, c, answers))

	snap, err := db.GetSnapshot(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindMultiSumToOne, snap.Contract.Kind())
	require.Len(t, snap.Answers, 2)
	assert.Equal(t, "a", snap.Answers[0].ID)
	assert.Equal(t, "b", snap.Answers[1].ID)
	assert.Equal(t, 3.0, snap.Answers[0].SubsidyPool)

	ids, err := db.ContractsWithSubsidy(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)
}

func TestSQLiteStorage_GetSnapshot_NotFound(t *testing.T) {
	db := newStore(t)
	_, err := db.GetSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_LockContract_CommitsStagedChanges(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.CreateContract(ctx, binaryContract("c1"), nil))
	_, err := db.Post(ctx, []domain.Posting{deposit("dep:u1", "u1", 100)})
	require.NoError(t, err)

	expires := t0.Add(time.Hour)
	err = db.LockContract(ctx, "c1", func(tx domain.ContractTx) error {
		snap := tx.Snapshot()
		c := snap.Contract
		c.Pool = domain.Pool{YES: 60, NO: 150, P: 0.5}
		c.UniqueBettorCount = 1

		bal, err := tx.Balance("u1")
		require.NoError(t, err)
		assert.Equal(t, 100.0, bal)

		tx.Stage(domain.Changes{
			Contract: &c,
			Bets: []domain.Bet{{
				ID: "o1-0", OrderID: "o1", UserID: "u1", Outcome: domain.OutcomeYes,
				Amount: 50, Shares: 90, ProbBefore: 0.5, ProbAfter: 0.71, CreatedAt: t0,
			}},
			LimitBets: []domain.LimitBet{{
				ID: "o1", UserID: "u1", Outcome: domain.OutcomeYes, LimitProb: 0.8,
				OrderAmount: 80, Amount: 50, Shares: 90, ExpiresAt: &expires, CreatedAt: t0,
			}},
			Postings: []domain.Posting{{
				Key: domain.PostingKey("o1-0", domain.PostingTakerDebit), UserID: "u1",
				Kind: domain.PostingTakerDebit, BetID: "o1-0", Amount: domain.Money(-50),
			}},
		})
		return nil
	})
	require.NoError(t, err)

	snap, err := db.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, snap.Contract.Pool.YES)
	assert.Equal(t, 1, snap.Contract.UniqueBettorCount)
	require.Len(t, snap.LimitBets, 1)
	assert.InDelta(t, 30, snap.LimitBets[0].Remaining(), 1e-9)
	require.NotNil(t, snap.LimitBets[0].ExpiresAt)
	assert.True(t, snap.LimitBets[0].ExpiresAt.Equal(expires))
	assert.Equal(t, 50.0, snap.Balances["u1"])

	bal, err := db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(bal), bal.String())

	err = db.LockContract(ctx, "c1", func(tx domain.ContractTx) error {
		pos, err := tx.Position("u1", "", domain.OutcomeYes)
		require.NoError(t, err)
		assert.Equal(t, 90.0, pos)
		has, err := tx.HasBet("u1")
		require.NoError(t, err)
		assert.True(t, has)
		has, err = tx.HasBet("u2")
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	})
	require.NoError(t, err)

	ids, err := db.ContractsWithExpiredOrders(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
	ids, err = db.ContractsWithExpiredOrders(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLiteStorage_LockContract_RollsBackOnError(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.CreateContract(ctx, binaryContract("c1"), nil))

	boom := errors.New("boom")
	err := db.LockContract(ctx, "c1", func(tx domain.ContractTx) error {
		c := tx.Snapshot().Contract
		c.Pool.YES = 1
		tx.Stage(domain.Changes{
			Contract: &c,
			Postings: []domain.Posting{deposit("dep:u1", "u1", 10)},
		})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := db.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Contract.Pool.YES)
	bal, err := db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	// la conexión queda usable después del rollback
	require.NoError(t, db.LockContract(ctx, "c1", func(domain.ContractTx) error { return nil }))
}

func TestSQLiteStorage_LockContract_NotFound(t *testing.T) {
	db := newStore(t)
	called := false
	err := db.LockContract(context.Background(), "missing", func(domain.ContractTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, called)
}

func TestSQLiteStorage_PostIsIdempotent(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	postings := []domain.Posting{deposit("dep:1", "u1", 10.125), deposit("dep:2", "u1", 0.1)}
	n, err := db.Post(ctx, postings)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = db.Post(ctx, postings)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	bal, err := db.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "10.225", bal.String())
}

func TestSQLiteStorage_MarksSoldPositions(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.CreateContract(ctx, binaryContract("c1"), nil))

	stage := func(c domain.Changes) {
		require.NoError(t, db.LockContract(ctx, "c1", func(tx domain.ContractTx) error {
			tx.Stage(c)
			return nil
		}))
	}
	stage(domain.Changes{Bets: []domain.Bet{
		{ID: "b1", OrderID: "o1", UserID: "u1", Outcome: domain.OutcomeYes, Amount: 10, Shares: 20, CreatedAt: t0},
	}})
	stage(domain.Changes{
		Bets: []domain.Bet{
			{ID: "b2", OrderID: "o2", UserID: "u1", Outcome: domain.OutcomeYes, Amount: -9, Shares: -20, IsSale: true, CreatedAt: t0},
		},
		Sold: []domain.SoldPosition{{UserID: "u1", Outcome: domain.OutcomeYes}},
	})

	require.NoError(t, db.LockContract(ctx, "c1", func(tx domain.ContractTx) error {
		pos, err := tx.Position("u1", "", domain.OutcomeYes)
		require.NoError(t, err)
		assert.InDelta(t, 0, pos, 1e-12)
		return nil
	}))
}
