package drizzle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/adapters/storage"
	"github.com/alejandrodnm/marketmaker/internal/application/drizzle"
	"github.com/alejandrodnm/marketmaker/internal/application/engine"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	drizzles [][]domain.DrizzleOutcome
}

func (n *recordingNotifier) NotifyTrade(context.Context, domain.TradeReport) error { return nil }

func (n *recordingNotifier) NotifyDrizzle(_ context.Context, out []domain.DrizzleOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drizzles = append(n.drizzles, out)
	return nil
}

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *storage.SQLiteStorage) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.CreateContract(ctx, domain.Contract{
		ID: "bin", Question: "Binary?", CreatorID: "creator", Mechanism: domain.MechanismCPMM,
		Pool: domain.Pool{YES: 100, NO: 300, P: 0.5}, SubsidyPool: 100, CreatedAt: created,
	}, nil))

	require.NoError(t, db.CreateContract(ctx, domain.Contract{
		ID: "dry", Question: "No subsidy?", CreatorID: "creator", Mechanism: domain.MechanismCPMM,
		Pool: domain.Pool{YES: 100, NO: 100, P: 0.5}, CreatedAt: created,
	}, nil))

	require.NoError(t, db.CreateContract(ctx, domain.Contract{
		ID: "multi", Question: "Who?", CreatorID: "creator", Mechanism: domain.MechanismCPMMMulti,
		ShouldAnswersSumToOne: true, SubsidyPool: 0.5, CreatedAt: created,
	}, []domain.Answer{
		{ID: "a", Index: 0, Text: "A", Pool: domain.Pool{YES: 50, NO: 50, P: 0.5}},
		{ID: "b", Index: 1, Text: "B", Pool: domain.Pool{YES: 50, NO: 50, P: 0.5}},
	}))
}

func TestDrizzler_RunOnce(t *testing.T) {
	db := newStore(t)
	seed(t, db)
	ctx := context.Background()
	notifier := &recordingNotifier{}

	d := drizzle.New(drizzle.Config{Workers: 2}, db, nil, engine.New(engine.Config{}), notifier,
		func() float64 { return 0 })

	outcomes, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byID := map[string]domain.DrizzleOutcome{}
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		byID[o.ContractID] = o
	}
	assert.InDelta(t, 70, byID["bin"].Injected, 1e-9)
	assert.InDelta(t, 0.5, byID["multi"].Injected, 1e-9)
	assert.True(t, byID["multi"].Drained)

	snap, err := db.GetSnapshot(ctx, "bin")
	require.NoError(t, err)
	assert.InDelta(t, 30, snap.Contract.SubsidyPool, 1e-9)
	assert.InDelta(t, 0.75, snap.Contract.Pool.Prob(), 1e-9)

	snap, err = db.GetSnapshot(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.Contract.SubsidyPool)
	require.Len(t, snap.Answers, 2)
	assert.InDelta(t, 0.5, snap.Answers[0].Prob(), 1e-9)
	assert.Greater(t, snap.Answers[0].Pool.YES, 50.0)

	require.Len(t, notifier.drizzles, 1)

	// el multi quedó sin subsidio: el segundo ciclo sólo toca el binario
	outcomes, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "bin", outcomes[0].ContractID)
	assert.InDelta(t, 21, outcomes[0].Injected, 1e-9)
}

func TestDrizzler_RunDryRun(t *testing.T) {
	db := newStore(t)
	seed(t, db)

	d := drizzle.New(drizzle.Config{DryRun: true, PerSecond: 100}, db, db, engine.New(engine.Config{}), nil,
		func() float64 { return 0.5 })
	require.NoError(t, d.Run(context.Background()))

	snap, err := db.GetSnapshot(context.Background(), "bin")
	require.NoError(t, err)
	assert.InDelta(t, 100-0.5*0.7*100, snap.Contract.SubsidyPool, 1e-9)
}

func TestDrizzler_RunStopsOnCancel(t *testing.T) {
	db := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	d := drizzle.New(drizzle.Config{Interval: time.Hour}, db, nil, engine.New(engine.Config{}), nil,
		func() float64 { return 0 })

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// lockFailer falla el lock de un contrato y delega el resto.
type lockFailer struct {
	next domain.RowLocker
	id   string
}

func (l lockFailer) LockContract(ctx context.Context, contractID string, fn func(domain.ContractTx) error) error {
	if contractID == l.id {
		return errors.New("lock lost")
	}
	return l.next.LockContract(ctx, contractID, fn)
}

func TestDrizzler_BrokenPoolDoesNotAbortBatch(t *testing.T) {
	db := newStore(t)
	seed(t, db)
	ctx := context.Background()

	require.NoError(t, db.CreateContract(ctx, domain.Contract{
		ID: "broken", Question: "Broken?", CreatorID: "creator", Mechanism: domain.MechanismCPMM,
		Pool: domain.Pool{YES: 100, NO: 0, P: 0.5}, SubsidyPool: 50,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil))

	d := drizzle.New(drizzle.Config{Workers: 1}, db, nil, engine.New(engine.Config{}), nil,
		func() float64 { return 0 })

	outcomes, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byID := map[string]domain.DrizzleOutcome{}
	for _, o := range outcomes {
		byID[o.ContractID] = o
	}
	assert.Equal(t, domain.RejectNonFinite, domain.RejectReasonOf(byID["broken"].Err))
	assert.Equal(t, 0.0, byID["broken"].Injected)
	require.NoError(t, byID["bin"].Err)
	assert.InDelta(t, 70, byID["bin"].Injected, 1e-9)

	snap, err := db.GetSnapshot(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, 50.0, snap.Contract.SubsidyPool)

	snap, err = db.GetSnapshot(ctx, "bin")
	require.NoError(t, err)
	assert.InDelta(t, 30, snap.Contract.SubsidyPool, 1e-9)
}

func TestDrizzler_FailingContractIsSkipped(t *testing.T) {
	db := newStore(t)
	seed(t, db)
	ctx := context.Background()
	notifier := &recordingNotifier{}

	d := drizzle.New(drizzle.Config{Workers: 2, MaxRetries: 1}, db, lockFailer{next: db, id: "multi"},
		engine.New(engine.Config{}), notifier, func() float64 { return 0 })

	outcomes, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "bin", outcomes[0].ContractID)
	assert.InDelta(t, 70, outcomes[0].Injected, 1e-9)
	require.Len(t, notifier.drizzles, 1)

	snap, err := db.GetSnapshot(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, 0.5, snap.Contract.SubsidyPool)

	snap, err = db.GetSnapshot(ctx, "bin")
	require.NoError(t, err)
	assert.InDelta(t, 30, snap.Contract.SubsidyPool, 1e-9)
}
