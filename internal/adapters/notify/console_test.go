package notify_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/marketmaker/internal/adapters/notify"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeReport() domain.TradeReport {
	return domain.TradeReport{
		ContractID: "c1",
		Question:   "Will it rain tomorrow?",
		Kind:       domain.KindBinary,
		UserID:     "u1",
		OrderID:    "o1",
		Outcome:    domain.OutcomeYes,
		Bets: []domain.Bet{
			{ID: "b1", OrderID: "o1", UserID: "u1", Outcome: domain.OutcomeYes, Amount: 12.5, Shares: 20, ProbBefore: 0.5, ProbAfter: 0.55},
			{ID: "b2", OrderID: "o1", UserID: "u1", Outcome: domain.OutcomeYes, Amount: 6, Shares: 10, ProbBefore: 0.55, ProbAfter: 0.6, MatchedBetID: "maker-1"},
			{ID: "b3", OrderID: "maker-1", UserID: "u2", Outcome: domain.OutcomeNo, Amount: 4, Shares: 10},
		},
		Resting:    &domain.LimitBet{ID: "o1", LimitProb: 0.6, OrderAmount: 30, Amount: 18.5},
		ProbBefore: 0.5,
		ProbAfter:  0.6,
		Fees:       domain.Fees{CreatorFee: 0.1, PlatformFee: 0.1},
	}
}

func TestConsole_NotifyTrade_Compact(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	require.NoError(t, n.NotifyTrade(context.Background(), makeReport()))

	out := buf.String()
	assert.Contains(t, out, "BUY YES")
	assert.Contains(t, out, "$18.50")
	assert.Contains(t, out, "30.00 sh")
	assert.Contains(t, out, "resting $11.50@0.60")
	assert.Contains(t, out, "fees $0.2000")
}

func TestConsole_NotifyTrade_Table(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	require.NoError(t, n.NotifyTrade(context.Background(), makeReport()))

	out := buf.String()
	assert.Contains(t, out, "Will it rain tomorrow?")
	assert.Contains(t, out, "maker-1")
	assert.Contains(t, out, "curve")
	assert.Contains(t, out, "prob: 0.5000 → 0.6000")
	assert.Contains(t, out, "resting: o1")
	assert.NotContains(t, out, "book:")
}

func TestConsole_NotifyTrade_TableBook(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	r := makeReport()
	r.Question = "Will the central bank cut rates before the end of the year?"
	r.Book = domain.OrderBook{
		Bids: []domain.BookEntry{{Price: 0.58, Size: 10}, {Price: 0.4, Size: 5}},
		Asks: []domain.BookEntry{{Price: 0.62, Size: 7}},
	}
	require.NoError(t, n.NotifyTrade(context.Background(), r))

	out := buf.String()
	assert.Contains(t, out, "Will the central bank cut rates bef...")
	assert.Contains(t, out, "bid 0.5800  ask 0.6200  mid 0.6000  spread 0.0400")
	assert.Contains(t, out, "depth±0.05 $17.00")
}

func TestConsole_NotifyDrizzle(t *testing.T) {
	outcomes := []domain.DrizzleOutcome{
		{ContractID: "c1", Kind: domain.KindBinary, Injected: 70, SubsidyBefore: 100, SubsidyAfter: 30, ProbBefore: 0.75, ProbAfter: 0.75},
		{ContractID: "m1", AnswerID: "a1", Kind: domain.KindMultiIndependent, Injected: 0.5, SubsidyBefore: 0.5, Drained: true},
		{ContractID: "m2", Kind: domain.KindMultiSumToOne, SubsidyBefore: 10, SubsidyAfter: 10, Err: errors.New("no active answers")},
	}

	var compact bytes.Buffer
	require.NoError(t, notify.NewConsoleWriter(&compact, false).NotifyDrizzle(context.Background(), outcomes))
	assert.Contains(t, compact.String(), "drizzle 3 pools")
	assert.Contains(t, compact.String(), "+70.5000")
	assert.Contains(t, compact.String(), "drained:1 failed:1")

	var table bytes.Buffer
	require.NoError(t, notify.NewConsoleWriter(&table, true).NotifyDrizzle(context.Background(), outcomes))
	assert.Contains(t, table.String(), "drained")
	assert.Contains(t, table.String(), "no active answers")
	assert.Contains(t, table.String(), "100.0000→30.0000")
}

func TestConsole_NotifyDrizzle_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, notify.NewConsoleWriter(&buf, false).NotifyDrizzle(context.Background(), nil))
	assert.Contains(t, buf.String(), "no subsidy to drizzle")
}
