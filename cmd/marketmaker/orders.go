package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/application/engine"
	"github.com/alejandrodnm/marketmaker/internal/application/trade"
	"github.com/alejandrodnm/marketmaker/internal/domain"
)

// cliOrder es una orden parseada de la línea de comandos.
type cliOrder struct {
	contractID string
	answerID   string
	outcome    domain.Outcome
	amount     float64 // monto en -bet, shares en -sell (0 = todo)
	limit      float64
}

// parseOrder parsea contract[/answer]:YES|NO[:amount[:limit]].
func parseOrder(s string, needAmount bool) (cliOrder, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return cliOrder{}, fmt.Errorf("invalid order %q", s)
	}
	var o cliOrder
	o.contractID, o.answerID, _ = strings.Cut(parts[0], "/")
	if o.contractID == "" {
		return cliOrder{}, fmt.Errorf("invalid order %q: empty contract", s)
	}
	o.outcome = domain.Outcome(strings.ToUpper(parts[1]))
	if !o.outcome.Valid() {
		return cliOrder{}, fmt.Errorf("invalid order %q: outcome must be YES or NO", s)
	}
	if len(parts) >= 3 {
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return cliOrder{}, fmt.Errorf("invalid order %q: amount: %w", s, err)
		}
		o.amount = v
	} else if needAmount {
		return cliOrder{}, fmt.Errorf("invalid order %q: missing amount", s)
	}
	if len(parts) == 4 {
		v, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return cliOrder{}, fmt.Errorf("invalid order %q: limit: %w", s, err)
		}
		o.limit = v
	}
	return o, nil
}

func runBet(ctx context.Context, svc *trade.Service, user, arg string) error {
	o, err := parseOrder(arg, true)
	if err != nil {
		return err
	}
	_, err = svc.PlaceBet(ctx, engine.BetRequest{
		ContractID: o.contractID,
		AnswerID:   o.answerID,
		UserID:     user,
		Outcome:    o.outcome,
		Amount:     o.amount,
		LimitProb:  o.limit,
	})
	return err
}

func runSell(ctx context.Context, svc *trade.Service, user, arg string) error {
	o, err := parseOrder(arg, false)
	if err != nil {
		return err
	}
	_, err = svc.Sell(ctx, engine.SellRequest{
		ContractID: o.contractID,
		AnswerID:   o.answerID,
		UserID:     user,
		Outcome:    o.outcome,
		Shares:     o.amount,
	})
	return err
}

func runCancel(ctx context.Context, svc *trade.Service, user, arg string) error {
	contractID, betID, ok := strings.Cut(arg, ":")
	if !ok || contractID == "" || betID == "" {
		return fmt.Errorf("invalid cancel %q: want contract:bet_id", arg)
	}
	_, err := svc.CancelLimitOrder(ctx, contractID, user, betID)
	return err
}

func printBalance(ctx context.Context, st store, user string) error {
	b, err := st.Balance(ctx, user)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", user, b.StringFixed(8))
	return nil
}

// demoUsers reciben saldo inicial con -seed.
var demoUsers = []string{"alice", "bob", "carol"}

// runSeed crea contratos de demo. Es idempotente: los contratos existentes se
// dejan como están y los depósitos usan claves fijas.
func runSeed(ctx context.Context, st store) error {
	now := time.Now().UTC()
	even := domain.Pool{YES: 100, NO: 100, P: 0.5}

	contracts := []struct {
		c       domain.Contract
		answers []domain.Answer
	}{
		{c: domain.Contract{
			ID: "demo-binary", Question: "Will it rain in Madrid tomorrow?", CreatorID: "house",
			Mechanism: domain.MechanismCPMM, Pool: even, TotalLiquidity: 100, SubsidyPool: 50,
			CreatedAt: now,
		}},
		{c: domain.Contract{
			ID: "demo-election", Question: "Who wins the election?", CreatorID: "house",
			Mechanism: domain.MechanismCPMMMulti, ShouldAnswersSumToOne: true, TotalLiquidity: 300,
			SubsidyPool: 30, CreatedAt: now,
		}, answers: sumToOneAnswers("demo-election", "Ana", "Bruno", "Carla")},
		{c: domain.Contract{
			ID: "demo-tags", Question: "Which features ship this quarter?", CreatorID: "house",
			Mechanism: domain.MechanismCPMMMulti, TotalLiquidity: 200, CreatedAt: now,
		}, answers: []domain.Answer{
			{ID: "demo-tags-0", ContractID: "demo-tags", Index: 0, Text: "Search", Pool: even, TotalLiquidity: 100, SubsidyPool: 5},
			{ID: "demo-tags-1", ContractID: "demo-tags", Index: 1, Text: "Export", Pool: even, TotalLiquidity: 100},
		}},
	}

	for _, s := range contracts {
		_, err := st.GetSnapshot(ctx, s.c.ID)
		if err == nil {
			slog.Info("contract already seeded", "contract_id", s.c.ID)
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := st.CreateContract(ctx, s.c, s.answers); err != nil {
			return err
		}
		slog.Info("contract seeded", "contract_id", s.c.ID, "kind", s.c.Kind(), "answers", len(s.answers))
	}

	postings := make([]domain.Posting, 0, len(demoUsers))
	for _, u := range demoUsers {
		postings = append(postings, domain.Posting{
			Key:    "seed:deposit:" + u,
			UserID: u,
			Kind:   domain.PostingDeposit,
			Amount: domain.Money(1000),
		})
	}
	n, err := st.Post(ctx, postings)
	if err != nil {
		return err
	}
	slog.Info("demo users funded", "users", len(demoUsers), "new_deposits", n)
	return nil
}

// sumToOneAnswers reparte la probabilidad en partes iguales con pools de
// liquidez 100.
func sumToOneAnswers(contractID string, texts ...string) []domain.Answer {
	p := 1 / float64(len(texts))
	pool := domain.Pool{YES: 100 * math.Sqrt((1-p)/p), NO: 100 * math.Sqrt(p/(1-p)), P: 0.5}
	out := make([]domain.Answer, len(texts))
	for i, t := range texts {
		out[i] = domain.Answer{
			ID:             fmt.Sprintf("%s-%d", contractID, i),
			ContractID:     contractID,
			Index:          i,
			Text:           t,
			Pool:           pool,
			TotalLiquidity: 100,
		}
	}
	return out
}
