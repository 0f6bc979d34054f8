package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/application/engine"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
	now   func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table, now: time.Now}
}

// NotifyTrade imprime una orden ejecutada.
func (c *Console) NotifyTrade(_ context.Context, r domain.TradeReport) error {
	if c.table {
		c.printTrade(r)
	} else {
		c.printTradeCompact(r)
	}
	return nil
}

// NotifyDrizzle imprime el resultado de un ciclo de subsidio.
func (c *Console) NotifyDrizzle(_ context.Context, outcomes []domain.DrizzleOutcome) error {
	if len(outcomes) == 0 {
		fmt.Fprintf(c.out, "[%s] no subsidy to drizzle\n", c.stamp())
		return nil
	}
	if !c.table {
		injected, drained, failed := drizzleTotals(outcomes)
		fmt.Fprintf(c.out, "[%s] drizzle %d pools → +%.4f | drained:%d failed:%d\n",
			c.stamp(), len(outcomes), injected, drained, failed)
		return nil
	}

	fmt.Fprintf(c.out, "\n[%s] drizzle: %d pools\n", c.stamp(), len(outcomes))
	table := tablewriter.NewWriter(c.out)
	table.Header("Contract", "Answer", "Kind", "Injected", "Subsidy", "Prob", "Status")
	for _, o := range outcomes {
		answer := o.AnswerID
		if answer == "" {
			answer = "-"
		}
		status := "ok"
		switch {
		case o.Err != nil:
			status = "ERR " + engine.TruncateStr(o.Err.Error(), 30)
		case o.Drained:
			status = "drained"
		}
		prob := "-"
		if o.ProbBefore > 0 {
			prob = fmt.Sprintf("%.4f→%.4f", o.ProbBefore, o.ProbAfter)
		}
		table.Append(
			engine.TruncateStr(o.ContractID, 14),
			engine.TruncateStr(answer, 14),
			o.Kind.String(),
			fmt.Sprintf("%.4f", o.Injected),
			fmt.Sprintf("%.4f→%.4f", o.SubsidyBefore, o.SubsidyAfter),
			prob,
			status,
		)
	}
	table.Render()
	return nil
}

// printTradeCompact imprime lo esencial en una línea.
func (c *Console) printTradeCompact(r domain.TradeReport) {
	var sb strings.Builder
	side := "BUY"
	if r.IsSale {
		side = "SELL"
	}
	amount, shares := takerTotals(r)
	fmt.Fprintf(&sb, "[%s] %s %s %s", c.stamp(), side, r.Outcome, compactName(tradeLabel(r), 30))
	fmt.Fprintf(&sb, " | $%.2f → %.2f sh | p %.4f→%.4f", amount, shares, r.ProbBefore, r.ProbAfter)
	if fees := r.Fees.Total(); fees > 0 {
		fmt.Fprintf(&sb, " | fees $%.4f", fees)
	}
	if r.Resting != nil {
		fmt.Fprintf(&sb, " | resting $%.2f@%.2f", r.Resting.Remaining(), r.Resting.LimitProb)
	}
	fmt.Fprintln(c.out, sb.String())
}

// printTrade imprime los fills de la orden y el libro resultante.
func (c *Console) printTrade(r domain.TradeReport) {
	side := "BUY"
	if r.IsSale {
		side = "SELL"
	}
	fmt.Fprintf(c.out, "\n[%s] %s %s | %s (%s)\n", c.stamp(), side, r.Outcome, tradeLabel(r), r.Kind)

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Bet", "User", "Answer", "Side", "Amount", "Shares", "Prob", "Fees", "Vs")
	for i, b := range r.Bets {
		vs := "curve"
		if b.MatchedBetID != "" {
			vs = engine.TruncateStr(b.MatchedBetID, 10)
		}
		if b.IsRedemption {
			vs = "redeem"
		}
		answer := b.AnswerID
		if answer == "" {
			answer = "-"
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			engine.TruncateStr(b.ID, 10),
			engine.TruncateStr(b.UserID, 10),
			engine.TruncateStr(answer, 10),
			string(b.Outcome),
			fmt.Sprintf("%.4f", b.Amount),
			fmt.Sprintf("%.4f", b.Shares),
			fmt.Sprintf("%.4f→%.4f", b.ProbBefore, b.ProbAfter),
			fmt.Sprintf("%.4f", b.Fees.Total()),
			vs,
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  prob: %.4f → %.4f\n", r.ProbBefore, r.ProbAfter)
	fmt.Fprintf(c.out, "  fees: creator $%.4f  platform $%.4f  liquidity $%.4f\n",
		r.Fees.CreatorFee, r.Fees.PlatformFee, r.Fees.LiquidityFee)
	if r.Resting != nil {
		fmt.Fprintf(c.out, "  resting: %s $%.4f of $%.4f @ %.4f (queue ahead $%.2f)\n",
			r.Resting.ID, r.Resting.Remaining(), r.Resting.OrderAmount, r.Resting.LimitProb, r.QueueAhead)
	}
	if len(r.Cancelled) > 0 {
		fmt.Fprintf(c.out, "  cancelled: %s\n", strings.Join(r.Cancelled, ", "))
	}
	if len(r.Book.Bids) > 0 || len(r.Book.Asks) > 0 {
		fmt.Fprintf(c.out, "  book: bid %.4f  ask %.4f  mid %.4f  spread %.4f  depth±%.2f $%.2f\n",
			r.Book.BestBid(), r.Book.BestAsk(), r.Book.Midpoint(), r.Book.Spread(),
			bookDepthSpread, r.Book.DepthWithin(r.ProbAfter, bookDepthSpread))
	}
	fmt.Fprintln(c.out)
}

// --- helpers ---

// bookDepthSpread es la distancia a la prob actual con la que se mide la
// profundidad del libro.
const bookDepthSpread = 0.05

func (c *Console) stamp() string {
	return c.now().Format("15:04:05")
}

func tradeLabel(r domain.TradeReport) string {
	if r.Question != "" {
		return engine.TruncateStr(r.Question, 38)
	}
	return r.ContractID
}

func takerTotals(r domain.TradeReport) (amount, shares float64) {
	for _, b := range r.TakerBets() {
		if b.IsRedemption {
			continue
		}
		if b.AnswerID != r.AnswerID {
			continue
		}
		amount += b.Amount
		shares += b.Shares
	}
	return amount, shares
}

func drizzleTotals(outcomes []domain.DrizzleOutcome) (injected float64, drained, failed int) {
	for _, o := range outcomes {
		injected += o.Injected
		if o.Drained {
			drained++
		}
		if o.Err != nil {
			failed++
		}
	}
	return
}

func compactName(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
