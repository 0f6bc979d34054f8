package engine

import (
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
)

// recorder convierte los fills de una orden en bets, actualizaciones de
// órdenes en reposo y postings del ledger.
type recorder struct {
	e       *Engine
	snap    domain.Snapshot
	userID  string
	orderID string
	now     time.Time
	seq     int
	makers  map[string]domain.LimitBet
	touched []string
	resting *domain.LimitBet
	changes domain.Changes
}

func (e *Engine) newRecorder(snap domain.Snapshot, userID string, now time.Time) *recorder {
	return &recorder{
		e:       e,
		snap:    snap,
		userID:  userID,
		orderID: e.newID(),
		now:     now,
		makers:  make(map[string]domain.LimitBet),
	}
}

func (r *recorder) addExecution(ex execution, limit float64) {
	for _, leg := range ex.legs {
		for _, f := range leg.Result.Fills {
			r.addFill(leg, f, limit)
		}
	}
}

func (r *recorder) addFill(leg domain.AnswerLeg, f domain.Fill, limit float64) {
	c := r.snap.Contract
	taker := domain.Bet{
		ID:           r.e.newID(),
		OrderID:      r.orderID,
		Seq:          r.next(),
		ContractID:   c.ID,
		AnswerID:     leg.AnswerID,
		UserID:       r.userID,
		Outcome:      leg.Outcome,
		Amount:       f.Amount,
		Shares:       f.Shares,
		ProbBefore:   f.ProbBefore,
		ProbAfter:    f.ProbAfter,
		Fees:         f.Fees,
		MatchedBetID: f.MatchedBetID(),
		LimitProb:    limit,
		IsSale:       f.IsSale,
		IsRedemption: f.IsRedemption,
		CreatedAt:    r.now,
	}
	r.changes.Bets = append(r.changes.Bets, taker)
	r.post(taker.ID, r.userID, domain.PostingTakerDebit, -f.Amount)
	r.post(taker.ID, c.CreatorID, domain.PostingCreatorFee, f.Fees.CreatorFee)
	r.post(taker.ID, r.e.cfg.PlatformUserID, domain.PostingPlatformFee, f.Fees.PlatformFee)

	if f.Maker == nil {
		return
	}
	m := f.Maker
	maker := domain.Bet{
		ID:           r.e.newID(),
		OrderID:      m.BetID,
		Seq:          r.next(),
		ContractID:   c.ID,
		AnswerID:     leg.AnswerID,
		UserID:       m.UserID,
		Outcome:      m.Outcome,
		Amount:       m.Amount,
		Shares:       m.Shares,
		ProbBefore:   f.ProbBefore,
		ProbAfter:    f.ProbAfter,
		MatchedBetID: taker.ID,
		LimitProb:    m.LimitProb,
		CreatedAt:    r.now,
	}
	r.changes.Bets = append(r.changes.Bets, maker)
	r.post(maker.ID, m.UserID, domain.PostingMakerDebit, -m.Amount)

	lb, ok := r.maker(m.BetID)
	if !ok {
		return
	}
	lb.Amount += m.Amount
	lb.Shares += m.Shares
	lb.IsFilled = lb.Remaining() <= domain.Epsilon
	r.makers[lb.ID] = lb
}

// rest registra la orden del taker como LimitBet. Si quedó algo sin llenar
// sigue abierta al límite pedido.
func (r *recorder) rest(req BetRequest, ex execution) {
	filled := req.Amount - ex.remaining
	lb := domain.LimitBet{
		ID:          r.orderID,
		ContractID:  r.snap.Contract.ID,
		AnswerID:    req.AnswerID,
		UserID:      r.userID,
		Outcome:     req.Outcome,
		LimitProb:   req.LimitProb,
		OrderAmount: req.Amount,
		Amount:      filled,
		Shares:      ex.mainLeg().Result.Shares(),
		IsFilled:    ex.remaining <= domain.Epsilon,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   r.now,
	}
	r.changes.LimitBets = append(r.changes.LimitBets, lb)
	if !lb.IsFilled {
		r.resting = &lb
	}
}

func (r *recorder) cancelOrders(ids []string) {
	for _, id := range ids {
		lb, ok := r.maker(id)
		if !ok {
			continue
		}
		lb.IsCancelled = true
		r.makers[id] = lb
	}
}

// flushMakers encola las órdenes en reposo tocadas, en el orden en que se tocaron.
func (r *recorder) flushMakers() {
	for _, id := range r.touched {
		r.changes.LimitBets = append(r.changes.LimitBets, r.makers[id])
	}
}

// openBets es el estado de las órdenes después del trade.
func (r *recorder) openBets() []domain.LimitBet {
	out := make([]domain.LimitBet, 0, len(r.snap.LimitBets)+1)
	for _, b := range r.snap.LimitBets {
		if m, ok := r.makers[b.ID]; ok {
			b = m
		}
		out = append(out, b)
	}
	if r.resting != nil {
		out = append(out, *r.resting)
	}
	return out
}

func (r *recorder) maker(id string) (domain.LimitBet, bool) {
	if lb, ok := r.makers[id]; ok {
		return lb, true
	}
	for _, b := range r.snap.LimitBets {
		if b.ID == id {
			r.makers[id] = b
			r.touched = append(r.touched, id)
			return b, true
		}
	}
	return domain.LimitBet{}, false
}

func (r *recorder) post(betID, userID string, kind domain.PostingKind, amount float64) {
	d := domain.Money(amount)
	if d.IsZero() {
		return
	}
	r.changes.Postings = append(r.changes.Postings, domain.Posting{
		Key:    domain.PostingKey(betID, kind),
		UserID: userID,
		Kind:   kind,
		BetID:  betID,
		Amount: d,
	})
}

func (r *recorder) next() int {
	s := r.seq
	r.seq++
	return s
}
