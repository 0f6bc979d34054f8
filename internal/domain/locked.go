package domain

import (
	"context"
	"errors"
)

// Snapshot es el estado de un contrato leído con el lock tomado.
type Snapshot struct {
	Contract  Contract
	Answers   []Answer
	LimitBets []LimitBet         // órdenes abiertas del contrato
	Balances  map[string]float64 // saldo de los dueños de esas órdenes
}

// RestingFor devuelve las órdenes abiertas de una respuesta ("" para binarios).
func (s Snapshot) RestingFor(answerID string) []LimitBet {
	var out []LimitBet
	for _, b := range s.LimitBets {
		if b.AnswerID == answerID {
			out = append(out, b)
		}
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Answers = append([]Answer(nil), s.Answers...)
	out.LimitBets = append([]LimitBet(nil), s.LimitBets...)
	out.Balances = copyBalances(s.Balances)
	return out
}

// SoldPosition marca las bets de un usuario sobre un lado como vendidas.
type SoldPosition struct {
	UserID   string
	AnswerID string
	Outcome  Outcome
}

// Changes son las escrituras de una transacción. El adapter las aplica
// todas juntas al commit.
type Changes struct {
	Contract  *Contract
	Answers   []Answer
	Bets      []Bet
	LimitBets []LimitBet // upsert por id
	Sold      []SoldPosition
	Postings  []Posting
}

// Merge acumula o en c. El último Contract gana.
func (c *Changes) Merge(o Changes) {
	if o.Contract != nil {
		c.Contract = o.Contract
	}
	c.Answers = append(c.Answers, o.Answers...)
	c.Bets = append(c.Bets, o.Bets...)
	c.LimitBets = append(c.LimitBets, o.LimitBets...)
	c.Sold = append(c.Sold, o.Sold...)
	c.Postings = append(c.Postings, o.Postings...)
}

// Empty reporta si no hay nada que escribir.
func (c Changes) Empty() bool {
	return c.Contract == nil && len(c.Answers) == 0 && len(c.Bets) == 0 &&
		len(c.LimitBets) == 0 && len(c.Sold) == 0 && len(c.Postings) == 0
}

// ContractTx es la vista transaccional que entrega un adapter mientras
// tiene el lock exclusivo del contrato.
type ContractTx interface {
	Snapshot() Snapshot
	Balance(userID string) (float64, error)
	Position(userID, answerID string, outcome Outcome) (float64, error)
	HasBet(userID string) (bool, error)
	Stage(Changes)
}

// RowLocker toma el lock exclusivo de un contrato y corre fn dentro de la
// transacción. Si fn devuelve error no se escribe nada.
type RowLocker interface {
	LockContract(ctx context.Context, contractID string, fn func(ContractTx) error) error
}

// ErrLockReleased se devuelve al usar un Locked fuera de su transacción.
var ErrLockReleased = errors.New("contract lock already released")

// Locked es la capacidad de operar sobre un contrato. Sólo se obtiene con
// WithLockedContract y deja de servir cuando el lock se libera, así que las
// operaciones de pricing que la reciben nunca corren sin el lock.
type Locked struct {
	tx       ContractTx
	snap     Snapshot
	released bool
}

// WithLockedContract toma el lock del contrato y le pasa a fn el handle.
func WithLockedContract(ctx context.Context, locker RowLocker, contractID string, fn func(*Locked) error) error {
	return locker.LockContract(ctx, contractID, func(tx ContractTx) error {
		l := &Locked{tx: tx, snap: tx.Snapshot()}
		defer func() { l.released = true }()
		return fn(l)
	})
}

// Snapshot devuelve una copia del estado leído bajo lock.
func (l *Locked) Snapshot() Snapshot {
	return l.snap.clone()
}

// Balance devuelve el saldo de un usuario dentro de la transacción.
func (l *Locked) Balance(userID string) (float64, error) {
	if l.released {
		return 0, ErrLockReleased
	}
	return l.tx.Balance(userID)
}

// Position devuelve las shares netas de un usuario sobre un lado.
func (l *Locked) Position(userID, answerID string, outcome Outcome) (float64, error) {
	if l.released {
		return 0, ErrLockReleased
	}
	return l.tx.Position(userID, answerID, outcome)
}

// HasBet reporta si el usuario ya apostó en el contrato.
func (l *Locked) HasBet(userID string) (bool, error) {
	if l.released {
		return false, ErrLockReleased
	}
	return l.tx.HasBet(userID)
}

// Stage encola escrituras para el commit.
func (l *Locked) Stage(c Changes) error {
	if l.released {
		return ErrLockReleased
	}
	l.tx.Stage(c)
	return nil
}
