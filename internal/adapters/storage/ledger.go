package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/shopspring/decimal"
)

// Post aplica postings fuera de un trade (depósitos, ajustes). Los postings
// de un trade viajan en Changes y se aplican dentro de LockContract.
func (s *SQLiteStorage) Post(ctx context.Context, postings []domain.Posting) (int, error) {
	if len(postings) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.Post: begin tx: %w", transient(err))
	}
	defer tx.Rollback()

	n, err := applyPostings(ctx, tx, postings, s.now())
	if err != nil {
		return 0, fmt.Errorf("storage.Post: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage.Post: commit: %w", transient(err))
	}
	return n, nil
}

// Balance devuelve el saldo de un usuario (cero si nunca tuvo movimientos).
func (s *SQLiteStorage) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := balanceOf(ctx, s.db, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.Balance: %w", err)
	}
	return b, nil
}

// applyPostings inserta cada posting una sola vez por clave y mueve el saldo
// sólo cuando la fila es nueva.
func applyPostings(ctx context.Context, q queryer, postings []domain.Posting, now time.Time) (int, error) {
	applied := 0
	for _, p := range postings {
		res, err := q.ExecContext(ctx, `
			INSERT INTO ledger_entries (idempotency_key, user_id, kind, bet_id, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING`,
			p.Key, p.UserID, string(p.Kind), p.BetID, p.Amount.String(), formatTime(now),
		)
		if err != nil {
			return applied, fmt.Errorf("insert posting %s: %w", p.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return applied, fmt.Errorf("posting %s rows affected: %w", p.Key, err)
		}
		if n == 0 {
			continue
		}

		current, err := balanceOf(ctx, q, p.UserID)
		if err != nil {
			return applied, err
		}
		next := current.Add(p.Amount)
		if _, err := q.ExecContext(ctx, `
			INSERT INTO balances (user_id, balance) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance`,
			p.UserID, next.String(),
		); err != nil {
			return applied, fmt.Errorf("update balance %s: %w", p.UserID, err)
		}
		applied++
	}
	return applied, nil
}
