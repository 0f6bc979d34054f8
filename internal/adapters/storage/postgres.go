package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pgQueryer lo cumplen *pgxpool.Pool y pgx.Tx.
type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PostgresStorage implementa ports.ContractStore y ports.Ledger sobre
// PostgreSQL. El lock del contrato es SELECT ... FOR UPDATE sobre su fila,
// así que varios procesos pueden compartir la base.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage abre el pool, verifica la conexión y aplica las migraciones.
func NewPostgresStorage(ctx context.Context, dsn string, maxConns int) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStorage: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStorage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage.NewPostgresStorage: ping: %w", err)
	}
	s := &PostgresStorage{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate aplica en orden los .sql embebidos que todavía no corrieron.
func (s *PostgresStorage) migrate(ctx context.Context) error {
	const tracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := s.pool.Exec(ctx, tracker); err != nil {
		return fmt.Errorf("storage.migrate: create tracker: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage.migrate: read dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("storage.migrate: check %s: %w", name, err)
		}
		if applied {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("storage.migrate: read %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("storage.migrate: apply %s: %w", name, err)
		}
	}
	return nil
}

// CreateContract inserta el contrato y sus respuestas en una transacción.
func (s *PostgresStorage) CreateContract(ctx context.Context, c domain.Contract, answers []domain.Answer) error {
	var closeTime *time.Time
	if !c.CloseTime.IsZero() {
		closeTime = &c.CloseTime
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO contracts
				(id, question, creator_id, mechanism, sum_to_one, pool_yes, pool_no, p,
				 subsidy_pool, total_liquidity, unique_bettors, close_time, resolved, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			c.ID, c.Question, c.CreatorID, string(c.Mechanism), c.ShouldAnswersSumToOne,
			c.Pool.YES, c.Pool.NO, c.Pool.P, c.SubsidyPool, c.TotalLiquidity,
			c.UniqueBettorCount, closeTime, c.IsResolved, created,
		); err != nil {
			return fmt.Errorf("insert contract %s: %w", c.ID, err)
		}
		for _, a := range answers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO answers
					(id, contract_id, idx, text, pool_yes, pool_no, subsidy_pool, total_liquidity, resolved)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				a.ID, c.ID, a.Index, a.Text, a.Pool.YES, a.Pool.NO, a.SubsidyPool, a.TotalLiquidity, a.IsResolved,
			); err != nil {
				return fmt.Errorf("insert answer %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.CreateContract: %w", pgTransient(err))
	}
	return nil
}

// GetSnapshot lee el estado actual del contrato sin lock.
func (s *PostgresStorage) GetSnapshot(ctx context.Context, contractID string) (domain.Snapshot, error) {
	snap, err := pgLoadSnapshot(ctx, s.pool, contractID, false)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("storage.GetSnapshot: %w", err)
	}
	return snap, nil
}

// LockContract bloquea la fila del contrato, corre fn y aplica lo encolado
// en la misma transacción.
func (s *PostgresStorage) LockContract(ctx context.Context, contractID string, fn func(domain.ContractTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage.LockContract: begin %s: %w", contractID, pgTransient(err))
	}
	defer tx.Rollback(context.Background())

	snap, err := pgLoadSnapshot(ctx, tx, contractID, true)
	if err != nil {
		return fmt.Errorf("storage.LockContract: %w", err)
	}
	view := &pgTx{ctx: ctx, q: tx, snap: snap}
	if err := fn(view); err != nil {
		return err
	}
	if err := pgApplyChanges(ctx, tx, contractID, view.changes); err != nil {
		return fmt.Errorf("storage.LockContract: apply %s: %w", contractID, pgTransient(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage.LockContract: commit %s: %w", contractID, pgTransient(err))
	}
	return nil
}

// ContractsWithSubsidy devuelve los contratos no resueltos con subsidio pendiente.
func (s *PostgresStorage) ContractsWithSubsidy(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT c.id
		FROM contracts c
		LEFT JOIN answers a ON a.contract_id = c.id AND NOT a.resolved
		WHERE NOT c.resolved AND (c.subsidy_pool > $1 OR a.subsidy_pool > $1)
		ORDER BY c.id`, domain.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("storage.ContractsWithSubsidy: query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage.ContractsWithSubsidy: scan: %w", err)
	}
	return ids, nil
}

// ContractsWithExpiredOrders devuelve los contratos con órdenes abiertas vencidas.
func (s *PostgresStorage) ContractsWithExpiredOrders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT contract_id
		FROM limit_bets
		WHERE NOT is_filled AND NOT is_cancelled
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY contract_id`, now)
	if err != nil {
		return nil, fmt.Errorf("storage.ContractsWithExpiredOrders: query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage.ContractsWithExpiredOrders: scan: %w", err)
	}
	return ids, nil
}

// Post aplica postings fuera de un trade.
func (s *PostgresStorage) Post(ctx context.Context, postings []domain.Posting) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		n, err = pgApplyPostings(ctx, tx, postings)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage.Post: %w", pgTransient(err))
	}
	return n, nil
}

// Balance devuelve el saldo de un usuario.
func (s *PostgresStorage) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := pgBalanceOf(ctx, s.pool, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.Balance: %w", err)
	}
	return b, nil
}

// Close cierra el pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	ctx     context.Context
	q       pgQueryer
	snap    domain.Snapshot
	changes domain.Changes
}

func (t *pgTx) Snapshot() domain.Snapshot { return t.snap }

func (t *pgTx) Stage(c domain.Changes) { t.changes.Merge(c) }

func (t *pgTx) Balance(userID string) (float64, error) {
	b, err := pgBalanceOf(t.ctx, t.q, userID)
	if err != nil {
		return 0, err
	}
	return b.InexactFloat64(), nil
}

func (t *pgTx) Position(userID, answerID string, outcome domain.Outcome) (float64, error) {
	var shares float64
	err := t.q.QueryRow(t.ctx, `
		SELECT COALESCE(SUM(shares), 0) FROM bets
		WHERE contract_id = $1 AND user_id = $2 AND answer_id = $3 AND outcome = $4`,
		t.snap.Contract.ID, userID, answerID, string(outcome),
	).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("storage.Position: %w", err)
	}
	return shares, nil
}

func (t *pgTx) HasBet(userID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(t.ctx,
		`SELECT EXISTS(SELECT 1 FROM bets WHERE contract_id = $1 AND user_id = $2)`,
		t.snap.Contract.ID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage.HasBet: %w", err)
	}
	return exists, nil
}

func pgLoadSnapshot(ctx context.Context, q pgQueryer, contractID string, forUpdate bool) (domain.Snapshot, error) {
	var snap domain.Snapshot
	c := &snap.Contract
	var mechanism string
	var closeTime *time.Time

	query := `
		SELECT id, question, creator_id, mechanism, sum_to_one, pool_yes, pool_no, p,
		       subsidy_pool, total_liquidity, creator_fee, platform_fee, liquidity_fee,
		       unique_bettors, close_time, resolved, created_at
		FROM contracts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	err := q.QueryRow(ctx, query, contractID).Scan(
		&c.ID, &c.Question, &c.CreatorID, &mechanism, &c.ShouldAnswersSumToOne,
		&c.Pool.YES, &c.Pool.NO, &c.Pool.P, &c.SubsidyPool, &c.TotalLiquidity,
		&c.CollectedFees.CreatorFee, &c.CollectedFees.PlatformFee, &c.CollectedFees.LiquidityFee,
		&c.UniqueBettorCount, &closeTime, &c.IsResolved, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, fmt.Errorf("contract %s: %w", contractID, domain.ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("load contract %s: %w", contractID, pgTransient(err))
	}
	c.Mechanism = domain.Mechanism(mechanism)
	if closeTime != nil {
		c.CloseTime = *closeTime
	}

	rows, err := q.Query(ctx, `
		SELECT id, idx, text, pool_yes, pool_no, subsidy_pool, total_liquidity, resolved
		FROM answers WHERE contract_id = $1 ORDER BY idx`, contractID)
	if err != nil {
		return snap, fmt.Errorf("load answers %s: %w", contractID, err)
	}
	snap.Answers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Answer, error) {
		a := domain.Answer{ContractID: contractID, Pool: domain.Pool{P: 0.5}}
		err := row.Scan(&a.ID, &a.Index, &a.Text, &a.Pool.YES, &a.Pool.NO, &a.SubsidyPool, &a.TotalLiquidity, &a.IsResolved)
		return a, err
	})
	if err != nil {
		return snap, fmt.Errorf("scan answers %s: %w", contractID, err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, answer_id, user_id, outcome, limit_prob, order_amount, amount, shares,
		       expires_at, created_at
		FROM limit_bets
		WHERE contract_id = $1 AND NOT is_filled AND NOT is_cancelled
		ORDER BY created_at, id`, contractID)
	if err != nil {
		return snap, fmt.Errorf("load limit bets %s: %w", contractID, err)
	}
	snap.LimitBets, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LimitBet, error) {
		b := domain.LimitBet{ContractID: contractID}
		var outcome string
		err := row.Scan(&b.ID, &b.AnswerID, &b.UserID, &outcome, &b.LimitProb, &b.OrderAmount,
			&b.Amount, &b.Shares, &b.ExpiresAt, &b.CreatedAt)
		b.Outcome = domain.Outcome(outcome)
		return b, err
	})
	if err != nil {
		return snap, fmt.Errorf("scan limit bets %s: %w", contractID, err)
	}

	snap.Balances = make(map[string]float64)
	for _, b := range snap.LimitBets {
		if _, ok := snap.Balances[b.UserID]; ok {
			continue
		}
		bal, err := pgBalanceOf(ctx, q, b.UserID)
		if err != nil {
			return snap, err
		}
		snap.Balances[b.UserID] = bal.InexactFloat64()
	}
	return snap, nil
}

func pgApplyChanges(ctx context.Context, q pgQueryer, contractID string, c domain.Changes) error {
	if c.Contract != nil {
		k := c.Contract
		if _, err := q.Exec(ctx, `
			UPDATE contracts SET
				pool_yes = $1, pool_no = $2, p = $3, subsidy_pool = $4, total_liquidity = $5,
				creator_fee = $6, platform_fee = $7, liquidity_fee = $8, unique_bettors = $9
			WHERE id = $10`,
			k.Pool.YES, k.Pool.NO, k.Pool.P, k.SubsidyPool, k.TotalLiquidity,
			k.CollectedFees.CreatorFee, k.CollectedFees.PlatformFee, k.CollectedFees.LiquidityFee,
			k.UniqueBettorCount, contractID,
		); err != nil {
			return fmt.Errorf("update contract: %w", err)
		}
	}
	for _, a := range c.Answers {
		if _, err := q.Exec(ctx, `
			UPDATE answers SET pool_yes = $1, pool_no = $2, subsidy_pool = $3, total_liquidity = $4
			WHERE id = $5 AND contract_id = $6`,
			a.Pool.YES, a.Pool.NO, a.SubsidyPool, a.TotalLiquidity, a.ID, contractID,
		); err != nil {
			return fmt.Errorf("update answer %s: %w", a.ID, err)
		}
	}
	for _, b := range c.LimitBets {
		if _, err := q.Exec(ctx, `
			INSERT INTO limit_bets
				(id, contract_id, answer_id, user_id, outcome, limit_prob, order_amount,
				 amount, shares, is_filled, is_cancelled, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				amount       = EXCLUDED.amount,
				shares       = EXCLUDED.shares,
				is_filled    = EXCLUDED.is_filled,
				is_cancelled = EXCLUDED.is_cancelled`,
			b.ID, contractID, b.AnswerID, b.UserID, string(b.Outcome), b.LimitProb, b.OrderAmount,
			b.Amount, b.Shares, b.IsFilled, b.IsCancelled, b.ExpiresAt, b.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert limit bet %s: %w", b.ID, err)
		}
	}
	if len(c.Bets) > 0 {
		rows := make([][]any, len(c.Bets))
		for i, b := range c.Bets {
			rows[i] = []any{
				b.ID, b.OrderID, b.Seq, contractID, b.AnswerID, b.UserID, string(b.Outcome), b.Amount, b.Shares,
				b.ProbBefore, b.ProbAfter, b.Fees.CreatorFee, b.Fees.PlatformFee, b.Fees.LiquidityFee,
				b.MatchedBetID, b.LimitProb, b.IsSale, b.IsRedemption, b.IsSold, b.CreatedAt,
			}
		}
		if _, err := q.CopyFrom(ctx, pgx.Identifier{"bets"}, []string{
			"id", "order_id", "seq", "contract_id", "answer_id", "user_id", "outcome", "amount", "shares",
			"prob_before", "prob_after", "creator_fee", "platform_fee", "liquidity_fee",
			"matched_bet_id", "limit_prob", "is_sale", "is_redemption", "is_sold", "created_at",
		}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy bets: %w", err)
		}
	}
	for _, p := range c.Sold {
		if _, err := q.Exec(ctx, `
			UPDATE bets SET is_sold = TRUE
			WHERE contract_id = $1 AND user_id = $2 AND answer_id = $3 AND outcome = $4 AND NOT is_sale`,
			contractID, p.UserID, p.AnswerID, string(p.Outcome),
		); err != nil {
			return fmt.Errorf("mark sold: %w", err)
		}
	}
	if _, err := pgApplyPostings(ctx, q, c.Postings); err != nil {
		return err
	}
	return nil
}

func pgApplyPostings(ctx context.Context, q pgQueryer, postings []domain.Posting) (int, error) {
	applied := 0
	for _, p := range postings {
		tag, err := q.Exec(ctx, `
			INSERT INTO ledger_entries (idempotency_key, user_id, kind, bet_id, amount)
			VALUES ($1, $2, $3, $4, $5::numeric)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			p.Key, p.UserID, string(p.Kind), p.BetID, p.Amount.String(),
		)
		if err != nil {
			return applied, fmt.Errorf("insert posting %s: %w", p.Key, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO balances (user_id, balance) VALUES ($1, $2::numeric)
			ON CONFLICT (user_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance`,
			p.UserID, p.Amount.String(),
		); err != nil {
			return applied, fmt.Errorf("update balance %s: %w", p.UserID, err)
		}
		applied++
	}
	return applied, nil
}

func pgBalanceOf(ctx context.Context, q pgQueryer, userID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRow(ctx, `SELECT balance::text FROM balances WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", userID, err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: parse %q: %w", userID, raw, err)
	}
	return d, nil
}

// pgTransient marca como reintentables serialization_failure, deadlock y lock_not_available.
func pgTransient(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
	}
	return err
}
