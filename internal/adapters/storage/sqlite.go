package storage

// sqlite.go: store local de contratos, órdenes y ledger.
//
// Estrategia:
//   - Una sola conexión (SQLite es single-writer). LockContract toma esa
//     conexión y abre BEGIN IMMEDIATE: mientras dura, ningún otro trade ni
//     drizzle puede escribir, que es el lock exclusivo por contrato.
//   - Las escrituras que el motor encola con Stage se aplican todas al
//     COMMIT, junto con los postings del ledger, o no se aplica ninguna.
//   - Los saldos se guardan como TEXT decimal para no perder centavos.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
    id              TEXT PRIMARY KEY,
    question        TEXT    NOT NULL DEFAULT '',
    creator_id      TEXT    NOT NULL,
    mechanism       TEXT    NOT NULL,
    sum_to_one      INTEGER NOT NULL DEFAULT 0,
    pool_yes        REAL    NOT NULL DEFAULT 0,
    pool_no         REAL    NOT NULL DEFAULT 0,
    p               REAL    NOT NULL DEFAULT 0.5,
    subsidy_pool    REAL    NOT NULL DEFAULT 0,
    total_liquidity REAL    NOT NULL DEFAULT 0,
    creator_fee     REAL    NOT NULL DEFAULT 0,
    platform_fee    REAL    NOT NULL DEFAULT 0,
    liquidity_fee   REAL    NOT NULL DEFAULT 0,
    unique_bettors  INTEGER NOT NULL DEFAULT 0,
    close_time      TEXT,
    resolved        INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS answers (
    id              TEXT PRIMARY KEY,
    contract_id     TEXT    NOT NULL REFERENCES contracts(id),
    idx             INTEGER NOT NULL,
    text            TEXT    NOT NULL DEFAULT '',
    pool_yes        REAL    NOT NULL DEFAULT 0,
    pool_no         REAL    NOT NULL DEFAULT 0,
    subsidy_pool    REAL    NOT NULL DEFAULT 0,
    total_liquidity REAL    NOT NULL DEFAULT 0,
    resolved        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS limit_bets (
    id           TEXT PRIMARY KEY,
    contract_id  TEXT    NOT NULL REFERENCES contracts(id),
    answer_id    TEXT    NOT NULL DEFAULT '',
    user_id      TEXT    NOT NULL,
    outcome      TEXT    NOT NULL,
    limit_prob   REAL    NOT NULL,
    order_amount REAL    NOT NULL,
    amount       REAL    NOT NULL DEFAULT 0,
    shares       REAL    NOT NULL DEFAULT 0,
    is_filled    INTEGER NOT NULL DEFAULT 0,
    is_cancelled INTEGER NOT NULL DEFAULT 0,
    expires_at   TEXT,
    created_at   TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    id             TEXT PRIMARY KEY,
    order_id       TEXT    NOT NULL,
    seq            INTEGER NOT NULL,
    contract_id    TEXT    NOT NULL REFERENCES contracts(id),
    answer_id      TEXT    NOT NULL DEFAULT '',
    user_id        TEXT    NOT NULL,
    outcome        TEXT    NOT NULL,
    amount         REAL    NOT NULL,
    shares         REAL    NOT NULL,
    prob_before    REAL    NOT NULL,
    prob_after     REAL    NOT NULL,
    creator_fee    REAL    NOT NULL DEFAULT 0,
    platform_fee   REAL    NOT NULL DEFAULT 0,
    liquidity_fee  REAL    NOT NULL DEFAULT 0,
    matched_bet_id TEXT    NOT NULL DEFAULT '',
    limit_prob     REAL    NOT NULL DEFAULT 0,
    is_sale        INTEGER NOT NULL DEFAULT 0,
    is_redemption  INTEGER NOT NULL DEFAULT 0,
    is_sold        INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    user_id TEXT PRIMARY KEY,
    balance TEXT NOT NULL
);

-- Un posting por clave idempotente (fill:rol)
CREATE TABLE IF NOT EXISTS ledger_entries (
    idempotency_key TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    kind            TEXT NOT NULL,
    bet_id          TEXT NOT NULL DEFAULT '',
    amount          TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answers_contract ON answers(contract_id, idx);
CREATE INDEX IF NOT EXISTS idx_limit_open       ON limit_bets(contract_id, is_filled, is_cancelled);
CREATE INDEX IF NOT EXISTS idx_limit_expiry     ON limit_bets(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_bets_position    ON bets(contract_id, user_id, answer_id, outcome);
`

// timeLayout tiene ancho fijo para que las comparaciones de texto ordenen bien.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// queryer lo cumplen *sql.DB, *sql.Conn y *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStorage implementa ports.ContractStore y ports.Ledger usando SQLite
// (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// CreateContract inserta el contrato y sus respuestas en una transacción.
func (s *SQLiteStorage) CreateContract(ctx context.Context, c domain.Contract, answers []domain.Answer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.CreateContract: begin tx: %w", transient(err))
	}
	defer tx.Rollback()

	var closeTime *string
	if !c.CloseTime.IsZero() {
		v := formatTime(c.CloseTime)
		closeTime = &v
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contracts
			(id, question, creator_id, mechanism, sum_to_one, pool_yes, pool_no, p,
			 subsidy_pool, total_liquidity, unique_bettors, close_time, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Question, c.CreatorID, string(c.Mechanism), b2i(c.ShouldAnswersSumToOne),
		c.Pool.YES, c.Pool.NO, c.Pool.P, c.SubsidyPool, c.TotalLiquidity,
		c.UniqueBettorCount, closeTime, b2i(c.IsResolved), formatTime(created),
	); err != nil {
		return fmt.Errorf("storage.CreateContract: insert contract %s: %w", c.ID, err)
	}
	for _, a := range answers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO answers
				(id, contract_id, idx, text, pool_yes, pool_no, subsidy_pool, total_liquidity, resolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, c.ID, a.Index, a.Text, a.Pool.YES, a.Pool.NO, a.SubsidyPool, a.TotalLiquidity, b2i(a.IsResolved),
		); err != nil {
			return fmt.Errorf("storage.CreateContract: insert answer %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.CreateContract: commit: %w", transient(err))
	}
	return nil
}

// GetSnapshot lee el estado actual del contrato sin lock.
func (s *SQLiteStorage) GetSnapshot(ctx context.Context, contractID string) (domain.Snapshot, error) {
	snap, err := loadSnapshot(ctx, s.db, contractID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("storage.GetSnapshot: %w", err)
	}
	return snap, nil
}

// LockContract toma el lock exclusivo (BEGIN IMMEDIATE), lee el snapshot y
// corre fn. Si fn no falla aplica lo encolado y hace COMMIT.
func (s *SQLiteStorage) LockContract(ctx context.Context, contractID string, fn func(domain.ContractTx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("storage.LockContract: conn: %w", transient(err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("storage.LockContract: begin %s: %w", contractID, transient(err))
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	snap, err := loadSnapshot(ctx, conn, contractID)
	if err != nil {
		return fmt.Errorf("storage.LockContract: %w", err)
	}
	tx := &sqliteTx{ctx: ctx, q: conn, snap: snap}
	if err := fn(tx); err != nil {
		return err
	}
	if err := applyChanges(ctx, conn, contractID, tx.changes, s.now()); err != nil {
		return fmt.Errorf("storage.LockContract: apply %s: %w", contractID, err)
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("storage.LockContract: commit %s: %w", contractID, transient(err))
	}
	committed = true
	return nil
}

// ContractsWithSubsidy devuelve los contratos no resueltos con subsidio pendiente.
func (s *SQLiteStorage) ContractsWithSubsidy(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id
		FROM contracts c
		LEFT JOIN answers a ON a.contract_id = c.id AND a.resolved = 0
		WHERE c.resolved = 0 AND (c.subsidy_pool > ? OR a.subsidy_pool > ?)
		ORDER BY c.id`, domain.Epsilon, domain.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("storage.ContractsWithSubsidy: query: %w", err)
	}
	return scanIDs(rows)
}

// ContractsWithExpiredOrders devuelve los contratos con órdenes abiertas vencidas.
func (s *SQLiteStorage) ContractsWithExpiredOrders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT contract_id
		FROM limit_bets
		WHERE is_filled = 0 AND is_cancelled = 0
		  AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY contract_id`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("storage.ContractsWithExpiredOrders: query: %w", err)
	}
	return scanIDs(rows)
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqliteTx es la vista de una transacción con el lock tomado.
type sqliteTx struct {
	ctx     context.Context
	q       queryer
	snap    domain.Snapshot
	changes domain.Changes
}

func (t *sqliteTx) Snapshot() domain.Snapshot { return t.snap }

func (t *sqliteTx) Stage(c domain.Changes) { t.changes.Merge(c) }

func (t *sqliteTx) Balance(userID string) (float64, error) {
	b, err := balanceOf(t.ctx, t.q, userID)
	if err != nil {
		return 0, err
	}
	return b.InexactFloat64(), nil
}

func (t *sqliteTx) Position(userID, answerID string, outcome domain.Outcome) (float64, error) {
	var shares float64
	err := t.q.QueryRowContext(t.ctx, `
		SELECT COALESCE(SUM(shares), 0) FROM bets
		WHERE contract_id = ? AND user_id = ? AND answer_id = ? AND outcome = ?`,
		t.snap.Contract.ID, userID, answerID, string(outcome),
	).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("storage.Position: %w", err)
	}
	return shares, nil
}

func (t *sqliteTx) HasBet(userID string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM bets WHERE contract_id = ? AND user_id = ?`,
		t.snap.Contract.ID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.HasBet: %w", err)
	}
	return n > 0, nil
}

// --- helpers internos ---

func loadSnapshot(ctx context.Context, q queryer, contractID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	c := &snap.Contract
	var mechanism, created string
	var closeTime sql.NullString
	var sumToOne, resolved int
	err := q.QueryRowContext(ctx, `
		SELECT id, question, creator_id, mechanism, sum_to_one, pool_yes, pool_no, p,
		       subsidy_pool, total_liquidity, creator_fee, platform_fee, liquidity_fee,
		       unique_bettors, close_time, resolved, created_at
		FROM contracts WHERE id = ?`, contractID,
	).Scan(
		&c.ID, &c.Question, &c.CreatorID, &mechanism, &sumToOne, &c.Pool.YES, &c.Pool.NO, &c.Pool.P,
		&c.SubsidyPool, &c.TotalLiquidity, &c.CollectedFees.CreatorFee, &c.CollectedFees.PlatformFee,
		&c.CollectedFees.LiquidityFee, &c.UniqueBettorCount, &closeTime, &resolved, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("contract %s: %w", contractID, domain.ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("load contract %s: %w", contractID, transient(err))
	}
	c.Mechanism = domain.Mechanism(mechanism)
	c.ShouldAnswersSumToOne = sumToOne == 1
	c.IsResolved = resolved == 1
	c.CreatedAt = parseTime(created)
	if closeTime.Valid {
		c.CloseTime = parseTime(closeTime.String)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, idx, text, pool_yes, pool_no, subsidy_pool, total_liquidity, resolved
		FROM answers WHERE contract_id = ? ORDER BY idx`, contractID)
	if err != nil {
		return snap, fmt.Errorf("load answers %s: %w", contractID, err)
	}
	for rows.Next() {
		a := domain.Answer{ContractID: contractID, Pool: domain.Pool{P: 0.5}}
		var res int
		if err := rows.Scan(&a.ID, &a.Index, &a.Text, &a.Pool.YES, &a.Pool.NO, &a.SubsidyPool, &a.TotalLiquidity, &res); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan answer: %w", err)
		}
		a.IsResolved = res == 1
		snap.Answers = append(snap.Answers, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load answers %s: %w", contractID, err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT id, answer_id, user_id, outcome, limit_prob, order_amount, amount, shares,
		       expires_at, created_at
		FROM limit_bets
		WHERE contract_id = ? AND is_filled = 0 AND is_cancelled = 0
		ORDER BY created_at, id`, contractID)
	if err != nil {
		return snap, fmt.Errorf("load limit bets %s: %w", contractID, err)
	}
	users := make(map[string]struct{})
	for rows.Next() {
		b := domain.LimitBet{ContractID: contractID}
		var outcome, created string
		var expires sql.NullString
		if err := rows.Scan(&b.ID, &b.AnswerID, &b.UserID, &outcome, &b.LimitProb, &b.OrderAmount,
			&b.Amount, &b.Shares, &expires, &created); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan limit bet: %w", err)
		}
		b.Outcome = domain.Outcome(outcome)
		b.CreatedAt = parseTime(created)
		if expires.Valid {
			t := parseTime(expires.String)
			b.ExpiresAt = &t
		}
		snap.LimitBets = append(snap.LimitBets, b)
		users[b.UserID] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load limit bets %s: %w", contractID, err)
	}

	snap.Balances = make(map[string]float64, len(users))
	for u := range users {
		b, err := balanceOf(ctx, q, u)
		if err != nil {
			return snap, err
		}
		snap.Balances[u] = b.InexactFloat64()
	}
	return snap, nil
}

func applyChanges(ctx context.Context, q queryer, contractID string, c domain.Changes, now time.Time) error {
	if c.Contract != nil {
		k := c.Contract
		if _, err := q.ExecContext(ctx, `
			UPDATE contracts SET
				pool_yes = ?, pool_no = ?, p = ?, subsidy_pool = ?, total_liquidity = ?,
				creator_fee = ?, platform_fee = ?, liquidity_fee = ?, unique_bettors = ?
			WHERE id = ?`,
			k.Pool.YES, k.Pool.NO, k.Pool.P, k.SubsidyPool, k.TotalLiquidity,
			k.CollectedFees.CreatorFee, k.CollectedFees.PlatformFee, k.CollectedFees.LiquidityFee,
			k.UniqueBettorCount, contractID,
		); err != nil {
			return fmt.Errorf("update contract: %w", err)
		}
	}
	for _, a := range c.Answers {
		if _, err := q.ExecContext(ctx, `
			UPDATE answers SET pool_yes = ?, pool_no = ?, subsidy_pool = ?, total_liquidity = ?
			WHERE id = ? AND contract_id = ?`,
			a.Pool.YES, a.Pool.NO, a.SubsidyPool, a.TotalLiquidity, a.ID, contractID,
		); err != nil {
			return fmt.Errorf("update answer %s: %w", a.ID, err)
		}
	}
	for _, b := range c.LimitBets {
		var expires *string
		if b.ExpiresAt != nil {
			v := formatTime(*b.ExpiresAt)
			expires = &v
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO limit_bets
				(id, contract_id, answer_id, user_id, outcome, limit_prob, order_amount,
				 amount, shares, is_filled, is_cancelled, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				amount       = excluded.amount,
				shares       = excluded.shares,
				is_filled    = excluded.is_filled,
				is_cancelled = excluded.is_cancelled`,
			b.ID, contractID, b.AnswerID, b.UserID, string(b.Outcome), b.LimitProb, b.OrderAmount,
			b.Amount, b.Shares, b2i(b.IsFilled), b2i(b.IsCancelled), expires, formatTime(b.CreatedAt),
		); err != nil {
			return fmt.Errorf("upsert limit bet %s: %w", b.ID, err)
		}
	}
	for _, b := range c.Bets {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO bets
				(id, order_id, seq, contract_id, answer_id, user_id, outcome, amount, shares,
				 prob_before, prob_after, creator_fee, platform_fee, liquidity_fee,
				 matched_bet_id, limit_prob, is_sale, is_redemption, is_sold, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.OrderID, b.Seq, contractID, b.AnswerID, b.UserID, string(b.Outcome), b.Amount, b.Shares,
			b.ProbBefore, b.ProbAfter, b.Fees.CreatorFee, b.Fees.PlatformFee, b.Fees.LiquidityFee,
			b.MatchedBetID, b.LimitProb, b2i(b.IsSale), b2i(b.IsRedemption), b2i(b.IsSold), formatTime(b.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert bet %s: %w", b.ID, err)
		}
	}
	for _, p := range c.Sold {
		if _, err := q.ExecContext(ctx, `
			UPDATE bets SET is_sold = 1
			WHERE contract_id = ? AND user_id = ? AND answer_id = ? AND outcome = ? AND is_sale = 0`,
			contractID, p.UserID, p.AnswerID, string(p.Outcome),
		); err != nil {
			return fmt.Errorf("mark sold: %w", err)
		}
	}
	if _, err := applyPostings(ctx, q, c.Postings, now); err != nil {
		return err
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func balanceOf(ctx context.Context, q queryer, userID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

// transient marca como reintentables los errores de contención de SQLite.
func transient(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
