// Package pg provides the Postgres-backed settlement ledger and pass
// store. Purchase runs as one serializable transaction, so payment,
// supply increment and pass creation commit or roll back together.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"entrypass.org/internal/ids"
	"entrypass.org/internal/ledger"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests use this with sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateWallet(ctx context.Context, address string, initial ledger.Money) (ledger.Wallet, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return ledger.Wallet{}, ledger.ErrInvalidAddress
	}
	if initial.Currency == "" {
		return ledger.Wallet{}, ledger.ErrInvalidCurrency
	}
	if initial.Amount < 0 {
		return ledger.Wallet{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Wallet{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into wallets(address, created_at) values($1, now())
		on conflict (address) do nothing
	`, address)
	if err != nil {
		return ledger.Wallet{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Wallet{}, ledger.ErrAlreadyExists
	}
	if _, err := tx.ExecContext(ctx, `
		insert into balances(wallet_address, currency, amount)
		values ($1,$2,$3)
	`, address, initial.Currency, initial.Amount); err != nil {
		return ledger.Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Wallet{}, err
	}

	return ledger.Wallet{
		Address:   address,
		CreatedAt: time.Now().UTC(),
		Balances:  map[string]int64{initial.Currency: initial.Amount},
	}, nil
}

func (s *Store) GetWallet(ctx context.Context, address string) (ledger.Wallet, error) {
	var created time.Time
	err := s.db.QueryRowContext(ctx, `select created_at from wallets where address=$1`, address).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Wallet{}, err
	}

	rows, err := s.db.QueryContext(ctx, `select currency, amount from balances where wallet_address=$1`, address)
	if err != nil {
		return ledger.Wallet{}, err
	}
	defer rows.Close()

	bals := map[string]int64{}
	for rows.Next() {
		var c string
		var a int64
		if err := rows.Scan(&c, &a); err != nil {
			return ledger.Wallet{}, err
		}
		bals[c] = a
	}
	return ledger.Wallet{Address: address, CreatedAt: created, Balances: bals}, nil
}

func (s *Store) GetBalance(ctx context.Context, address, currency string) (ledger.Money, error) {
	var amt int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(b.amount,0)
		from wallets w
		left join balances b on b.wallet_address=w.address and b.currency=$2
		where w.address=$1
	`, address, currency).Scan(&amt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Money{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.Money{Currency: currency, Amount: amt}, nil
}

func (s *Store) Transfer(ctx context.Context, from, to string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	if amt.Amount < 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if amt.Currency == "" {
		return ledger.Transaction{}, ledger.ErrInvalidCurrency
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := transferInTx(ctx, tx, from, to, amt, idemKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return res, nil
}

// transferInTx applies a transfer inside an open transaction; the
// purchase path reuses it so settlement shares the pass-creation commit.
func transferInTx(ctx context.Context, tx *sql.Tx, from, to string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	// Idempotency: return existing tx if idemKey already recorded
	if idemKey != "" {
		var t ledger.Transaction
		var created time.Time
		var idem sql.NullString
		err := tx.QueryRowContext(ctx, `
			select id, created_at, from_address, to_address, currency, amount, sequence, idempotency_key
			from transactions where idempotency_key=$1
		`, idemKey).Scan(&t.ID, &created, &t.FromAddress, &t.ToAddress, &t.Currency, &t.Amount, &t.Sequence, &idem)
		if err == nil {
			t.CreatedAt = created
			if idem.Valid {
				t.IdempotencyKey = idem.String
			}
			return t, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}
	}

	// Lock wallets in stable order to avoid deadlocks
	for _, w := range sorted(from, to) {
		var dummy int
		if err := tx.QueryRowContext(ctx, `select 1 from wallets where address=$1 for update`, w).Scan(&dummy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.Transaction{}, ledger.ErrNotFound
			}
			return ledger.Transaction{}, err
		}
	}

	for _, w := range []string{from, to} {
		if _, err := tx.ExecContext(ctx, `
			insert into balances(wallet_address, currency, amount)
			values ($1,$2,0) on conflict do nothing
		`, w, amt.Currency); err != nil {
			return ledger.Transaction{}, err
		}
	}

	// Check sufficient funds (lock row)
	var fromBal int64
	if err := tx.QueryRowContext(ctx, `
		select amount from balances where wallet_address=$1 and currency=$2 for update
	`, from, amt.Currency).Scan(&fromBal); err != nil {
		return ledger.Transaction{}, err
	}
	if fromBal < amt.Amount {
		return ledger.Transaction{}, ledger.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		update balances set amount = amount - $3
		where wallet_address=$1 and currency=$2
	`, from, amt.Currency, amt.Amount); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update balances set amount = amount + $3
		where wallet_address=$1 and currency=$2
	`, to, amt.Currency, amt.Amount); err != nil {
		return ledger.Transaction{}, err
	}

	tid := ids.New()
	var seq uint64
	if err := tx.QueryRowContext(ctx, `
		insert into transactions(id, from_address, to_address, currency, amount, idempotency_key)
		values ($1,$2,$3,$4,$5,nullif($6,'')) returning sequence
	`, tid, from, to, amt.Currency, amt.Amount, idemKey).Scan(&seq); err != nil {
		return ledger.Transaction{}, err
	}

	return ledger.Transaction{
		ID:             tid,
		CreatedAt:      time.Now().UTC(),
		FromAddress:    from,
		ToAddress:      to,
		Currency:       amt.Currency,
		Amount:         amt.Amount,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, from_address, to_address, currency, amount, sequence, coalesce(idempotency_key,'')
		from transactions
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	var last uint64
	for rows.Next() {
		var tx ledger.Transaction
		var idem string
		if err := rows.Scan(&tx.ID, &tx.CreatedAt, &tx.FromAddress, &tx.ToAddress, &tx.Currency, &tx.Amount, &tx.Sequence, &idem); err != nil {
			return nil, 0, err
		}
		if idem != "" {
			tx.IdempotencyKey = idem
		}
		res = append(res, tx)
		last = tx.Sequence
	}
	return res, last, nil
}

// --- helpers ---

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
