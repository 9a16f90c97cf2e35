package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"entrypass.org/internal/addr"
	"entrypass.org/internal/ledger"
	"entrypass.org/internal/pass"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateWallet(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into wallets").WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into balances").WithArgs("alice", "SOL", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w, err := s.CreateWallet(context.Background(), "alice", ledger.Money{Currency: "SOL", Amount: 500})
	if err != nil {
		t.Fatal(err)
	}
	if w.Address != "alice" || w.Balances["SOL"] != 500 {
		t.Fatalf("unexpected wallet: %#v", w)
	}
	expectationsMet(t, mock)
}

func TestCreateWalletDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into wallets").WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.CreateWallet(context.Background(), "alice", ledger.Money{Currency: "SOL", Amount: 0})
	if !errors.Is(err, ledger.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select coalesce").WithArgs("alice", "SOL").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(420)))

	mon, err := s.GetBalance(context.Background(), "alice", "SOL")
	if err != nil {
		t.Fatal(err)
	}
	if mon.Amount != 420 || mon.Currency != "SOL" {
		t.Fatalf("unexpected balance: %#v", mon)
	}
	expectationsMet(t, mock)
}

func TestGetWalletNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select created_at from wallets").WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetWallet(context.Background(), "ghost")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransferIdempotentReplay(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id, created_at, from_address").WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "created_at", "from_address", "to_address", "currency", "amount", "sequence", "idempotency_key",
		}).AddRow("tx-1", time.Now(), "alice", "bob", "SOL", int64(100), uint64(7), "key-1"))
	mock.ExpectCommit()

	tx, err := s.Transfer(context.Background(), "alice", "bob",
		ledger.Money{Currency: "SOL", Amount: 100}, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if tx.ID != "tx-1" || tx.Sequence != 7 {
		t.Fatalf("expected recorded transaction back, got %#v", tx)
	}
	expectationsMet(t, mock)
}

func TestTransferInsufficientFunds(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from wallets").WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select 1 from wallets").WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("insert into balances").WithArgs("alice", "SOL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into balances").WithArgs("bob", "SOL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select amount from balances").WithArgs("alice", "SOL").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(10)))
	mock.ExpectRollback()

	_, err := s.Transfer(context.Background(), "alice", "bob",
		ledger.Money{Currency: "SOL", Amount: 100}, "")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestCreateCollectionConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into pass_collections").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.CreateCollection(context.Background(), "org", pass.CreateCollectionInput{
		Name: "Conf", MaxSupply: 2,
	})
	if !errors.Is(err, pass.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPurchaseSupplyExhausted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from pass_collections where").WithArgs("col-addr").
		WillReturnRows(collectionRows("col-addr", "org", 100, 2, 2))
	mock.ExpectRollback()

	_, err := s.Purchase(context.Background(), "buyer", "col-addr")
	if !errors.Is(err, pass.ErrSupplyExhausted) {
		t.Fatalf("want ErrSupplyExhausted, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPurchaseSettlesInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	colAddr, _, err := addr.ForCollection("org", "Conf")
	if err != nil {
		t.Fatal(err)
	}
	passAddr, _, err := addr.ForUserPass(colAddr, "buyer")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("from pass_collections where").WithArgs(colAddr).
		WillReturnRows(collectionRows(colAddr, "org", 100, 5, 1))
	mock.ExpectQuery("select 1 from user_passes").WithArgs(passAddr).
		WillReturnError(sql.ErrNoRows)
	// settlement runs inside the same transaction
	mock.ExpectQuery("select id, created_at, from_address").WithArgs(passAddr).
		WillReturnError(sql.ErrNoRows)
	for _, w := range sorted("buyer", "org") {
		mock.ExpectQuery("select 1 from wallets").WithArgs(w).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	}
	mock.ExpectExec("insert into balances").WithArgs("buyer", "SOL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into balances").WithArgs("org", "SOL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select amount from balances").WithArgs("buyer", "SOL").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(1_000)))
	mock.ExpectExec("update balances set amount = amount -").WithArgs("buyer", "SOL", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update balances set amount = amount \+`).WithArgs("org", "SOL", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "buyer", "org", "SOL", int64(100), passAddr).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(uint64(1)))
	mock.ExpectExec("insert into user_passes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update pass_collections set current_supply").WithArgs(colAddr).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := s.Purchase(context.Background(), "buyer", colAddr)
	if err != nil {
		t.Fatal(err)
	}
	if p.Address != passAddr || !p.IsActive || p.PassCollection != colAddr {
		t.Fatalf("unexpected pass: %#v", p)
	}
	expectationsMet(t, mock)
}

func TestRevokeRejectsNonOrganizer(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select organizer from pass_collections").WithArgs("col-addr").
		WillReturnRows(sqlmock.NewRows([]string{"organizer"}).AddRow("someone-else"))
	mock.ExpectRollback()

	err := s.Revoke(context.Background(), "intruder", "pass-addr", "col-addr")
	if !errors.Is(err, pass.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestVerifyDegradesMissingPass(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from user_passes where address").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	v, err := s.Verify(context.Background(), "wallet", "col-addr")
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.Reason != pass.ReasonNotFound {
		t.Fatalf("unexpected verification: %#v", v)
	}
	expectationsMet(t, mock)
}

func TestVerifyReadsOneSnapshot(t *testing.T) {
	s, mock := newMockStore(t)

	colAddr, _, err := addr.ForCollection("org", "Conf")
	if err != nil {
		t.Fatal(err)
	}
	passAddr, _, err := addr.ForUserPass(colAddr, "buyer")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("from user_passes where address").WithArgs(passAddr).
		WillReturnRows(userPassRows(passAddr, "buyer", colAddr, true))
	mock.ExpectQuery("from pass_collections where address").WithArgs(colAddr).
		WillReturnRows(collectionRows(colAddr, "org", 100, 5, 1))
	mock.ExpectCommit()

	v, err := s.Verify(context.Background(), "buyer", colAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid {
		t.Fatalf("expected valid pass: %q", v.Reason)
	}
	expectationsMet(t, mock)
}

func TestVerifyRejectsForeignOwner(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from user_passes where address").
		WillReturnRows(userPassRows("pass-addr", "someone-else", "col-addr", true))
	mock.ExpectRollback()

	v, err := s.Verify(context.Background(), "buyer", "col-addr")
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.Reason != pass.ReasonNotFound {
		t.Fatalf("foreign-owned pass verified: %#v", v)
	}
	expectationsMet(t, mock)
}

func TestPurchaseMapsUniqueViolationToConflict(t *testing.T) {
	s, mock := newMockStore(t)

	colAddr, _, err := addr.ForCollection("org", "Conf")
	if err != nil {
		t.Fatal(err)
	}
	passAddr, _, err := addr.ForUserPass(colAddr, "buyer")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("from pass_collections where").WithArgs(colAddr).
		WillReturnRows(collectionRows(colAddr, "org", 100, 5, 1))
	// Existence pre-check passes because the concurrent twin has not
	// committed yet.
	mock.ExpectQuery("select 1 from user_passes").WithArgs(passAddr).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select id, created_at, from_address").WithArgs(passAddr).
		WillReturnError(sql.ErrNoRows)
	for _, w := range sorted("buyer", "org") {
		mock.ExpectQuery("select 1 from wallets").WithArgs(w).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	}
	mock.ExpectExec("insert into balances").WithArgs("buyer", "SOL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into balances").WithArgs("org", "SOL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select amount from balances").WithArgs("buyer", "SOL").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(1_000)))
	mock.ExpectExec("update balances set amount = amount -").WithArgs("buyer", "SOL", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update balances set amount = amount \+`).WithArgs("org", "SOL", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "buyer", "org", "SOL", int64(100), passAddr).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(uint64(1)))
	mock.ExpectExec("insert into user_passes").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "user_passes_pass_collection_owner_key"})
	mock.ExpectRollback()

	_, err = s.Purchase(context.Background(), "buyer", colAddr)
	if !errors.Is(err, pass.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
	expectationsMet(t, mock)
}

func userPassRows(address, owner, collection string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"address", "owner", "pass_collection", "purchased_at", "expires_at", "is_active", "bump",
	}).AddRow(address, owner, collection, int64(1_000_000), pass.NoExpiry, active, int16(0))
}

func collectionRows(address, organizer string, price, maxSupply, currentSupply int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"address", "organizer", "name", "description", "price",
		"max_supply", "current_supply", "validity_period", "created_at", "bump",
	}).AddRow(address, organizer, "Conf", "", price, maxSupply, currentSupply, int64(3600), int64(1_000_000), int16(0))
}
