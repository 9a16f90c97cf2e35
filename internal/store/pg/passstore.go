package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"entrypass.org/internal/addr"
	"entrypass.org/internal/ledger"
	"entrypass.org/internal/pass"
)

var _ pass.Service = (*Store)(nil)

const collectionCols = `address, organizer, name, description, price, max_supply, current_supply, validity_period, created_at, bump`
const userPassCols = `address, owner, pass_collection, purchased_at, expires_at, is_active, bump`

func (s *Store) CreateCollection(ctx context.Context, organizer string, in pass.CreateCollectionInput) (pass.PassCollection, error) {
	organizer = strings.TrimSpace(organizer)
	if organizer == "" {
		return pass.PassCollection{}, pass.ErrUnauthenticated
	}
	if err := pass.ValidateCreate(in); err != nil {
		return pass.PassCollection{}, err
	}
	address, bump, err := addr.ForCollection(organizer, in.Name)
	if err != nil {
		return pass.PassCollection{}, fmt.Errorf("%w: %v", pass.ErrInvalidInput, err)
	}

	c := pass.PassCollection{
		Address:        address,
		Organizer:      organizer,
		Name:           in.Name,
		Description:    in.Description,
		Price:          in.Price,
		MaxSupply:      in.MaxSupply,
		ValidityPeriod: in.ValidityPeriod,
		CreatedAt:      time.Now().Unix(),
		Bump:           bump,
	}
	res, err := s.db.ExecContext(ctx, `
		insert into pass_collections(`+collectionCols+`)
		values ($1,$2,$3,$4,$5,$6,0,$7,$8,$9)
		on conflict (address) do nothing
	`, c.Address, c.Organizer, c.Name, c.Description, c.Price, c.MaxSupply, c.ValidityPeriod, c.CreatedAt, int16(c.Bump))
	if err != nil {
		return pass.PassCollection{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pass.PassCollection{}, fmt.Errorf("%w: collection %q already exists", pass.ErrAlreadyExists, in.Name)
	}
	return c, nil
}

func (s *Store) Purchase(ctx context.Context, buyer, collectionAddr string) (pass.UserPass, error) {
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		return pass.UserPass{}, pass.ErrUnauthenticated
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pass.UserPass{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the collection row: the supply check-and-increment must be
	// one atomic step from any other purchase's point of view.
	var c pass.PassCollection
	var bump int16
	err = tx.QueryRowContext(ctx, `
		select `+collectionCols+` from pass_collections where address=$1 for update
	`, collectionAddr).Scan(&c.Address, &c.Organizer, &c.Name, &c.Description, &c.Price,
		&c.MaxSupply, &c.CurrentSupply, &c.ValidityPeriod, &c.CreatedAt, &bump)
	if errors.Is(err, sql.ErrNoRows) {
		return pass.UserPass{}, fmt.Errorf("%w: collection %s", pass.ErrNotFound, collectionAddr)
	}
	if err != nil {
		return pass.UserPass{}, err
	}
	if c.CurrentSupply >= c.MaxSupply {
		return pass.UserPass{}, fmt.Errorf("%w: %q", pass.ErrSupplyExhausted, c.Name)
	}

	passAddr, passBump, err := addr.ForUserPass(c.Address, buyer)
	if err != nil {
		return pass.UserPass{}, fmt.Errorf("%w: %v", pass.ErrInvalidInput, err)
	}
	var exists int
	err = tx.QueryRowContext(ctx, `select 1 from user_passes where address=$1`, passAddr).Scan(&exists)
	if err == nil {
		return pass.UserPass{}, fmt.Errorf("%w: wallet already holds a pass for %q", pass.ErrAlreadyExists, c.Name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return pass.UserPass{}, err
	}

	// Settle inside the same transaction; the derived pass address is
	// the idempotency key.
	_, err = transferInTx(ctx, tx, buyer, c.Organizer,
		ledger.Money{Currency: ledger.Currency, Amount: c.Price}, passAddr)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrNotFound) {
			return pass.UserPass{}, err
		}
		return pass.UserPass{}, fmt.Errorf("%w: %v", pass.ErrSettlementFailure, err)
	}

	now := time.Now().Unix()
	p := pass.UserPass{
		Address:        passAddr,
		Owner:          buyer,
		PassCollection: c.Address,
		PurchasedAt:    now,
		ExpiresAt:      pass.ResolveExpiry(now, c.ValidityPeriod),
		IsActive:       true,
		Bump:           passBump,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into user_passes(`+userPassCols+`)
		values ($1,$2,$3,$4,$5,true,$6)
	`, p.Address, p.Owner, p.PassCollection, p.PurchasedAt, p.ExpiresAt, int16(p.Bump)); err != nil {
		// A concurrent purchase by the same buyer can race past the
		// existence check; the unique constraint is the authority.
		if isUniqueViolation(err) {
			return pass.UserPass{}, fmt.Errorf("%w: wallet already holds a pass for %q", pass.ErrAlreadyExists, c.Name)
		}
		return pass.UserPass{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update pass_collections set current_supply = current_supply + 1 where address=$1
	`, c.Address); err != nil {
		return pass.UserPass{}, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return pass.UserPass{}, fmt.Errorf("%w: wallet already holds a pass for %q", pass.ErrAlreadyExists, c.Name)
		}
		return pass.UserPass{}, err
	}
	return p, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) Verify(ctx context.Context, wallet, collectionAddr string) (pass.Verification, error) {
	passAddr, _, err := addr.ForUserPass(collectionAddr, wallet)
	if err != nil {
		return pass.LookupDenied(err), nil
	}

	// Both reads come from one read-only snapshot.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return pass.LookupDenied(err), nil
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getUserPass(ctx, tx, passAddr)
	if errors.Is(err, pass.ErrNotFound) {
		return pass.Denied(pass.ReasonNotFound), nil
	}
	if err != nil {
		return pass.LookupDenied(err), nil
	}
	// Derivation binds the address to the owner; the equality check
	// guards against any entry recorded under a colliding address.
	if p.Owner != wallet {
		return pass.Denied(pass.ReasonNotFound), nil
	}
	c, err := getCollection(ctx, tx, p.PassCollection)
	if errors.Is(err, pass.ErrNotFound) {
		return pass.Denied(pass.ReasonDanglingOwner), nil
	}
	if err != nil {
		return pass.LookupDenied(err), nil
	}
	if err := tx.Commit(); err != nil {
		return pass.LookupDenied(err), nil
	}
	return pass.Result(p, c, time.Now().Unix()), nil
}

func (s *Store) VerifyAny(ctx context.Context, wallet string) (pass.Verification, error) {
	passes, err := s.ListUserPasses(ctx, wallet)
	if err != nil {
		return pass.LookupDenied(err), nil
	}
	now := time.Now().Unix()
	for _, p := range passes {
		c, err := s.GetCollection(ctx, p.PassCollection)
		if err != nil {
			continue
		}
		if v := pass.Result(p, c, now); v.Valid {
			return v, nil
		}
	}
	return pass.Denied(pass.ReasonNoActivePass), nil
}

func (s *Store) Revoke(ctx context.Context, issuer, passAddr, collectionAddr string) error {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return pass.ErrUnauthenticated
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var organizer string
	err = tx.QueryRowContext(ctx, `select organizer from pass_collections where address=$1`, collectionAddr).Scan(&organizer)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: collection %s", pass.ErrNotFound, collectionAddr)
	}
	if err != nil {
		return err
	}
	if organizer != issuer {
		return fmt.Errorf("%w: only the organizer may revoke", pass.ErrUnauthorized)
	}

	var parent string
	var active bool
	err = tx.QueryRowContext(ctx, `
		select pass_collection, is_active from user_passes where address=$1 for update
	`, passAddr).Scan(&parent, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pass %s", pass.ErrNotFound, passAddr)
	}
	if err != nil {
		return err
	}
	if parent != collectionAddr {
		return fmt.Errorf("%w: pass does not belong to collection", pass.ErrUnauthorized)
	}
	if !active {
		return fmt.Errorf("%w: pass already revoked", pass.ErrAlreadyExists)
	}

	if _, err := tx.ExecContext(ctx, `update user_passes set is_active=false where address=$1`, passAddr); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetCollection(ctx context.Context, address string) (pass.PassCollection, error) {
	return getCollection(ctx, s.db, address)
}

func (s *Store) GetUserPass(ctx context.Context, address string) (pass.UserPass, error) {
	return getUserPass(ctx, s.db, address)
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx, so fetches can run
// standalone or inside a transaction snapshot.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCollection(ctx context.Context, q rowQuerier, address string) (pass.PassCollection, error) {
	var c pass.PassCollection
	var bump int16
	err := q.QueryRowContext(ctx, `
		select `+collectionCols+` from pass_collections where address=$1
	`, address).Scan(&c.Address, &c.Organizer, &c.Name, &c.Description, &c.Price,
		&c.MaxSupply, &c.CurrentSupply, &c.ValidityPeriod, &c.CreatedAt, &bump)
	if errors.Is(err, sql.ErrNoRows) {
		return pass.PassCollection{}, pass.ErrNotFound
	}
	if err != nil {
		return pass.PassCollection{}, fmt.Errorf("%w: %v", pass.ErrLookupFailure, err)
	}
	c.Bump = uint8(bump)
	return c, nil
}

func getUserPass(ctx context.Context, q rowQuerier, address string) (pass.UserPass, error) {
	var p pass.UserPass
	var bump int16
	err := q.QueryRowContext(ctx, `
		select `+userPassCols+` from user_passes where address=$1
	`, address).Scan(&p.Address, &p.Owner, &p.PassCollection, &p.PurchasedAt, &p.ExpiresAt, &p.IsActive, &bump)
	if errors.Is(err, sql.ErrNoRows) {
		return pass.UserPass{}, pass.ErrNotFound
	}
	if err != nil {
		return pass.UserPass{}, fmt.Errorf("%w: %v", pass.ErrLookupFailure, err)
	}
	p.Bump = uint8(bump)
	return p, nil
}

func (s *Store) ListCollections(ctx context.Context) ([]pass.PassCollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+collectionCols+` from pass_collections order by created_at, address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pass.PassCollection
	for rows.Next() {
		var c pass.PassCollection
		var bump int16
		if err := rows.Scan(&c.Address, &c.Organizer, &c.Name, &c.Description, &c.Price,
			&c.MaxSupply, &c.CurrentSupply, &c.ValidityPeriod, &c.CreatedAt, &bump); err != nil {
			return nil, err
		}
		c.Bump = uint8(bump)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListUserPasses(ctx context.Context, owner string) ([]pass.UserPass, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userPassCols+` from user_passes where owner=$1 order by purchased_at, address
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pass.UserPass
	for rows.Next() {
		var p pass.UserPass
		var bump int16
		if err := rows.Scan(&p.Address, &p.Owner, &p.PassCollection, &p.PurchasedAt, &p.ExpiresAt, &p.IsActive, &bump); err != nil {
			return nil, err
		}
		p.Bump = uint8(bump)
		out = append(out, p)
	}
	return out, rows.Err()
}
