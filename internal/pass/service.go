// Package pass implements the pass-collection protocol: issuance,
// purchase, read-only verification and revocation of wallet-bound access
// passes. Entries live at deterministically derived addresses, so every
// protocol locates state without an index.
package pass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"entrypass.org/internal/addr"
	"entrypass.org/internal/ledger"
)

// Service defines the operations exposed to the presentation layer.
// Mutating operations take the acting wallet explicitly; an empty
// identity fails with ErrUnauthenticated.
type Service interface {
	CreateCollection(ctx context.Context, organizer string, in CreateCollectionInput) (PassCollection, error)
	Purchase(ctx context.Context, buyer, collectionAddr string) (UserPass, error)
	Verify(ctx context.Context, wallet, collectionAddr string) (Verification, error)
	VerifyAny(ctx context.Context, wallet string) (Verification, error)
	Revoke(ctx context.Context, issuer, passAddr, collectionAddr string) error

	GetCollection(ctx context.Context, address string) (PassCollection, error)
	GetUserPass(ctx context.Context, address string) (UserPass, error)
	ListCollections(ctx context.Context) ([]PassCollection, error)
	ListUserPasses(ctx context.Context, owner string) ([]UserPass, error)
}

// InMemory implements Service against process-local state with the
// settlement ledger as collaborator. It doubles as the demo backend:
// Reset drops every entry, so a process can reseed from scratch.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]*PassCollection // derived address -> entry
	passes      map[string]*UserPass       // derived address -> entry
	order       []string                   // collection insertion order
	passOrder   []string                   // pass insertion order
	settle      ledger.Service

	now func() int64 // overridable clock, Unix seconds
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty pass store settling against the given
// ledger.
func NewInMemory(settle ledger.Service) *InMemory {
	return &InMemory{
		collections: make(map[string]*PassCollection),
		passes:      make(map[string]*UserPass),
		settle:      settle,
		now:         func() int64 { return time.Now().Unix() },
	}
}

// Reset drops all entries. Demo/test use only; the settlement ledger is
// left untouched.
func (s *InMemory) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*PassCollection)
	s.passes = make(map[string]*UserPass)
	s.order = nil
	s.passOrder = nil
}

// CreateCollection runs the issuance protocol: derive the collection
// address from (organizer, name) and write the entry exactly once.
// Duplicate issuance fails, it never merges or overwrites.
func (s *InMemory) CreateCollection(ctx context.Context, organizer string, in CreateCollectionInput) (PassCollection, error) {
	organizer = strings.TrimSpace(organizer)
	if organizer == "" {
		return PassCollection{}, ErrUnauthenticated
	}
	if err := ValidateCreate(in); err != nil {
		return PassCollection{}, err
	}

	address, bump, err := addr.ForCollection(organizer, in.Name)
	if err != nil {
		return PassCollection{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[address]; ok {
		return PassCollection{}, fmt.Errorf("%w: collection %q already exists", ErrAlreadyExists, in.Name)
	}
	c := &PassCollection{
		Address:        address,
		Organizer:      organizer,
		Name:           in.Name,
		Description:    in.Description,
		Price:          in.Price,
		MaxSupply:      in.MaxSupply,
		CurrentSupply:  0,
		ValidityPeriod: in.ValidityPeriod,
		CreatedAt:      s.now(),
		Bump:           bump,
	}
	s.collections[address] = c
	s.order = append(s.order, address)
	return *c, nil
}

// Purchase runs the purchase protocol. Every precondition is checked
// under the store lock before settlement, so a settled payment always
// has its pass recorded: the only step after the transfer is the local
// write, which cannot fail.
func (s *InMemory) Purchase(ctx context.Context, buyer, collectionAddr string) (UserPass, error) {
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		return UserPass{}, ErrUnauthenticated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collectionAddr]
	if !ok {
		return UserPass{}, fmt.Errorf("%w: collection %s", ErrNotFound, collectionAddr)
	}
	if c.CurrentSupply >= c.MaxSupply {
		return UserPass{}, fmt.Errorf("%w: %q", ErrSupplyExhausted, c.Name)
	}

	passAddr, bump, err := addr.ForUserPass(c.Address, buyer)
	if err != nil {
		return UserPass{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, ok := s.passes[passAddr]; ok {
		return UserPass{}, fmt.Errorf("%w: wallet already holds a pass for %q", ErrAlreadyExists, c.Name)
	}

	// Settle price to the organizer. The derived pass address doubles as
	// the idempotency key, so a retried purchase cannot double-charge.
	_, err = s.settle.Transfer(ctx, buyer, c.Organizer,
		ledger.Money{Currency: ledger.Currency, Amount: c.Price}, passAddr)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrNotFound) {
			return UserPass{}, err
		}
		return UserPass{}, fmt.Errorf("%w: %v", ErrSettlementFailure, err)
	}

	now := s.now()
	p := &UserPass{
		Address:        passAddr,
		Owner:          buyer,
		PassCollection: c.Address,
		PurchasedAt:    now,
		ExpiresAt:      ResolveExpiry(now, c.ValidityPeriod),
		IsActive:       true,
		Bump:           bump,
	}
	s.passes[passAddr] = p
	s.passOrder = append(s.passOrder, passAddr)
	c.CurrentSupply++
	return *p, nil
}

// Verify answers whether wallet currently holds a valid pass for the
// given collection. Read-only; lookup faults degrade to a denial with a
// reason instead of an error.
func (s *InMemory) Verify(ctx context.Context, wallet, collectionAddr string) (Verification, error) {
	passAddr, _, err := addr.ForUserPass(collectionAddr, wallet)
	if err != nil {
		return LookupDenied(err), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.passes[passAddr]
	if !ok {
		return Denied(ReasonNotFound), nil
	}
	// Derivation already binds the address to the owner; the explicit
	// equality check guards against any entry recorded under a colliding
	// or corrupted address.
	if p.Owner != wallet {
		return Denied(ReasonNotFound), nil
	}
	c, ok := s.collections[p.PassCollection]
	if !ok {
		// Dangling back-reference: data-integrity fault, reported as a
		// denial like any other lookup problem.
		return Denied(ReasonDanglingOwner), nil
	}
	return Result(*p, *c, s.now()), nil
}

// VerifyAny scans every pass the wallet owns, in store order, and
// returns the first valid one.
func (s *InMemory) VerifyAny(ctx context.Context, wallet string) (Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, a := range s.passOrder {
		p := s.passes[a]
		if p.Owner != wallet {
			continue
		}
		c, ok := s.collections[p.PassCollection]
		if !ok {
			continue
		}
		if v := Result(*p, *c, now); v.Valid {
			return v, nil
		}
	}
	return Denied(ReasonNoActivePass), nil
}

// Revoke flips a pass inactive. Only the collection's organizer may do
// it, and only once.
func (s *InMemory) Revoke(ctx context.Context, issuer, passAddr, collectionAddr string) error {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return ErrUnauthenticated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collectionAddr]
	if !ok {
		return fmt.Errorf("%w: collection %s", ErrNotFound, collectionAddr)
	}
	if c.Organizer != issuer {
		return fmt.Errorf("%w: only the organizer may revoke", ErrUnauthorized)
	}
	p, ok := s.passes[passAddr]
	if !ok {
		return fmt.Errorf("%w: pass %s", ErrNotFound, passAddr)
	}
	if p.PassCollection != c.Address {
		return fmt.Errorf("%w: pass does not belong to collection", ErrUnauthorized)
	}
	if !p.IsActive {
		return fmt.Errorf("%w: pass already revoked", ErrAlreadyExists)
	}
	p.IsActive = false
	return nil
}

func (s *InMemory) GetCollection(ctx context.Context, address string) (PassCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[address]
	if !ok {
		return PassCollection{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) GetUserPass(ctx context.Context, address string) (UserPass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.passes[address]
	if !ok {
		return UserPass{}, ErrNotFound
	}
	return *p, nil
}

func (s *InMemory) ListCollections(ctx context.Context) ([]PassCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PassCollection, 0, len(s.order))
	for _, a := range s.order {
		out = append(out, *s.collections[a])
	}
	return out, nil
}

func (s *InMemory) ListUserPasses(ctx context.Context, owner string) ([]UserPass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserPass
	for _, a := range s.passOrder {
		if p := s.passes[a]; p.Owner == owner {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- shared protocol helpers ---

func ValidateCreate(in CreateCollectionInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" || name != in.Name {
		return fmt.Errorf("%w: name must be non-empty without surrounding whitespace", ErrInvalidInput)
	}
	if len(in.Name) > MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidInput, MaxNameLen)
	}
	if len(in.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidInput, MaxDescriptionLen)
	}
	if in.Price < 0 {
		return fmt.Errorf("%w: price must be >= 0", ErrInvalidInput)
	}
	if in.MaxSupply <= 0 {
		return fmt.Errorf("%w: max_supply must be > 0", ErrInvalidInput)
	}
	if in.ValidityPeriod < 0 {
		return fmt.Errorf("%w: validity_period_seconds must be >= 0", ErrInvalidInput)
	}
	return nil
}

// ResolveExpiry computes the purchase-time expiry; validity 0 means unlimited.
func ResolveExpiry(now, validity int64) int64 {
	if validity == 0 {
		return NoExpiry
	}
	return now + validity
}

