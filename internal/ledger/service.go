package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"entrypass.org/internal/ids"
)

// Service defines the settlement operations the purchase protocol rides
// on. Transfers are atomic: either the full amount moves or nothing does.
type Service interface {
	CreateWallet(ctx context.Context, address string, initial Money) (Wallet, error)
	GetWallet(ctx context.Context, address string) (Wallet, error)
	GetBalance(ctx context.Context, address, currency string) (Money, error)
	Transfer(ctx context.Context, from, to string, amt Money, idemKey string) (Transaction, error)
	ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	seq     uint64
	txs     []Transaction
	idem    map[string]Transaction // idemKey -> tx
}

// NewInMemory creates a fresh settlement ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		wallets: make(map[string]*Wallet),
		idem:    make(map[string]Transaction),
	}
}

func (s *InMemory) CreateWallet(ctx context.Context, address string, initial Money) (Wallet, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Wallet{}, ErrInvalidAddress
	}
	if initial.Currency == "" {
		return Wallet{}, ErrInvalidCurrency
	}
	if initial.Amount < 0 {
		return Wallet{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[address]; ok {
		return Wallet{}, ErrAlreadyExists
	}
	w := &Wallet{
		Address:   address,
		CreatedAt: time.Now().UTC(),
		Balances:  map[string]int64{initial.Currency: initial.Amount},
	}
	s.wallets[address] = w
	return copyWallet(w), nil
}

func (s *InMemory) GetWallet(ctx context.Context, address string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[address]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return copyWallet(w), nil
}

func (s *InMemory) GetBalance(ctx context.Context, address, currency string) (Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[address]
	if !ok {
		return Money{}, ErrNotFound
	}
	return Money{Currency: currency, Amount: w.Balances[currency]}, nil
}

// Transfer moves amt from one wallet to another. Zero amounts settle
// normally so free collections still journal their purchases; negative
// amounts are rejected.
func (s *InMemory) Transfer(ctx context.Context, from, to string, amt Money, idemKey string) (Transaction, error) {
	if amt.Amount < 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if amt.Currency == "" {
		return Transaction{}, ErrInvalidCurrency
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if tx, ok := s.idem[idemKey]; ok {
			return tx, nil
		}
	}

	src, ok := s.wallets[from]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	dst, ok := s.wallets[to]
	if !ok {
		return Transaction{}, ErrNotFound
	}

	if src.Balances[amt.Currency] < amt.Amount {
		return Transaction{}, ErrInsufficientFunds
	}

	src.Balances[amt.Currency] -= amt.Amount
	dst.Balances[amt.Currency] += amt.Amount

	s.seq++
	tx := Transaction{
		ID:             ids.New(),
		CreatedAt:      time.Now().UTC(),
		FromAddress:    from,
		ToAddress:      to,
		Currency:       amt.Currency,
		Amount:         amt.Amount,
		IdempotencyKey: idemKey,
		Sequence:       s.seq,
	}
	s.txs = append(s.txs, tx)
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx, nil
}

func (s *InMemory) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func copyWallet(w *Wallet) Wallet {
	out := *w
	out.Balances = make(map[string]int64, len(w.Balances))
	for k, v := range w.Balances {
		out.Balances[k] = v
	}
	return out
}
