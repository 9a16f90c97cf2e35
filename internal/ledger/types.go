package ledger

import (
	"errors"
	"time"
)

// Currency is the settlement currency for pass purchases; amounts are in
// its smallest denomination. No floats anywhere.
const Currency = "SOL"

// Money is an amount in minor units of a named currency.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// Wallet holds per-currency balances for one wallet address. The address
// is supplied by the caller (it is the wallet's public identity), not
// generated here.
type Wallet struct {
	Address   string           `json:"address"`
	CreatedAt time.Time        `json:"created_at"`
	Balances  map[string]int64 `json:"balances"` // currency -> minor units
}

// Transaction records a settled transfer between two wallets.
type Transaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	FromAddress    string    `json:"from_address"`
	ToAddress      string    `json:"to_address"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"` // minor units
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"` // monotonic sequence number
}

var (
	ErrNotFound          = errors.New("ledger: wallet not found")
	ErrAlreadyExists     = errors.New("ledger: wallet already exists")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrInvalidCurrency   = errors.New("ledger: invalid currency")
	ErrInvalidAddress    = errors.New("ledger: invalid wallet address")
)
