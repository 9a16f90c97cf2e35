package pass

import (
	"errors"
	"math"
)

// NoExpiry is the expires_at sentinel for passes bought from a collection
// with an unlimited validity period.
const NoExpiry int64 = math.MaxInt64

// Limits on user-supplied collection metadata. The name doubles as an
// address-derivation seed, which caps it at the seed capacity.
const (
	MaxNameLen        = 32
	MaxDescriptionLen = 200
)

// PassCollection is an organizer's offering: a named, priced,
// capacity-bounded class of access passes. All fields except
// CurrentSupply are immutable after creation. Timestamps are Unix
// seconds, the ledger-native unit.
type PassCollection struct {
	Address        string `json:"address"`
	Organizer      string `json:"organizer"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Price          int64  `json:"price"` // minor units
	MaxSupply      int64  `json:"max_supply"`
	CurrentSupply  int64  `json:"current_supply"`
	ValidityPeriod int64  `json:"validity_period"` // seconds; 0 = unlimited
	CreatedAt      int64  `json:"created_at"`
	Bump           uint8  `json:"bump"`
}

// UserPass is one buyer's purchased instance of a collection. IsActive
// flips to false exactly once, on revocation; nothing else ever mutates.
type UserPass struct {
	Address        string `json:"address"`
	Owner          string `json:"owner"`
	PassCollection string `json:"pass_collection"`
	PurchasedAt    int64  `json:"purchased_at"`
	ExpiresAt      int64  `json:"expires_at"` // NoExpiry when unlimited
	IsActive       bool   `json:"is_active"`
	Bump           uint8  `json:"bump"`
}

// Verification is the read-only answer to "does this wallet hold a valid
// pass". Lookup faults degrade to Valid=false with a reason rather than
// an error, so verifiers can render the result directly.
type Verification struct {
	Valid      bool            `json:"valid"`
	Reason     string          `json:"reason,omitempty"`
	Pass       *UserPass       `json:"pass,omitempty"`
	Collection *PassCollection `json:"collection,omitempty"`
}

var (
	ErrNotFound          = errors.New("pass: not found")
	ErrAlreadyExists     = errors.New("pass: already exists")
	ErrSupplyExhausted   = errors.New("pass: collection sold out")
	ErrUnauthorized      = errors.New("pass: unauthorized")
	ErrUnauthenticated   = errors.New("pass: no authorizing identity")
	ErrInvalidInput      = errors.New("pass: invalid input")
	ErrSettlementFailure = errors.New("pass: settlement failed")
	ErrLookupFailure     = errors.New("pass: lookup failed")
)

// CreateCollectionInput carries the issuance parameters.
type CreateCollectionInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Price          int64  `json:"price"`
	MaxSupply      int64  `json:"max_supply"`
	ValidityPeriod int64  `json:"validity_period_seconds"`
}
