package pass

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"entrypass.org/internal/ledger"
)

func newTestService(t *testing.T) (*InMemory, *ledger.InMemory) {
	t.Helper()
	settle := ledger.NewInMemory()
	return NewInMemory(settle), settle
}

func fund(t *testing.T, settle *ledger.InMemory, wallet string, amount int64) {
	t.Helper()
	if _, err := settle.CreateWallet(context.Background(), wallet, ledger.Money{Currency: ledger.Currency, Amount: amount}); err != nil {
		t.Fatalf("fund %s: %v", wallet, err)
	}
}

func mustCreate(t *testing.T, s *InMemory, organizer string, in CreateCollectionInput) PassCollection {
	t.Helper()
	c, err := s.CreateCollection(context.Background(), organizer, in)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	return c
}

func TestCreateCollectionOncePerName(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)

	in := CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 2, ValidityPeriod: 3600}
	c := mustCreate(t, s, "org", in)
	if c.CurrentSupply != 0 || c.Address == "" {
		t.Fatalf("unexpected collection: %#v", c)
	}

	if _, err := s.CreateCollection(context.Background(), "org", in); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate issuance: want ErrAlreadyExists, got %v", err)
	}

	// A different organizer may reuse the name.
	if _, err := s.CreateCollection(context.Background(), "other-org", in); err != nil {
		t.Fatalf("name reuse across organizers should succeed: %v", err)
	}
}

func TestCreateCollectionValidation(t *testing.T) {
	s, _ := newTestService(t)
	cases := []CreateCollectionInput{
		{Name: "", MaxSupply: 1},
		{Name: " padded ", MaxSupply: 1},
		{Name: strings.Repeat("n", MaxNameLen+1), MaxSupply: 1},
		{Name: "ok", Description: strings.Repeat("d", MaxDescriptionLen+1), MaxSupply: 1},
		{Name: "ok", MaxSupply: 0},
		{Name: "ok", MaxSupply: -1},
		{Name: "ok", MaxSupply: 1, Price: -5},
		{Name: "ok", MaxSupply: 1, ValidityPeriod: -1},
	}
	for i, in := range cases {
		if _, err := s.CreateCollection(context.Background(), "org", in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: want ErrInvalidInput, got %v", i, err)
		}
	}
	if _, err := s.CreateCollection(context.Background(), "", CreateCollectionInput{Name: "ok", MaxSupply: 1}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("blank organizer: want ErrUnauthenticated, got %v", err)
	}
}

func TestPurchaseSettlesAndRecords(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 2, ValidityPeriod: 3600})

	p, err := s.Purchase(context.Background(), "buyer", c.Address)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsActive || p.Owner != "buyer" || p.PassCollection != c.Address {
		t.Fatalf("unexpected pass: %#v", p)
	}
	if p.ExpiresAt != p.PurchasedAt+3600 {
		t.Fatalf("expiry mismatch: purchased=%d expires=%d", p.PurchasedAt, p.ExpiresAt)
	}

	got, _ := s.GetCollection(context.Background(), c.Address)
	if got.CurrentSupply != 1 {
		t.Fatalf("supply not incremented: %d", got.CurrentSupply)
	}

	orgBal, _ := settle.GetBalance(context.Background(), "org", ledger.Currency)
	buyerBal, _ := settle.GetBalance(context.Background(), "buyer", ledger.Currency)
	if orgBal.Amount != 100 || buyerBal.Amount != 400 {
		t.Fatalf("settlement mismatch: org=%d buyer=%d", orgBal.Amount, buyerBal.Amount)
	}
}

func TestPurchaseOncePerBuyer(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 5})

	if _, err := s.Purchase(context.Background(), "buyer", c.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Purchase(context.Background(), "buyer", c.Address); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	got, _ := s.GetCollection(context.Background(), c.Address)
	if got.CurrentSupply != 1 {
		t.Fatalf("rejected purchase changed supply: %d", got.CurrentSupply)
	}
	buyerBal, _ := settle.GetBalance(context.Background(), "buyer", ledger.Currency)
	if buyerBal.Amount != 400 {
		t.Fatalf("rejected purchase double-charged: %d", buyerBal.Amount)
	}
}

func TestPurchaseFailures(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "poor", 10)

	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 1})

	if _, err := s.Purchase(context.Background(), "buyer", "no-such-collection"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.Purchase(context.Background(), "", c.Address); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
	if _, err := s.Purchase(context.Background(), "poor", c.Address); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	// The failed settlement must not have created a pass or bumped supply.
	got, _ := s.GetCollection(context.Background(), c.Address)
	if got.CurrentSupply != 0 {
		t.Fatalf("failed purchase mutated supply: %d", got.CurrentSupply)
	}
	if passes, _ := s.ListUserPasses(context.Background(), "poor"); len(passes) != 0 {
		t.Fatalf("failed purchase recorded a pass: %v", passes)
	}
	// A buyer with no settlement wallet fails cleanly too.
	if _, err := s.Purchase(context.Background(), "ghost", c.Address); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("want ledger.ErrNotFound, got %v", err)
	}
}

func TestSupplyBoundUnderConcurrency(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	const N = 3
	const buyers = 20
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Limited", Price: 10, MaxSupply: N})

	names := make([]string, buyers)
	for i := range names {
		names[i] = "buyer-" + strings.Repeat("x", i%5) + string(rune('a'+i))
		fund(t, settle, names[i], 100)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, b := range names {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			if _, err := s.Purchase(context.Background(), buyer, c.Address); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()

	if succeeded != N {
		t.Fatalf("expected exactly %d successful purchases, got %d", N, succeeded)
	}
	got, _ := s.GetCollection(context.Background(), c.Address)
	if got.CurrentSupply != N {
		t.Fatalf("supply bound violated: %d", got.CurrentSupply)
	}
}

func TestConcurrentSameBuyerSinglePass(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 10_000)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 100})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Purchase(context.Background(), "buyer", c.Address)
		}()
	}
	wg.Wait()

	passes, _ := s.ListUserPasses(context.Background(), "buyer")
	if len(passes) != 1 {
		t.Fatalf("expected exactly one pass, got %d", len(passes))
	}
	bal, _ := settle.GetBalance(context.Background(), "buyer", ledger.Currency)
	if bal.Amount != 9_900 {
		t.Fatalf("buyer charged more than once: %d", bal.Amount)
	}
}

func TestVerifyExpiry(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)

	var now int64 = 1_000_000
	s.now = func() int64 { return now }

	const V = 3600
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 2, ValidityPeriod: V})
	purchasedAt := now
	if _, err := s.Purchase(context.Background(), "buyer", c.Address); err != nil {
		t.Fatal(err)
	}

	now = purchasedAt + V - 1
	v, err := s.Verify(context.Background(), "buyer", c.Address)
	if err != nil || !v.Valid {
		t.Fatalf("expected valid just before expiry: %v %v", v, err)
	}

	now = purchasedAt + V + 1
	v, _ = s.Verify(context.Background(), "buyer", c.Address)
	if v.Valid {
		t.Fatal("expected invalid after expiry")
	}
	if v.Reason != ReasonExpired {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestVerifyNoExpirySentinel(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)

	var now int64 = 1_000_000
	s.now = func() int64 { return now }

	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Forever", Price: 100, MaxSupply: 2, ValidityPeriod: 0})
	p, err := s.Purchase(context.Background(), "buyer", c.Address)
	if err != nil {
		t.Fatal(err)
	}
	if p.ExpiresAt != NoExpiry {
		t.Fatalf("expected sentinel expiry, got %d", p.ExpiresAt)
	}

	for _, offset := range []int64{0, 1, 1 << 20, 1 << 40} {
		now = 1_000_000 + offset
		v, _ := s.Verify(context.Background(), "buyer", c.Address)
		if !v.Valid {
			t.Fatalf("sentinel pass expired at offset %d: %q", offset, v.Reason)
		}
	}
}

func TestCaseVariantWalletsAreDistinctBuyers(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "ab", 500)
	fund(t, settle, "AB", 500)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 5})

	p1, err := s.Purchase(context.Background(), "ab", c.Address)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Purchase(context.Background(), "AB", c.Address)
	if err != nil {
		t.Fatalf("case-variant wallet treated as existing buyer: %v", err)
	}
	if p1.Address == p2.Address {
		t.Fatal("distinct buyers share a pass address")
	}

	for _, w := range []string{"ab", "AB"} {
		v, err := s.Verify(context.Background(), w, c.Address)
		if err != nil {
			t.Fatal(err)
		}
		if !v.Valid || v.Pass.Owner != w {
			t.Fatalf("wallet %q: unexpected verification %#v", w, v)
		}
	}

	got, _ := s.GetCollection(context.Background(), c.Address)
	if got.CurrentSupply != 2 {
		t.Fatalf("expected two recorded passes, supply=%d", got.CurrentSupply)
	}
}

func TestVerifyRejectsForeignOwner(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 2})
	p, err := s.Purchase(context.Background(), "buyer", c.Address)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an entry recorded under the wrong address: the stored
	// owner disagrees with the verifying wallet.
	s.mu.Lock()
	s.passes[p.Address].Owner = "someone-else"
	s.mu.Unlock()

	v, err := s.Verify(context.Background(), "buyer", c.Address)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.Reason != ReasonNotFound {
		t.Fatalf("foreign-owned pass verified: %#v", v)
	}
}

func TestVerifyNotFound(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 0, MaxSupply: 1})

	v, err := s.Verify(context.Background(), "stranger", c.Address)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.Reason != ReasonNotFound {
		t.Fatalf("unexpected verification: %#v", v)
	}
}

func TestVerifyAnyPicksValidPass(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)

	var now int64 = 1_000_000
	s.now = func() int64 { return now }

	short := mustCreate(t, s, "org", CreateCollectionInput{Name: "Short", Price: 10, MaxSupply: 5, ValidityPeriod: 60})
	long := mustCreate(t, s, "org", CreateCollectionInput{Name: "Long", Price: 10, MaxSupply: 5, ValidityPeriod: 0})
	if _, err := s.Purchase(context.Background(), "buyer", short.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Purchase(context.Background(), "buyer", long.Address); err != nil {
		t.Fatal(err)
	}

	now += 120 // short pass is expired now
	v, err := s.VerifyAny(context.Background(), "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid {
		t.Fatalf("expected one valid pass: %q", v.Reason)
	}
	if v.Pass.PassCollection != long.Address {
		t.Fatalf("picked the wrong pass: %s", v.Pass.PassCollection)
	}

	v, _ = s.VerifyAny(context.Background(), "nobody")
	if v.Valid || v.Reason != ReasonNoActivePass {
		t.Fatalf("unexpected verification: %#v", v)
	}
}

func TestRevocationIsTerminal(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 2})
	p, err := s.Purchase(context.Background(), "buyer", c.Address)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Revoke(context.Background(), "intruder", p.Address, c.Address); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-organizer revoke: want ErrUnauthorized, got %v", err)
	}
	if err := s.Revoke(context.Background(), "org", p.Address, c.Address); err != nil {
		t.Fatal(err)
	}

	v, _ := s.Verify(context.Background(), "buyer", c.Address)
	if v.Valid || v.Reason != ReasonRevoked {
		t.Fatalf("unexpected verification after revoke: %#v", v)
	}

	if err := s.Revoke(context.Background(), "org", p.Address, c.Address); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second revoke: want ErrAlreadyExists, got %v", err)
	}
}

func TestFetchesAreIdempotent(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	fund(t, settle, "buyer", 500)
	c := mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 100, MaxSupply: 2, ValidityPeriod: 3600})
	p, err := s.Purchase(context.Background(), "buyer", c.Address)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := s.GetCollection(context.Background(), c.Address)
	c2, _ := s.GetCollection(context.Background(), c.Address)
	if c1 != c2 {
		t.Fatalf("collection reads diverged: %#v vs %#v", c1, c2)
	}
	p1, _ := s.GetUserPass(context.Background(), p.Address)
	p2, _ := s.GetUserPass(context.Background(), p.Address)
	if p1 != p2 {
		t.Fatalf("pass reads diverged: %#v vs %#v", p1, p2)
	}
}

// Full scenario from the protocol description: two purchases up to the
// cap, a third rejected, one revocation.
func TestScenarioConfCollection(t *testing.T) {
	s, settle := newTestService(t)
	ctx := context.Background()
	fund(t, settle, "organizer-i", 0)
	for _, b := range []string{"buyer-a", "buyer-b", "buyer-c"} {
		fund(t, settle, b, 1_000)
	}

	c := mustCreate(t, s, "organizer-i", CreateCollectionInput{
		Name: "Conf", Price: 100, MaxSupply: 2, ValidityPeriod: 3600,
	})

	pa, err := s.Purchase(ctx, "buyer-a", c.Address)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetCollection(ctx, c.Address); got.CurrentSupply != 1 {
		t.Fatalf("supply after A: %d", got.CurrentSupply)
	}

	if _, err := s.Purchase(ctx, "buyer-b", c.Address); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetCollection(ctx, c.Address); got.CurrentSupply != 2 {
		t.Fatalf("supply after B: %d", got.CurrentSupply)
	}

	if _, err := s.Purchase(ctx, "buyer-c", c.Address); !errors.Is(err, ErrSupplyExhausted) {
		t.Fatalf("want ErrSupplyExhausted, got %v", err)
	}
	if got, _ := s.GetCollection(ctx, c.Address); got.CurrentSupply != 2 {
		t.Fatalf("failed purchase changed supply: %d", got.CurrentSupply)
	}

	if err := s.Revoke(ctx, "organizer-i", pa.Address, c.Address); err != nil {
		t.Fatal(err)
	}
	va, _ := s.Verify(ctx, "buyer-a", c.Address)
	if va.Valid {
		t.Fatal("A's revoked pass still verifies")
	}
	vb, _ := s.Verify(ctx, "buyer-b", c.Address)
	if !vb.Valid {
		t.Fatalf("B's pass should remain valid: %q", vb.Reason)
	}
}

func TestReset(t *testing.T) {
	s, settle := newTestService(t)
	fund(t, settle, "org", 0)
	mustCreate(t, s, "org", CreateCollectionInput{Name: "Conf", Price: 0, MaxSupply: 1})

	s.Reset()
	cols, _ := s.ListCollections(context.Background())
	if len(cols) != 0 {
		t.Fatalf("reset left %d collections", len(cols))
	}
}
