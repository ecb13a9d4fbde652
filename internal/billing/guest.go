package billing

import (
	"dify-gateway/internal/cache"
	"sync"
)

// GuestCreditPolicy tracks credit balances for callers that cannot be
// matched to a registered account. Balances live only in process memory:
// unauthenticated trial usage is still rate-limited in spirit without
// requiring account creation. The seed value is a business policy default,
// not an invariant.
type GuestCreditPolicy struct {
	mu       sync.Mutex
	seed     int
	balances *cache.Cache[int]
}

// NewGuestCreditPolicy creates a policy seeding first-seen guests with
// seed credits.
func NewGuestCreditPolicy(seed int, balances *cache.Cache[int]) *GuestCreditPolicy {
	return &GuestCreditPolicy{seed: seed, balances: balances}
}

// Debit charges points against the guest's balance, seeding it on first
// sight, and returns the new balance clamped at 0.
func (g *GuestCreditPolicy) Debit(id string, points int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	balance, ok := g.balances.Get(id)
	if !ok {
		balance = g.seed
	}

	balance -= points
	if balance < 0 {
		balance = 0
	}
	g.balances.Set(id, balance)

	return balance
}

// Balance returns the guest's current balance and whether the guest has
// been seen before.
func (g *GuestCreditPolicy) Balance(id string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances.Get(id)
}
