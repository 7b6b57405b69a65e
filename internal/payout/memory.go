// Package payout provides an in-memory value-transfer channel that credits
// recipient accounts. It stands in for the external payment rail in
// development and tests.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRecipientRejected = errors.New("payout: recipient rejected transfer")
	ErrInvalidAmount     = errors.New("payout: amount must be positive")
)

// Payment is one completed send.
type Payment struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	SentAt time.Time       `json:"sent_at"`
}

// Memory records payouts in process memory.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	rejected map[string]bool
	history  []Payment

	// OnReceive, if set, runs before the recipient is credited, outside the
	// lock, like a recipient's receive hook. An error fails the send.
	OnReceive func(ctx context.Context, to string, amount decimal.Decimal) error
}

// NewMemory creates an empty payout channel.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]decimal.Decimal),
		rejected: make(map[string]bool),
	}
}

// Reject makes every future send to account fail.
func (m *Memory) Reject(account string, reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reject {
		m.rejected[account] = true
	} else {
		delete(m.rejected, account)
	}
}

func (m *Memory) Send(ctx context.Context, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	rejected := m.rejected[to]
	m.mu.Unlock()
	if rejected {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to)
	}

	if m.OnReceive != nil {
		if err := m.OnReceive(ctx, to, amount); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] = m.balances[to].Add(amount)
	m.history = append(m.history, Payment{To: to, Amount: amount, SentAt: time.Now().UTC()})
	return nil
}

// Balance returns the total received by account.
func (m *Memory) Balance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// History returns all completed sends in order.
func (m *Memory) History() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payment, len(m.history))
	copy(out, m.history)
	return out
}
