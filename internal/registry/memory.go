// Package registry provides an in-memory item registry with ERC-721 style
// ownership and approvals. It stands in for the external registry in
// development and tests.
//
// State:
//   - owners: item → owner
//   - approved: item → single approved operator (cleared on transfer)
//   - operators: owner → operator → approved for all of owner's items
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/nft-market/internal/model"
)

var (
	ErrAlreadyMinted  = errors.New("registry: item already minted")
	ErrNotOwner       = errors.New("registry: from is not the current owner")
	ErrInvalidAccount = errors.New("registry: empty account")
)

// Memory is a thread-safe in-memory item registry.
type Memory struct {
	mu        sync.RWMutex
	owners    map[model.ListingKey]string
	approved  map[model.ListingKey]string
	operators map[string]map[string]bool

	// OnTransfer, if set, runs after each successful transfer, outside the
	// registry lock. Tests use it to observe or re-enter callers.
	OnTransfer func(ctx context.Context, key model.ListingKey, from, to string) error
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{
		owners:    make(map[model.ListingKey]string),
		approved:  make(map[model.ListingKey]string),
		operators: make(map[string]map[string]bool),
	}
}

// Mint creates a new item owned by owner.
func (m *Memory) Mint(key model.ListingKey, owner string) error {
	if owner == "" {
		return ErrInvalidAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyMinted, key)
	}
	m.owners[key] = owner
	return nil
}

// Approve lets operator transfer one item. Only the owner may approve.
func (m *Memory) Approve(key model.ListingKey, owner, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owners[key] != owner || owner == "" {
		return ErrNotOwner
	}
	if operator == "" {
		delete(m.approved, key)
		return nil
	}
	m.approved[key] = operator
	return nil
}

// SetApprovalForAll grants or revokes operator rights over every item of owner.
func (m *Memory) SetApprovalForAll(owner, operator string, approved bool) error {
	if owner == "" || operator == "" {
		return ErrInvalidAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, ok := m.operators[owner]
	if !ok {
		ops = make(map[string]bool)
		m.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
	return nil
}

func (m *Memory) OwnerOf(_ context.Context, key model.ListingKey) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[key], nil
}

func (m *Memory) IsApprovedForOperator(_ context.Context, key model.ListingKey, operator string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner, ok := m.owners[key]
	if !ok {
		return false, nil
	}
	return m.approved[key] == operator || m.operators[owner][operator], nil
}

// Transfer moves the item when from is the current owner. The per-item
// approval is cleared; operator-wide approvals stay with the old owner.
func (m *Memory) Transfer(ctx context.Context, key model.ListingKey, from, to string) error {
	if to == "" {
		return ErrInvalidAccount
	}

	m.mu.Lock()
	if m.owners[key] != from || from == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	prevApproved, hadApproval := m.approved[key]
	m.owners[key] = to
	delete(m.approved, key)
	m.mu.Unlock()

	// A failing hook rejects the item, like a receiver refusing it.
	if m.OnTransfer != nil {
		if err := m.OnTransfer(ctx, key, from, to); err != nil {
			m.mu.Lock()
			m.owners[key] = from
			if hadApproval {
				m.approved[key] = prevApproved
			}
			m.mu.Unlock()
			return err
		}
	}
	return nil
}
