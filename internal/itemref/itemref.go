// Package itemref parses and normalizes item identifiers and amounts
// received from transports.
//
// A collection is either a registry contract address (0x followed by 40 hex
// digits, stored lowercased) or a slug such as "genesis-punks". An item ID
// is a non-negative decimal integer of any size; leading zeros are dropped
// so "007" and "7" name the same item.
package itemref

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

var (
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	slugRegex    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)
	itemIDRegex  = regexp.MustCompile(`^[0-9]{1,78}$`)
)

var (
	ErrInvalidCollection = errors.New("itemref: invalid collection")
	ErrInvalidItemID     = errors.New("itemref: invalid item id")
	ErrInvalidAmount     = errors.New("itemref: invalid amount")
)

// ParseCollection validates a collection identifier and returns its
// canonical form.
func ParseCollection(s string) (string, error) {
	s = strings.TrimSpace(s)
	if addressRegex.MatchString(s) {
		return strings.ToLower(s), nil
	}
	// 0x is reserved for addresses.
	if !strings.HasPrefix(s, "0x") && slugRegex.MatchString(s) {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q (expected 0x-address or lowercase slug)", ErrInvalidCollection, s)
}

// ParseItemID validates an item ID and strips leading zeros.
func ParseItemID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !itemIDRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected decimal integer)", ErrInvalidItemID, s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidItemID, s)
	}
	return n.String(), nil
}

// ParseKey parses both halves of a listing key.
func ParseKey(collection, itemID string) (model.ListingKey, error) {
	c, err := ParseCollection(collection)
	if err != nil {
		return model.ListingKey{}, err
	}
	id, err := ParseItemID(itemID)
	if err != nil {
		return model.ListingKey{}, err
	}
	return model.ListingKey{Collection: c, ItemID: id}, nil
}

// ParseAmount parses a decimal string. Range checks (positive, whole) are
// left to the ledger so its error taxonomy is preserved.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return amount, nil
}
