package ledger

import "errors"

// Operation failures. Every failure leaves ledger state unchanged.
var (
	ErrInvalidPrice   = errors.New("ledger: price must be a positive whole amount")
	ErrAlreadyListed  = errors.New("ledger: item already listed")
	ErrNotListed      = errors.New("ledger: item not listed")
	ErrNotOwner       = errors.New("ledger: requester is not the owner")
	ErrNotApproved    = errors.New("ledger: marketplace not approved for item")
	ErrPriceNotMet    = errors.New("ledger: payment below listing price")
	ErrNoProceeds     = errors.New("ledger: no proceeds to withdraw")
	ErrTransferFailed = errors.New("ledger: transfer failed")

	// ErrReentrantTransfer is returned to a collaborator that calls back
	// into buy or withdraw while another operation is still in flight.
	ErrReentrantTransfer = errors.New("ledger: transfer not allowed inside another operation")
)

var reasons = []struct {
	err  error
	name string
}{
	// Checked first: its cause may itself be a ledger error from a
	// collaborator that re-entered the ledger.
	{ErrTransferFailed, "transfer_failed"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrAlreadyListed, "already_listed"},
	{ErrNotListed, "not_listed"},
	{ErrNotOwner, "not_owner"},
	{ErrNotApproved, "not_approved"},
	{ErrPriceNotMet, "price_not_met"},
	{ErrNoProceeds, "no_proceeds"},
	{ErrReentrantTransfer, "reentrant_transfer"},
}

// Reason returns a short stable name for err: "ok" for nil, the failure
// name for a ledger error, "internal" otherwise. Used as a metrics label
// and in transport error bodies.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "internal"
}
