package escrow

import (
	"fmt"
	"math/bits"

	apperrors "github.com/vinayprograms/taskescrow/errors"
)

// Account is a party's spendable balance outside custody.
type Account struct {
	Owner   Identity `json:"owner"`
	Balance uint64   `json:"balance"`
}

// Credit adds amount, rejecting wraparound.
func (a *Account) Credit(amount uint64) error {
	sum, carry := bits.Add64(a.Balance, amount, 0)
	if carry != 0 {
		return apperrors.New(apperrors.ErrCodeOverflow,
			fmt.Sprintf("balance of %s would overflow", a.Owner.Short()))
	}
	a.Balance = sum
	return nil
}

// Debit removes amount, rejecting a short balance.
func (a *Account) Debit(amount uint64) error {
	diff, borrow := bits.Sub64(a.Balance, amount, 0)
	if borrow != 0 {
		return apperrors.New(apperrors.ErrCodeInsufficientFunds,
			fmt.Sprintf("balance %d below %d", a.Balance, amount),
			apperrors.WithMetadata("account", a.Owner.String()))
	}
	a.Balance = diff
	return nil
}

// checkedIncrement returns n+1 or an overflow error.
func checkedIncrement(n uint64) (uint64, error) {
	sum, carry := bits.Add64(n, 1, 0)
	if carry != 0 {
		return 0, apperrors.New(apperrors.ErrCodeOverflow, "task counter overflow")
	}
	return sum, nil
}
