// Package ledger implements the fungible settlement-token ledger: balances,
// allowances and total supply.
//
// The ledger is the only writer of the balance table. It holds no state of
// its own; every operation runs against the BalanceTable of the caller's
// store transaction, so a failure anywhere in that transaction discards the
// ledger's writes as well. Conservation holds by construction: transfers
// move value between accounts, and only Mint and Burn change supply, each by
// exactly the amount credited or debited.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/store"
)

var (
	ErrUnauthorized          = fmt.Errorf("ledger: %w", apperr.ErrUnauthorized)
	ErrInsufficientBalance   = fmt.Errorf("ledger: insufficient balance: %w", apperr.ErrInsufficientFunds)
	ErrInsufficientAllowance = fmt.Errorf("ledger: insufficient allowance: %w", apperr.ErrInsufficientFunds)
	ErrZeroAmount            = fmt.Errorf("ledger: amount must be positive: %w", apperr.ErrValidation)
	ErrEmptyAccount          = fmt.Errorf("ledger: account must not be empty: %w", apperr.ErrValidation)

	// ErrConservation is returned by Audit when balances do not sum to supply.
	ErrConservation = errors.New("ledger: balances do not sum to total supply")
)

// Config names the privileged accounts.
type Config struct {
	// Authority may mint to and burn from any account.
	Authority string
	// Minters may mint in addition to the authority.
	Minters []string
	// Burners may burn their own balance (protocol loss sinks).
	Burners []string
}

// Ledger applies token operations to a store transaction.
type Ledger struct {
	authority string
	minters   map[string]bool
	burners   map[string]bool
}

// New creates a ledger with the given roles.
func New(cfg Config) *Ledger {
	l := &Ledger{
		authority: cfg.Authority,
		minters:   make(map[string]bool),
		burners:   make(map[string]bool),
	}
	for _, m := range cfg.Minters {
		l.minters[m] = true
	}
	for _, b := range cfg.Burners {
		l.burners[b] = true
	}
	return l
}

// Authority returns the mint/burn authority account.
func (l *Ledger) Authority() string { return l.authority }

// CanMint reports whether caller holds the mint role.
func (l *Ledger) CanMint(caller string) bool {
	return caller != "" && (caller == l.authority || l.minters[caller])
}

// CanBurn reports whether caller may burn from account.
func (l *Ledger) CanBurn(caller, account string) bool {
	if caller == "" {
		return false
	}
	return caller == l.authority || (l.burners[caller] && caller == account)
}

// ValidateAccounts rejects empty or malformed account ids. It reads no
// state.
func ValidateAccounts(accounts ...string) error {
	for _, a := range accounts {
		if a == "" {
			return ErrEmptyAccount
		}
		if err := model.ValidateID(a); err != nil {
			return fmt.Errorf("ledger: account: %w", err)
		}
	}
	return nil
}

// ValidateAmount rejects zero amounts and empty or malformed accounts. It
// reads no state.
func ValidateAmount(amount fixed.Amount, accounts ...string) error {
	if err := ValidateAccounts(accounts...); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

// Mint creates amount new tokens in account.
func (l *Ledger) Mint(ctx context.Context, bt store.BalanceTable, caller, account string, amount fixed.Amount) error {
	if !l.CanMint(caller) {
		return fmt.Errorf("mint by %q: %w", caller, ErrUnauthorized)
	}
	if err := ValidateAmount(amount, account); err != nil {
		return err
	}

	supply, err := bt.Supply(ctx)
	if err != nil {
		return err
	}
	newSupply, err := supply.Add(amount)
	if err != nil {
		return fmt.Errorf("ledger: mint supply: %w", err)
	}
	if err := l.credit(ctx, bt, account, amount); err != nil {
		return err
	}
	return bt.SetSupply(ctx, newSupply)
}

// Burn destroys amount tokens held by account.
func (l *Ledger) Burn(ctx context.Context, bt store.BalanceTable, caller, account string, amount fixed.Amount) error {
	if !l.CanBurn(caller, account) {
		return fmt.Errorf("burn by %q from %q: %w", caller, account, ErrUnauthorized)
	}
	if err := ValidateAmount(amount, account); err != nil {
		return err
	}

	if err := l.debit(ctx, bt, account, amount); err != nil {
		return err
	}
	supply, err := bt.Supply(ctx)
	if err != nil {
		return err
	}
	newSupply, err := supply.Sub(amount)
	if err != nil {
		return fmt.Errorf("ledger: burn supply: %w", err)
	}
	return bt.SetSupply(ctx, newSupply)
}

// Transfer moves amount from one account to another. A self-transfer checks
// the balance and otherwise changes nothing.
func (l *Ledger) Transfer(ctx context.Context, bt store.BalanceTable, from, to string, amount fixed.Amount) error {
	if err := ValidateAmount(amount, from, to); err != nil {
		return err
	}
	return l.move(ctx, bt, from, to, amount)
}

// Approve sets the amount spender may move out of owner's balance. A zero
// amount revokes the allowance.
func (l *Ledger) Approve(ctx context.Context, bt store.BalanceTable, owner, spender string, amount fixed.Amount) error {
	if err := ValidateAccounts(owner, spender); err != nil {
		return err
	}
	return bt.SetAllowance(ctx, owner, spender, amount)
}

// TransferFrom moves amount from owner to "to" on behalf of spender,
// consuming allowance.
func (l *Ledger) TransferFrom(ctx context.Context, bt store.BalanceTable, spender, owner, to string, amount fixed.Amount) error {
	if err := ValidateAmount(amount, spender, owner, to); err != nil {
		return err
	}

	allowance, err := bt.Allowance(ctx, owner, spender)
	if err != nil {
		return err
	}
	remaining, err := allowance.Sub(amount)
	if err != nil {
		return fmt.Errorf("spender %q needs %s, allowed %s: %w", spender, amount, allowance, ErrInsufficientAllowance)
	}
	if err := l.move(ctx, bt, owner, to, amount); err != nil {
		return err
	}
	return bt.SetAllowance(ctx, owner, spender, remaining)
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(ctx context.Context, bt store.BalanceTable, account string) (fixed.Amount, error) {
	return bt.Balance(ctx, account)
}

// Audit verifies that the balances sum to the total supply and returns both.
func (l *Ledger) Audit(ctx context.Context, bt store.BalanceTable) (sum, supply fixed.Amount, err error) {
	all, err := bt.All(ctx)
	if err != nil {
		return sum, supply, err
	}
	for _, v := range all {
		if sum, err = sum.Add(v); err != nil {
			return sum, supply, err
		}
	}
	if supply, err = bt.Supply(ctx); err != nil {
		return sum, supply, err
	}
	if !sum.Equal(supply) {
		return sum, supply, fmt.Errorf("%w: sum %s, supply %s", ErrConservation, sum, supply)
	}
	return sum, supply, nil
}

func (l *Ledger) move(ctx context.Context, bt store.BalanceTable, from, to string, amount fixed.Amount) error {
	if err := l.debit(ctx, bt, from, amount); err != nil {
		return err
	}
	return l.credit(ctx, bt, to, amount)
}

func (l *Ledger) debit(ctx context.Context, bt store.BalanceTable, account string, amount fixed.Amount) error {
	bal, err := bt.Balance(ctx, account)
	if err != nil {
		return err
	}
	next, err := bal.Sub(amount)
	if err != nil {
		return fmt.Errorf("account %q has %s, needs %s: %w", account, bal, amount, ErrInsufficientBalance)
	}
	return bt.SetBalance(ctx, account, next)
}

func (l *Ledger) credit(ctx context.Context, bt store.BalanceTable, account string, amount fixed.Amount) error {
	bal, err := bt.Balance(ctx, account)
	if err != nil {
		return err
	}
	next, err := bal.Add(amount)
	if err != nil {
		return fmt.Errorf("ledger: credit %q: %w", account, err)
	}
	return bt.SetBalance(ctx, account, next)
}
