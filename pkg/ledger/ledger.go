// Package ledger implements the per-address balance ledger: free and locked
// pools, lifetime credit/debit totals, and an append-only change log.
// All mutations on one address are serialized by a per-address lock which
// callers may also hold across position updates (address before market).
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInsufficientFree   = errors.New("insufficient free balance")
	ErrInsufficientLocked = errors.New("insufficient locked balance")
)

// ChangeType enumerates ledger operations.
type ChangeType string

const (
	Credit ChangeType = "credit"
	Debit  ChangeType = "debit"
	Lock   ChangeType = "lock"
	Unlock ChangeType = "unlock"
)

// Change is one append-only entry in an address's change log.
type Change struct {
	ChangeID    string          `json:"changeId"`
	Address     common.Address  `json:"address"`
	Type        ChangeType      `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"referenceId"`
	FreeAfter   decimal.Decimal `json:"freeAfter"`
	LockedAfter decimal.Decimal `json:"lockedAfter"`
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Balance is the per-address balance row.
// Invariant: Free + Locked = TotalCredits − TotalDebits.
type Balance struct {
	Address      common.Address  `json:"address"`
	Free         decimal.Decimal `json:"free"`
	Locked       decimal.Decimal `json:"locked"`
	TotalCredits decimal.Decimal `json:"totalCredits"`
	TotalDebits  decimal.Decimal `json:"totalDebits"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store is the persistence surface the ledger needs.
type Store interface {
	SaveBalance(b *Balance) error
	AppendBalanceChange(c *Change) error
	LoadBalance(addr common.Address) (*Balance, error)
}

// Ledger holds authoritative balances in memory and journals every change to
// the store. Mutations on one address run under that address's lock.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*Balance
	locks    map[common.Address]*sync.Mutex

	seq   atomic.Uint64
	store Store
	log   *zap.SugaredLogger

	// OnChange is invoked after every committed mutation, outside no locks
	// held by the caller beyond the address lock. Used for user:ADDR fan-out.
	OnChange func(b Balance, c Change)
}

// New creates a ledger backed by store.
func New(store Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		balances: make(map[common.Address]*Balance),
		locks:    make(map[common.Address]*sync.Mutex),
		store:    store,
		log:      log,
	}
}

// AddressLock returns the mutex serializing mutations for addr, creating it
// on first use. Lock order is always address before market.
func (l *Ledger) AddressLock(addr common.Address) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[addr]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[addr] = mu
	}
	return mu
}

// getLocked returns the balance row for addr, loading it from the store or
// creating a zero row. Caller must hold the address lock.
func (l *Ledger) getLocked(addr common.Address) *Balance {
	l.mu.RLock()
	b, ok := l.balances[addr]
	l.mu.RUnlock()
	if ok {
		return b
	}

	b, err := l.store.LoadBalance(addr)
	if err != nil {
		l.log.Warnw("balance_load_failed", "address", addr.Hex(), "err", err)
	}
	if b == nil {
		b = &Balance{
			Address:      addr,
			Free:         decimal.Zero,
			Locked:       decimal.Zero,
			TotalCredits: decimal.Zero,
			TotalDebits:  decimal.Zero,
		}
	}

	l.mu.Lock()
	if existing, ok := l.balances[addr]; ok {
		b = existing
	} else {
		l.balances[addr] = b
	}
	l.mu.Unlock()
	return b
}

// Get returns a copy of the balance row for addr.
func (l *Ledger) Get(addr common.Address) Balance {
	mu := l.AddressLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return *l.getLocked(addr)
}

// Credit increases free balance. Takes the address lock.
func (l *Ledger) Credit(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	mu := l.AddressLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return l.CreditLocked(addr, amount, reason, referenceID)
}

// Debit decreases free balance. Takes the address lock.
func (l *Ledger) Debit(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	mu := l.AddressLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return l.DebitLocked(addr, amount, reason, referenceID)
}

// LockFunds moves free → locked. Takes the address lock.
func (l *Ledger) LockFunds(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	mu := l.AddressLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return l.LockFundsLocked(addr, amount, reason, referenceID)
}

// UnlockFunds moves locked → free. Takes the address lock.
func (l *Ledger) UnlockFunds(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	mu := l.AddressLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return l.UnlockFundsLocked(addr, amount, reason, referenceID)
}

// CreditLocked increases free + totalCredits. Caller holds the address lock.
func (l *Ledger) CreditLocked(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.getLocked(addr)
	b.Free = b.Free.Add(amount)
	b.TotalCredits = b.TotalCredits.Add(amount)
	return l.commit(b, Credit, amount, reason, referenceID)
}

// DebitLocked decreases free + increases totalDebits. Caller holds the lock.
func (l *Ledger) DebitLocked(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.getLocked(addr)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: free=%s need=%s", ErrInsufficientFree, b.Free, amount)
	}
	b.Free = b.Free.Sub(amount)
	b.TotalDebits = b.TotalDebits.Add(amount)
	return l.commit(b, Debit, amount, reason, referenceID)
}

// LockFundsLocked moves free → locked atomically. Caller holds the lock.
func (l *Ledger) LockFundsLocked(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.getLocked(addr)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: free=%s need=%s", ErrInsufficientFree, b.Free, amount)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return l.commit(b, Lock, amount, reason, referenceID)
}

// UnlockFundsLocked moves locked → free. Caller holds the lock.
func (l *Ledger) UnlockFundsLocked(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.getLocked(addr)
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: locked=%s need=%s", ErrInsufficientLocked, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	return l.commit(b, Unlock, amount, reason, referenceID)
}

// SpendLockedLocked consumes locked funds without returning them to free:
// the margin handed to a position on fill, or forfeited on liquidation.
// Recorded as a debit so the conservation law holds.
func (l *Ledger) SpendLockedLocked(addr common.Address, amount decimal.Decimal, reason, referenceID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.getLocked(addr)
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: locked=%s need=%s", ErrInsufficientLocked, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.TotalDebits = b.TotalDebits.Add(amount)
	return l.commit(b, Debit, amount, reason, referenceID)
}

func (l *Ledger) commit(b *Balance, typ ChangeType, amount decimal.Decimal, reason, referenceID string) error {
	now := time.Now()
	b.UpdatedAt = now
	c := &Change{
		ChangeID:    uuid.NewString(),
		Address:     b.Address,
		Type:        typ,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		FreeAfter:   b.Free,
		LockedAfter: b.Locked,
		Seq:         l.seq.Add(1),
		Timestamp:   now,
	}

	if err := l.store.SaveBalance(b); err != nil {
		l.log.Errorw("balance_save_failed", "address", b.Address.Hex(), "err", err)
	}
	if err := l.store.AppendBalanceChange(c); err != nil {
		l.log.Errorw("balance_change_append_failed", "address", b.Address.Hex(), "err", err)
	}

	if l.OnChange != nil {
		l.OnChange(*b, *c)
	}
	return nil
}
