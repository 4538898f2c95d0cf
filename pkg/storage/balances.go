package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/faucet"
	"github.com/openperp/simex/pkg/ledger"
)

// SaveBalance upserts the balance row for an address.
func (s *Store) SaveBalance(b *ledger.Balance) error {
	return s.setJSON(balanceKey(b.Address), b, pebble.Sync)
}

// LoadBalance returns the balance row, or nil when the address is unseen.
func (s *Store) LoadBalance(addr common.Address) (*ledger.Balance, error) {
	var b ledger.Balance
	ok, err := s.getJSON(balanceKey(addr), &b)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

// AppendBalanceChange journals one change-log entry. The sequence number
// keys the entry so a retried append is idempotent.
func (s *Store) AppendBalanceChange(c *ledger.Change) error {
	return s.setJSON(changeKey(c.Address, c.Seq), c, pebble.NoSync)
}

// BalanceChanges returns up to limit change-log entries for addr, newest
// first.
func (s *Store) BalanceChanges(addr common.Address, limit int) ([]ledger.Change, error) {
	var out []ledger.Change
	err := s.scanReverse([]byte("chg:"+addr.Hex()+":"), func(_, val []byte) bool {
		var c ledger.Change
		if jerr := unmarshalRow(val, &c); jerr == nil {
			out = append(out, c)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// SaveUser upserts a user record.
func (s *Store) SaveUser(u *account.User) error {
	return s.setJSON(userKey(u.Address), u, pebble.Sync)
}

// LoadUser returns the user record, or nil when unseen.
func (s *Store) LoadUser(addr common.Address) (*account.User, error) {
	var u account.User
	ok, err := s.getJSON(userKey(addr), &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

// SaveFaucetState upserts the faucet bookkeeping row.
func (s *Store) SaveFaucetState(st *faucet.State) error {
	return s.setJSON(faucetKey(st.Address), st, pebble.NoSync)
}

// LoadFaucetState returns the faucet row, or nil when the address has never
// claimed.
func (s *Store) LoadFaucetState(addr common.Address) (*faucet.State, error) {
	var st faucet.State
	ok, err := s.getJSON(faucetKey(addr), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}
