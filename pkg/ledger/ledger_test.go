package ledger

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu       sync.Mutex
	balances map[common.Address]Balance
	changes  []Change
}

func newMemStore() *memStore {
	return &memStore{balances: make(map[common.Address]Balance)}
}

func (m *memStore) SaveBalance(b *Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Address] = *b
	return nil
}

func (m *memStore) AppendBalanceChange(c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, *c)
	return nil
}

func (m *memStore) LoadBalance(addr common.Address) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[addr]; ok {
		return &b, nil
	}
	return nil, nil
}

var addr = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Ledger, *memStore) {
	t.Helper()
	st := newMemStore()
	return New(st, zap.NewNop().Sugar()), st
}

func TestCreditDebitLockUnlock(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.Credit(addr, d("1000"), "faucet", "r1"))
	require.NoError(t, l.LockFunds(addr, d("300"), "order:margin", "r2"))
	require.NoError(t, l.Debit(addr, d("100"), "fee", "r3"))
	require.NoError(t, l.UnlockFunds(addr, d("50"), "order:cancel", "r4"))

	b := l.Get(addr)
	require.True(t, b.Free.Equal(d("650")), "free = %s", b.Free)
	require.True(t, b.Locked.Equal(d("250")), "locked = %s", b.Locked)
}

func TestConservationLaw(t *testing.T) {
	l, st := newTestLedger(t)

	require.NoError(t, l.Credit(addr, d("500"), "faucet", "r1"))
	require.NoError(t, l.LockFunds(addr, d("200"), "order:margin", "r2"))
	require.NoError(t, l.SpendLockedLocked(addr, d("120"), "position:open", "r3"))
	require.NoError(t, l.Credit(addr, d("80"), "position:reduce", "r4"))
	require.NoError(t, l.Debit(addr, d("30"), "withdraw", "r5"))

	// free + locked = totalCredits − totalDebits after every sequence.
	b := l.Get(addr)
	require.True(t, b.Free.Add(b.Locked).Equal(b.TotalCredits.Sub(b.TotalDebits)),
		"free=%s locked=%s credits=%s debits=%s", b.Free, b.Locked, b.TotalCredits, b.TotalDebits)

	// Every mutation journaled an entry with monotonically increasing seq.
	require.Len(t, st.changes, 5)
	for i := 1; i < len(st.changes); i++ {
		require.Greater(t, st.changes[i].Seq, st.changes[i-1].Seq)
	}
}

func TestInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger(t)

	require.ErrorIs(t, l.Debit(addr, d("1"), "fee", "r1"), ErrInsufficientFree)
	require.ErrorIs(t, l.LockFunds(addr, d("1"), "order:margin", "r2"), ErrInsufficientFree)
	require.ErrorIs(t, l.UnlockFunds(addr, d("1"), "order:cancel", "r3"), ErrInsufficientLocked)

	require.NoError(t, l.Credit(addr, d("10"), "faucet", "r4"))
	require.ErrorIs(t, l.LockFunds(addr, d("11"), "order:margin", "r5"), ErrInsufficientFree)

	// Failed operations leave no trace.
	b := l.Get(addr)
	require.True(t, b.Free.Equal(d("10")))
	require.True(t, b.Locked.IsZero())
}

func TestInvalidAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	require.ErrorIs(t, l.Credit(addr, decimal.Zero, "x", "r"), ErrInvalidAmount)
	require.ErrorIs(t, l.Debit(addr, d("-5"), "x", "r"), ErrInvalidAmount)
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Credit(addr, d("1000"), "seed", "r0"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Credit(addr, d("1"), "drip", "")
			_ = l.Debit(addr, d("1"), "drain", "")
		}()
	}
	wg.Wait()

	b := l.Get(addr)
	require.True(t, b.Free.Equal(d("1000")), "free = %s", b.Free)
	require.True(t, b.Free.Add(b.Locked).Equal(b.TotalCredits.Sub(b.TotalDebits)))
}

func TestOnChangeFires(t *testing.T) {
	l, _ := newTestLedger(t)
	var events []Change
	l.OnChange = func(_ Balance, c Change) { events = append(events, c) }

	require.NoError(t, l.Credit(addr, d("5"), "faucet", "ref-1"))
	require.Len(t, events, 1)
	require.Equal(t, Credit, events[0].Type)
	require.Equal(t, "ref-1", events[0].ReferenceID)
}
