package account

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Store is the persistence surface the manager needs.
type Store interface {
	SaveUser(u *User) error
	LoadUser(addr common.Address) (*User, error)
}

// Manager caches user records in memory and writes through to the store.
type Manager struct {
	mu    sync.Mutex
	users map[common.Address]*User
	store Store
	log   *zap.SugaredLogger
}

// NewManager creates a user manager backed by store.
func NewManager(store Store, log *zap.SugaredLogger) *Manager {
	return &Manager{
		users: make(map[common.Address]*User),
		store: store,
		log:   log,
	}
}

// GetOrCreate returns the user record for addr, creating it on first sight.
func (m *Manager) GetOrCreate(addr common.Address, chainID int64) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(addr, chainID)
}

// Get returns a copy of the user record, or nil if never seen.
func (m *Manager) Get(addr common.Address) *User {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[addr]
	if !ok {
		loaded, err := m.store.LoadUser(addr)
		if err != nil {
			m.log.Warnw("user_load_failed", "address", addr.Hex(), "err", err)
		}
		if loaded == nil {
			return nil
		}
		m.users[addr] = loaded
		u = loaded
	}
	cp := *u
	return &cp
}

func (m *Manager) getLocked(addr common.Address, chainID int64) *User {
	u, ok := m.users[addr]
	if ok {
		return u
	}

	u, err := m.store.LoadUser(addr)
	if err != nil {
		m.log.Warnw("user_load_failed", "address", addr.Hex(), "err", err)
	}
	if u == nil {
		now := time.Now()
		u = &User{Address: addr, ChainID: chainID, CreatedAt: now, UpdatedAt: now}
		if err := m.store.SaveUser(u); err != nil {
			m.log.Errorw("user_save_failed", "address", addr.Hex(), "err", err)
		}
	}
	m.users[addr] = u
	return u
}

// Update applies fn to the user record under the manager lock and persists it.
func (m *Manager) Update(addr common.Address, fn func(*User)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(addr, 0)
	fn(u)
	u.UpdatedAt = time.Now()
	if err := m.store.SaveUser(u); err != nil {
		m.log.Errorw("user_save_failed", "address", addr.Hex(), "err", err)
	}
}

// TryUseLiquidationSave consumes the once-per-UTC-day liquidation save if the
// user has the talent and has not used it on day (format 2006-01-02).
// Returns true when the save fires.
func (m *Manager) TryUseLiquidationSave(addr common.Address, day string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(addr, 0)
	if !u.Talents.LiquidationSave || u.LastLiquidationSaveDay == day {
		return false
	}
	u.LastLiquidationSaveDay = day
	u.UpdatedAt = time.Now()
	if err := m.store.SaveUser(u); err != nil {
		m.log.Errorw("user_save_failed", "address", addr.Hex(), "err", err)
	}
	return true
}
