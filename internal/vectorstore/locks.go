package vectorstore

import (
	"sync"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
)

// tenantLocks hands out one mutex per tenant. Entries are never removed;
// the map is bounded by the number of tenants the process has seen.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[ingest.TenantID]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[ingest.TenantID]*sync.Mutex)}
}

func (l *tenantLocks) get(t ingest.TenantID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[t]
	if !ok {
		m = &sync.Mutex{}
		l.locks[t] = m
	}
	return m
}

// lock blocks until tenant's mutex is held and returns its unlock func.
func (l *tenantLocks) lock(t ingest.TenantID) func() {
	m := l.get(t)
	m.Lock()
	return m.Unlock
}

// tryLock acquires tenant's mutex only if it is free.
func (l *tenantLocks) tryLock(t ingest.TenantID) (func(), bool) {
	m := l.get(t)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}
