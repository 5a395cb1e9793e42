package lock

import (
	"context"
	"sync"
)

// Locker is a lease held by at most one worker at a time. TryAcquire
// reports whether the caller holds the lease afterwards; calling it while
// already holding the lease renews it.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var (
	localMu     sync.Mutex
	localOwners = map[string]*Local{}
)

// Local is an in-process lease. Handles created with the same name
// exclude each other.
type Local struct {
	name string
}

func NewLocal(name string) *Local { return &Local{name: name} }

func (l *Local) TryAcquire(context.Context) (bool, error) {
	localMu.Lock()
	defer localMu.Unlock()
	owner, held := localOwners[l.name]
	if held && owner != l {
		return false, nil
	}
	localOwners[l.name] = l
	return true, nil
}

func (l *Local) Release(context.Context) error {
	localMu.Lock()
	defer localMu.Unlock()
	if localOwners[l.name] == l {
		delete(localOwners, l.name)
	}
	return nil
}
