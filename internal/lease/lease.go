package lease

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrHeld means another instance owns the lease.
	ErrHeld = errors.New("session is owned by another instance")
	// ErrNotHeld means this instance no longer owns the lease it tried to keep.
	ErrNotHeld = errors.New("session lease lost")
)

// Lease grants one instance at a time ownership of a user's session.
type Lease interface {
	Acquire(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	// Holder returns the owning instance, or "" when nobody owns the lease.
	Holder(ctx context.Context, id string) (string, error)
}

// Local is the lease of a single-instance deployment: this instance owns
// every session it asks for.
type Local struct {
	owner string

	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal(owner string) *Local {
	return &Local{owner: owner, held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[id] = struct{}{}
	return nil
}

func (l *Local) Refresh(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; !ok {
		return ErrNotHeld
	}
	return nil
}

func (l *Local) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	return nil
}

func (l *Local) Holder(_ context.Context, id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return l.owner, nil
	}
	return "", nil
}
