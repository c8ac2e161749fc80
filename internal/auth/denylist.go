package auth

import (
	"context"
	"sync"
	"time"
)

// Denylist remembers revoked token ids until they would have expired anyway.
type Denylist interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// MemoryDenylist is the single-process Denylist used when Redis is not
// configured.
type MemoryDenylist struct {
	mu  sync.Mutex
	ids map[string]time.Time
	now func() time.Time
}

func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{ids: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDenylist) Revoke(_ context.Context, jti string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, exp := range d.ids {
		if now.After(exp) {
			delete(d.ids, id)
		}
	}
	d.ids[jti] = until
	return nil
}

func (d *MemoryDenylist) Revoked(_ context.Context, jti string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.ids[jti]
	return ok && d.now().Before(exp), nil
}
