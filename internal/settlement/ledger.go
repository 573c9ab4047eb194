package settlement

import (
	"context"
	"sync"
)

// Ledger tracks which idempotency keys have a transfer in flight or done.
type Ledger interface {
	// Claim reserves key. If the key is already held it returns the recorded
	// ref (empty while the first claimant has not recorded one yet).
	Claim(ctx context.Context, key string) (ref Ref, claimed bool, err error)
	// Record stores the transfer ref for a claimed key.
	Record(ctx context.Context, key string, ref Ref) error
	// Release drops a claim so a later attempt can retry.
	Release(ctx context.Context, key string) error
	// Reclaim takes key over again if it still records failed. It returns
	// false when another caller got there first.
	Reclaim(ctx context.Context, key string, failed Ref) (bool, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Ref
}

// NewMemoryLedger builds an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Ref)}
}

func (l *MemoryLedger) Claim(ctx context.Context, key string) (Ref, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.entries[key]; ok {
		return ref, false, nil
	}
	l.entries[key] = ""
	return "", true, nil
}

func (l *MemoryLedger) Record(ctx context.Context, key string, ref Ref) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = ref
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *MemoryLedger) Reclaim(ctx context.Context, key string, failed Ref) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.entries[key]; !ok || ref != failed {
		return false, nil
	}
	l.entries[key] = ""
	return true, nil
}

var _ Ledger = (*MemoryLedger)(nil)
