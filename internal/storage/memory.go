package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"liqguard/internal/domain"
)

// MemoryStore keeps policies in process. It backs tests and dry runs and
// honours the same CAS contract as the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	policies map[string]domain.Policy
	samples  map[domain.Asset][]PriceSampleRecord
}

// NewMemoryStore builds an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		policies: make(map[string]domain.Policy),
		samples:  make(map[domain.Asset][]PriceSampleRecord),
	}
}

// Create inserts policy as Active when its premium is paid, Pending otherwise.
func (m *MemoryStore) Create(ctx context.Context, policy domain.Policy) (string, error) {
	p, err := preparePolicy(policy, m.now().UTC())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.policies[p.ID]; exists {
		return "", fmt.Errorf("%w: policy %s already exists", domain.ErrValidation, p.ID)
	}
	m.policies[p.ID] = clonePolicy(p)
	return p.ID, nil
}

// Get returns a copy of the policy.
func (m *MemoryStore) Get(ctx context.Context, id string) (domain.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	return clonePolicy(p), nil
}

// List returns policies matching filter, newest first.
func (m *MemoryStore) List(ctx context.Context, filter PolicyFilter) ([]domain.Policy, error) {
	m.mu.RLock()
	out := make([]domain.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if filter.Asset != nil && p.Asset != *filter.Asset {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.Owner != "" && p.OwnerIdentity != filter.Owner {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetActive returns active, unexpired policies ordered by strike ascending.
func (m *MemoryStore) GetActive(ctx context.Context, asset *domain.Asset, now time.Time) ([]domain.Policy, error) {
	return m.selectActive(asset, func(p domain.Policy) bool { return !p.ExpiredAt(now) }), nil
}

// ListExpired returns active policies past their expiry.
func (m *MemoryStore) ListExpired(ctx context.Context, asset *domain.Asset, now time.Time) ([]domain.Policy, error) {
	return m.selectActive(asset, func(p domain.Policy) bool { return p.ExpiredAt(now) }), nil
}

func (m *MemoryStore) selectActive(asset *domain.Asset, keep func(domain.Policy) bool) []domain.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Policy, 0)
	for _, p := range m.policies {
		if p.Status != domain.StatusActive {
			continue
		}
		if asset != nil && p.Asset != *asset {
			continue
		}
		if !keep(p) {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].StrikePrice.Cmp(out[j].StrikePrice); c != 0 {
			return c < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TryResolve marks the policy resolved iff its status equals expected.
func (m *MemoryStore) TryResolve(ctx context.Context, id string, expected domain.PolicyStatus, settlementRef string) (bool, error) {
	if err := checkResolvable(expected); err != nil {
		return false, err
	}
	return m.swap(id, []domain.PolicyStatus{expected}, func(p *domain.Policy) {
		now := m.now().UTC()
		ref := settlementRef
		p.Status = domain.StatusResolved
		p.ResolvedAt = &now
		p.SettlementRef = &ref
	})
}

// Expire moves an active policy to expired.
func (m *MemoryStore) Expire(ctx context.Context, id string) (bool, error) {
	return m.swap(id, []domain.PolicyStatus{domain.StatusActive}, func(p *domain.Policy) {
		p.Status = domain.StatusExpired
	})
}

// Cancel moves a pending or active policy to cancelled.
func (m *MemoryStore) Cancel(ctx context.Context, id string) (bool, error) {
	return m.swap(id, []domain.PolicyStatus{domain.StatusPending, domain.StatusActive}, func(p *domain.Policy) {
		p.Status = domain.StatusCancelled
	})
}

// Activate records premium payment and moves a pending policy to active.
func (m *MemoryStore) Activate(ctx context.Context, id string, paymentRef string) (bool, error) {
	return m.swap(id, []domain.PolicyStatus{domain.StatusPending}, func(p *domain.Policy) {
		ref := paymentRef
		p.Status = domain.StatusActive
		p.PremiumPaid = true
		p.PaymentRef = &ref
	})
}

func (m *MemoryStore) swap(id string, from []domain.PolicyStatus, apply func(*domain.Policy)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[id]
	if !ok {
		return false, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	for _, status := range from {
		if p.Status == status {
			apply(&p)
			m.policies[id] = p
			return true, nil
		}
	}
	return false, nil
}

// RecordPriceSample appends a sample to the in-memory history.
func (m *MemoryStore) RecordPriceSample(ctx context.Context, sample domain.PriceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[sample.Asset] = append(m.samples[sample.Asset], recordFromSample(sample, m.now().UTC()))
	return nil
}

// ListPriceSamplesBetween lists samples for asset in [from, to) by publish time.
func (m *MemoryStore) ListPriceSamplesBetween(ctx context.Context, asset domain.Asset, from, to time.Time) ([]PriceSampleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PriceSampleRecord, 0)
	for _, r := range m.samples[asset] {
		if !r.PublishedAt.Before(from) && r.PublishedAt.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out, nil
}

// ListRecentPriceSamples lists the newest samples first.
func (m *MemoryStore) ListRecentPriceSamples(ctx context.Context, asset domain.Asset, limit int) ([]PriceSampleRecord, error) {
	m.mu.RLock()
	out := append([]PriceSampleRecord(nil), m.samples[asset]...)
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func recordFromSample(s domain.PriceSample, now time.Time) PriceSampleRecord {
	return PriceSampleRecord{
		Asset:       s.Asset,
		Mantissa:    s.Mantissa,
		Exponent:    s.Exponent,
		Price:       s.Price(),
		Confidence:  s.Confidence,
		PublishedAt: s.PublishedAt,
		Source:      s.Source,
		CreatedAt:   now,
	}
}

func clonePolicy(p domain.Policy) domain.Policy {
	if p.ExpiresAt != nil {
		v := *p.ExpiresAt
		p.ExpiresAt = &v
	}
	if p.ResolvedAt != nil {
		v := *p.ResolvedAt
		p.ResolvedAt = &v
	}
	if p.SettlementRef != nil {
		v := *p.SettlementRef
		p.SettlementRef = &v
	}
	if p.PaymentRef != nil {
		v := *p.PaymentRef
		p.PaymentRef = &v
	}
	return p
}

var (
	_ PolicyStore  = (*MemoryStore)(nil)
	_ PriceHistory = (*MemoryStore)(nil)
)
