package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const policyColumns = `id,
        asset,
        owner_identity,
        payout_destination,
        strike_price,
        side,
        coverage_amount,
        premium_amount,
        expires_at,
        status,
        premium_paid,
        payment_ref,
        created_at,
        resolved_at,
        settlement_ref`

const (
	insertPolicySQL = `INSERT INTO policies (` + policyColumns + `) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULL,NULL
    );`

	getPolicySQL = `SELECT ` + policyColumns + ` FROM policies WHERE id = $1;`

	listActiveSQL = `SELECT ` + policyColumns + `
    FROM policies
    WHERE status = 'active'
      AND ($1::text IS NULL OR asset = $1)
      AND (expires_at IS NULL OR expires_at > $2)
    ORDER BY strike_price ASC, created_at ASC;`

	listExpiredSQL = `SELECT ` + policyColumns + `
    FROM policies
    WHERE status = 'active'
      AND ($1::text IS NULL OR asset = $1)
      AND expires_at IS NOT NULL
      AND expires_at <= $2
    ORDER BY expires_at ASC;`

	resolvePolicySQL = `UPDATE policies
    SET status = 'resolved', resolved_at = $3, settlement_ref = $4
    WHERE id = $1 AND status = $2;`

	expirePolicySQL = `UPDATE policies
    SET status = 'expired'
    WHERE id = $1 AND status = 'active';`

	cancelPolicySQL = `UPDATE policies
    SET status = 'cancelled'
    WHERE id = $1 AND status IN ('pending', 'active');`

	activatePolicySQL = `UPDATE policies
    SET status = 'active', premium_paid = TRUE, payment_ref = $2
    WHERE id = $1 AND status = 'pending';`

	policyExistsSQL = `SELECT EXISTS (SELECT 1 FROM policies WHERE id = $1);`

	insertPriceSampleSQL = `INSERT INTO price_samples (
        asset,
        mantissa,
        exponent,
        price,
        confidence,
        published_at,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (asset, published_at, source) DO NOTHING;`

	priceSampleColumns = `asset, mantissa, exponent, price, confidence, published_at, source, created_at`

	listSamplesBetweenSQL = `SELECT ` + priceSampleColumns + `
    FROM price_samples
    WHERE asset = $1
      AND published_at >= $2
      AND published_at < $3
    ORDER BY published_at;`

	listRecentSamplesSQL = `SELECT ` + priceSampleColumns + `
    FROM price_samples
    WHERE asset = $1
    ORDER BY published_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed PolicyStore and PriceHistory.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Create inserts policy as Active when its premium is paid, Pending otherwise.
func (s *Store) Create(ctx context.Context, policy domain.Policy) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	p, err := preparePolicy(policy, s.now().UTC())
	if err != nil {
		return "", err
	}

	_, execErr := pool.Exec(ctx, insertPolicySQL,
		p.ID,
		string(p.Asset),
		p.OwnerIdentity,
		p.PayoutDestination,
		p.StrikePrice.String(),
		string(p.Side),
		p.CoverageAmount.String(),
		p.PremiumAmount.String(),
		p.ExpiresAt,
		string(p.Status),
		p.PremiumPaid,
		p.PaymentRef,
		p.CreatedAt,
	)
	if execErr != nil {
		return "", fmt.Errorf("insert policy: %w", execErr)
	}
	return p.ID, nil
}

// Get loads a single policy.
func (s *Store) Get(ctx context.Context, id string) (domain.Policy, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Policy{}, err
	}
	rows, err := pool.Query(ctx, getPolicySQL, id)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	policies, err := collectPolicies(rows)
	if err != nil {
		return domain.Policy{}, err
	}
	if len(policies) == 0 {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	return policies[0], nil
}

// List returns policies matching filter, newest first.
func (s *Store) List(ctx context.Context, filter PolicyFilter) ([]domain.Policy, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildListQuery(filter)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return collectPolicies(rows)
}

func buildListQuery(filter PolicyFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Asset != nil {
		args = append(args, string(*filter.Asset))
		where = append(where, fmt.Sprintf("asset = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		where = append(where, fmt.Sprintf("owner_identity = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(policyColumns)
	b.WriteString(" FROM policies")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// GetActive returns active, unexpired policies ordered by strike ascending.
func (s *Store) GetActive(ctx context.Context, asset *domain.Asset, now time.Time) ([]domain.Policy, error) {
	return s.queryByAsset(ctx, listActiveSQL, asset, now)
}

// ListExpired returns active policies past their expiry.
func (s *Store) ListExpired(ctx context.Context, asset *domain.Asset, now time.Time) ([]domain.Policy, error) {
	return s.queryByAsset(ctx, listExpiredSQL, asset, now)
}

func (s *Store) queryByAsset(ctx context.Context, query string, asset *domain.Asset, now time.Time) ([]domain.Policy, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var assetArg *string
	if asset != nil {
		v := string(*asset)
		assetArg = &v
	}
	rows, err := pool.Query(ctx, query, assetArg, now)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	return collectPolicies(rows)
}

// TryResolve marks the policy resolved iff its status equals expected.
func (s *Store) TryResolve(ctx context.Context, id string, expected domain.PolicyStatus, settlementRef string) (bool, error) {
	if err := checkResolvable(expected); err != nil {
		return false, err
	}
	return s.swap(ctx, id, resolvePolicySQL, id, string(expected), s.now().UTC(), settlementRef)
}

// Expire moves an active policy to expired.
func (s *Store) Expire(ctx context.Context, id string) (bool, error) {
	return s.swap(ctx, id, expirePolicySQL, id)
}

// Cancel moves a pending or active policy to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	return s.swap(ctx, id, cancelPolicySQL, id)
}

// Activate records premium payment and moves a pending policy to active.
func (s *Store) Activate(ctx context.Context, id string, paymentRef string) (bool, error) {
	return s.swap(ctx, id, activatePolicySQL, id, paymentRef)
}

// swap runs a conditional UPDATE on the pool.
func (s *Store) swap(ctx context.Context, id, query string, args ...any) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	return compareAndSwap(ctx, pool, id, query, args...)
}

// rowUpdater is the slice of pgxpool.Pool that compareAndSwap needs.
type rowUpdater interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// compareAndSwap runs query, a conditional UPDATE. Zero rows affected is a
// CAS miss unless the row does not exist at all.
func compareAndSwap(ctx context.Context, db rowUpdater, id, query string, args ...any) (bool, error) {
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update policy %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := db.QueryRow(ctx, policyExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check policy %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

// RecordPriceSample persists an accepted oracle sample.
func (s *Store) RecordPriceSample(ctx context.Context, sample domain.PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertPriceSampleSQL,
		string(sample.Asset),
		sample.Mantissa,
		sample.Exponent,
		sample.Price().String(),
		sample.Confidence.String(),
		sample.PublishedAt,
		sample.Source,
	)
	if execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// ListPriceSamplesBetween lists samples within a publish-time window.
func (s *Store) ListPriceSamplesBetween(ctx context.Context, asset domain.Asset, from, to time.Time) ([]PriceSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, string(asset), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// ListRecentPriceSamples lists the most recent samples first.
func (s *Store) ListRecentPriceSamples(ctx context.Context, asset domain.Asset, limit int) ([]PriceSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, string(asset), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	return collectSamples(rows, limit)
}

func collectPolicies(rows pgx.Rows) ([]domain.Policy, error) {
	defer rows.Close()
	policies := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return policies, nil
}

func scanPolicy(rows pgx.Rows) (domain.Policy, error) {
	var (
		p           domain.Policy
		asset       string
		side        string
		status      string
		strikeStr   string
		coverageStr string
		premiumStr  string
	)
	if err := rows.Scan(
		&p.ID,
		&asset,
		&p.OwnerIdentity,
		&p.PayoutDestination,
		&strikeStr,
		&side,
		&coverageStr,
		&premiumStr,
		&p.ExpiresAt,
		&status,
		&p.PremiumPaid,
		&p.PaymentRef,
		&p.CreatedAt,
		&p.ResolvedAt,
		&p.SettlementRef,
	); err != nil {
		return domain.Policy{}, err
	}

	var err error
	if p.Asset, err = domain.ParseAsset(asset); err != nil {
		return domain.Policy{}, err
	}
	if p.Side, err = domain.ParseSide(side); err != nil {
		return domain.Policy{}, err
	}
	if p.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Policy{}, err
	}
	if p.StrikePrice, err = decimal.NewFromString(strikeStr); err != nil {
		return domain.Policy{}, fmt.Errorf("parse strike price: %w", err)
	}
	if p.CoverageAmount, err = decimal.NewFromString(coverageStr); err != nil {
		return domain.Policy{}, fmt.Errorf("parse coverage amount: %w", err)
	}
	if p.PremiumAmount, err = decimal.NewFromString(premiumStr); err != nil {
		return domain.Policy{}, fmt.Errorf("parse premium amount: %w", err)
	}
	return p, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]PriceSampleRecord, error) {
	defer rows.Close()
	samples := make([]PriceSampleRecord, 0, capacity)
	for rows.Next() {
		var (
			rec      PriceSampleRecord
			asset    string
			priceStr string
			confStr  string
		)
		if err := rows.Scan(&asset, &rec.Mantissa, &rec.Exponent, &priceStr, &confStr, &rec.PublishedAt, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Asset = domain.Asset(asset)

		var convErr error
		if rec.Price, convErr = decimal.NewFromString(priceStr); convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		if rec.Confidence, convErr = decimal.NewFromString(confStr); convErr != nil {
			return nil, fmt.Errorf("parse confidence: %w", convErr)
		}
		samples = append(samples, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

var (
	_ PolicyStore    = (*Store)(nil)
	_ PriceHistory   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
