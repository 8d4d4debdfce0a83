package observability

import (
	"context"
	"errors"

	"github.com/jkaninda/askari/internal/policy"
)

// InstrumentedStore decorates a policy.Store with per-operation counters.
// The wrapped store keeps doing the real work; this layer only records
// what happened, so a metrics failure can never change a decision.
type InstrumentedStore struct {
	inner   policy.Store
	metrics *MetricsCollector
}

// NewInstrumentedStore wraps store with operation metrics. With nil metrics
// the store is returned unwrapped.
func NewInstrumentedStore(store policy.Store, metrics *MetricsCollector) policy.Store {
	if metrics == nil {
		return store
	}
	return &InstrumentedStore{inner: store, metrics: metrics}
}

func (s *InstrumentedStore) Get(ctx context.Context, uid int64) (*policy.Policy, error) {
	p, err := s.inner.Get(ctx, uid)
	s.record("get", err)
	return p, err
}

func (s *InstrumentedStore) Upsert(ctx context.Context, p *policy.Policy) error {
	err := s.inner.Upsert(ctx, p)
	s.record("upsert", err)
	return err
}

func (s *InstrumentedStore) PurgeExpired(ctx context.Context) error {
	err := s.inner.PurgeExpired(ctx)
	s.record("purge", err)
	return err
}

func (s *InstrumentedStore) Revoke(ctx context.Context, uid int64) error {
	err := s.inner.Revoke(ctx, uid)
	s.record("revoke", err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context) ([]policy.Policy, error) {
	policies, err := s.inner.List(ctx)
	s.record("list", err)
	return policies, err
}

func (s *InstrumentedStore) ClearAll(ctx context.Context) error {
	err := s.inner.ClearAll(ctx)
	s.record("clear", err)
	return err
}

// record counts one operation. A cache miss is an expected outcome, not an
// error, and gets its own status so miss rates are visible.
func (s *InstrumentedStore) record(op string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrNotFound):
		status = "miss"
	default:
		status = "error"
	}
	s.metrics.StoreOpsTotal.WithLabelValues(op, status).Inc()
}

var _ policy.Store = (*InstrumentedStore)(nil)
