package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/askari/internal/policy"
)

// PolicyRepository implements policy.Store with GORM.
//
// Writes to the same UID are serialized through a per-key mutex so two
// sessions for one requester cannot interleave; writes to different UIDs
// proceed concurrently. Reads need no key lock — a read racing a write sees
// either the old or the new row, both valid.
type PolicyRepository struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{
		db:    db,
		locks: make(map[int64]*sync.Mutex),
	}
}

func (r *PolicyRepository) keyLock(uid int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[uid]
	if !ok {
		l = &sync.Mutex{}
		r.locks[uid] = l
	}
	return l
}

// Get returns the live policy for a UID. A stale row is treated as absent
// (lazy expiry); deletion is left to PurgeExpired.
func (r *PolicyRepository) Get(ctx context.Context, uid int64) (*policy.Policy, error) {
	var model PolicyModel
	if err := r.db.WithContext(ctx).First(&model, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, policy.ErrNotFound
		}
		return nil, fmt.Errorf("getting policy: %w", err)
	}

	p := toPolicyDomain(&model)
	if !p.Live(time.Now().UTC()) {
		return nil, policy.ErrNotFound
	}
	return p, nil
}

// Upsert creates or replaces the policy for p.UID. AskEachTime is the
// in-memory default, never a row.
func (r *PolicyRepository) Upsert(ctx context.Context, p *policy.Policy) error {
	if p.Decision == policy.DecisionAsk {
		return policy.ErrNotCacheable
	}

	l := r.keyLock(p.UID)
	l.Lock()
	defer l.Unlock()

	model := toPolicyModel(p)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"package_name", "decision", "expires_at", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting policy: %w", err)
	}
	return nil
}

// PurgeExpired deletes all rows whose expiry is non-zero and in the past.
func (r *PolicyRepository) PurgeExpired(ctx context.Context) error {
	return r.db.WithContext(ctx).
		Where("expires_at != 0 AND expires_at < ?", time.Now().UTC().Unix()).
		Delete(&PolicyModel{}).Error
}

// Revoke deletes the policy for one UID. Missing rows are not an error.
func (r *PolicyRepository) Revoke(ctx context.Context, uid int64) error {
	l := r.keyLock(uid)
	l.Lock()
	defer l.Unlock()

	return r.db.WithContext(ctx).Delete(&PolicyModel{}, "uid = ?", uid).Error
}

// List returns all rows, stale ones included, ordered by UID.
func (r *PolicyRepository) List(ctx context.Context) ([]policy.Policy, error) {
	var models []PolicyModel
	if err := r.db.WithContext(ctx).Order("uid").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	out := make([]policy.Policy, len(models))
	for i := range models {
		out[i] = *toPolicyDomain(&models[i])
	}
	return out, nil
}

// ClearAll removes every cached decision.
func (r *PolicyRepository) ClearAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Where("1 = 1").Delete(&PolicyModel{}).Error
}

// compile-time interface check
var _ policy.Store = (*PolicyRepository)(nil)
